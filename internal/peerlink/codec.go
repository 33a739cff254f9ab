package peerlink

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// frameCodecName is the gRPC content subtype of dispatch streams. Frames are
// already encoded by internal/wire, so the codec passes bytes through.
const frameCodecName = "topicmesh-frame"

const (
	serviceName    = "topicmesh.peerlink.v1.PeerLink"
	dispatchMethod = "/" + serviceName + "/Dispatch"
)

func init() {
	encoding.RegisterCodec(frameCodec{})
}

type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case *[]byte:
		return *v, nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("%s: cannot marshal %T", frameCodecName, v)
	}
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%s: cannot unmarshal into %T", frameCodecName, v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (frameCodec) Name() string { return frameCodecName }

// frameServer is implemented by the inbound side of the link.
type frameServer interface {
	Dispatch(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*frameServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Dispatch",
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(frameServer).Dispatch(stream)
			},
		},
	},
	Metadata: "topicmesh/peerlink/v1",
}
