// Package wire holds the byte encodings topicmesh puts on the network and into
// replicated storage. Everything is protobuf wire format written with protowire,
// fields in ascending order and no maps, so equal values always encode to equal bytes.
package wire

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

// Error is the error class for this package.
var Error = errs.Class("wire")

// ErrMalformed is returned for input that is not a valid encoding.
var ErrMalformed = errors.New("malformed message")

// FilterRecord is the value a node publishes under its filter store key.
type FilterRecord struct {
	Node       string
	Address    string
	Generation uint64
	Params     bloomfilter.Params
	Bits       []byte
}

// Filter decodes the bit array into a filter.
func (r FilterRecord) Filter() (*bloomfilter.Filter, error) {
	return bloomfilter.FromBytes(r.Params, r.Bits)
}

// Dispatch is the frame forwarded to a candidate node for local delivery.
type Dispatch struct {
	Namespace string
	Origin    string
	Topics    []string
	Payload   []byte
}

// EncodeFilterRecord encodes r.
func EncodeFilterRecord(r FilterRecord) []byte {
	b := make([]byte, 0, len(r.Bits)+len(r.Node)+len(r.Address)+32)
	b = appendString(b, 1, r.Node)
	b = appendString(b, 2, r.Address)
	b = appendVarint(b, 3, r.Generation)
	b = appendVarint(b, 4, uint64(r.Params.Bits))
	b = appendVarint(b, 5, uint64(r.Params.Hashes))
	b = appendVarint(b, 6, r.Params.Seed)
	b = appendBytes(b, 7, r.Bits)
	return b
}

// DecodeFilterRecord decodes a FilterRecord.
func DecodeFilterRecord(b []byte) (FilterRecord, error) {
	var r FilterRecord
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &r.Node)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &r.Address)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &r.Generation)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			r.Params.Bits = uint32(v)
			return n, err
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			r.Params.Hashes = uint32(v)
			return n, err
		case num == 6 && typ == protowire.VarintType:
			return consumeVarint(b, &r.Params.Seed)
		case num == 7 && typ == protowire.BytesType:
			return consumeBytes(b, &r.Bits)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return FilterRecord{}, err
	}
	if r.Node == "" {
		return FilterRecord{}, Error.Wrap(fmt.Errorf("filter record without node: %w", ErrMalformed))
	}
	return r, nil
}

// EncodeDispatch encodes d.
func EncodeDispatch(d Dispatch) []byte {
	b := make([]byte, 0, len(d.Payload)+64)
	b = appendString(b, 1, d.Namespace)
	b = appendString(b, 2, d.Origin)
	for _, topic := range d.Topics {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, topic)
	}
	b = appendBytes(b, 4, d.Payload)
	return b
}

// DecodeDispatch decodes a Dispatch frame.
func DecodeDispatch(b []byte) (Dispatch, error) {
	var d Dispatch
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &d.Namespace)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &d.Origin)
		case num == 3 && typ == protowire.BytesType:
			var topic string
			n, err := consumeString(b, &topic)
			d.Topics = append(d.Topics, topic)
			return n, err
		case num == 4 && typ == protowire.BytesType:
			return consumeBytes(b, &d.Payload)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

// EncodeEntry encodes a replicated entry envelope.
func EncodeEntry(e replication.Entry) []byte {
	return appendEntry(make([]byte, 0, len(e.Value)+len(e.Key)+len(e.Owner)+16), e)
}

// DecodeEntry decodes a replicated entry envelope.
func DecodeEntry(b []byte) (replication.Entry, error) {
	var e replication.Entry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &e.Key)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &e.Owner)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &e.Generation)
		case num == 4 && typ == protowire.BytesType:
			return consumeBytes(b, &e.Value)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			e.Deleted = v != 0
			return n, err
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return replication.Entry{}, err
	}
	if e.Key == "" {
		return replication.Entry{}, Error.Wrap(fmt.Errorf("entry without key: %w", ErrMalformed))
	}
	return e, nil
}

// EncodeEntries encodes a list of entries, used for full state exchange.
func EncodeEntries(entries []replication.Entry) []byte {
	var b []byte
	for _, e := range entries {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, e))
	}
	return b
}

// DecodeEntries decodes a list produced by EncodeEntries.
func DecodeEntries(b []byte) ([]replication.Entry, error) {
	var entries []replication.Entry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		var raw []byte
		n, err := consumeBytes(b, &raw)
		if err != nil {
			return n, err
		}
		e, err := DecodeEntry(raw)
		if err != nil {
			return n, err
		}
		entries = append(entries, e)
		return n, nil
	})
	return entries, err
}

func appendEntry(b []byte, e replication.Entry) []byte {
	b = appendString(b, 1, e.Key)
	b = appendString(b, 2, e.Owner)
	b = appendVarint(b, 3, e.Generation)
	b = appendBytes(b, 4, e.Value)
	if e.Deleted {
		b = appendVarint(b, 5, 1)
	}
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields walks b field by field; fn returns how many bytes of the value it consumed.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Error.Wrap(fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n)))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeString(b []byte, v *string) (int, error) {
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, Error.Wrap(fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n)))
	}
	*v = s
	return n, nil
}

func consumeBytes(b []byte, v *[]byte) (int, error) {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, Error.Wrap(fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n)))
	}
	*v = append([]byte(nil), raw...)
	return n, nil
}

func consumeVarint(b []byte, v *uint64) (int, error) {
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, Error.Wrap(fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n)))
	}
	*v = x
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, Error.Wrap(fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n)))
	}
	return n, nil
}

// DispatchNamespace reads only the namespace of an encoded Dispatch frame.
func DispatchNamespace(b []byte) (string, error) {
	var namespace string
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType && namespace == "" {
			return consumeString(b, &namespace)
		}
		return skip(num, typ, b)
	})
	return namespace, err
}
