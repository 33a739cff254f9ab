package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicmesh/internal/bloomfilter"
	"github.com/rmacdonaldsmith/topicmesh/pkg/replication"
)

func TestFilterRecord(t *testing.T) {
	params := bloomfilter.Optimal(100, 0.01, 9)
	filter := bloomfilter.NewWithParams(params)
	filter.AddAll("temperature", "humidity")

	record := FilterRecord{
		Node:       "node-1",
		Address:    "10.0.0.1:9090",
		Generation: 17,
		Params:     params,
		Bits:       filter.Bytes(),
	}
	encoded := EncodeFilterRecord(record)

	decoded, err := DecodeFilterRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)

	restored, err := decoded.Filter()
	require.NoError(t, err)
	assert.True(t, restored.Contains("temperature"))

	// encoding is deterministic
	assert.Equal(t, encoded, EncodeFilterRecord(decoded))
}

func TestFilterRecord_RequiresNode(t *testing.T) {
	_, err := DecodeFilterRecord(EncodeFilterRecord(FilterRecord{Generation: 1}))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDispatch(t *testing.T) {
	frame := Dispatch{
		Namespace: "signals",
		Origin:    "node-2",
		Topics:    []string{"a", "b"},
		Payload:   []byte(`{"x":1}`),
	}

	decoded, err := DecodeDispatch(EncodeDispatch(frame))
	require.NoError(t, err)
	assert.Equal(t, frame, decoded)
}

func TestEntries(t *testing.T) {
	entries := []replication.Entry{
		{Key: "signals/node-1", Owner: "node-1", Generation: 3, Value: []byte{1, 2}},
		{Key: "signals/node-2", Owner: "node-2", Generation: 1, Deleted: true},
	}

	decoded, err := DecodeEntries(EncodeEntries(entries))
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)

	empty, err := DecodeEntries(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMalformed(t *testing.T) {
	_, err := DecodeEntry([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeDispatch([]byte{0x0a, 0x05, 'a'})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeEntry(nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b := EncodeEntry(replication.Entry{Key: "k", Generation: 2})
	b = appendString(b, 15, "from a newer version")

	e, err := DecodeEntry(b)
	require.NoError(t, err)
	assert.Equal(t, "k", e.Key)
	assert.Equal(t, uint64(2), e.Generation)
}

func TestDispatchNamespace(t *testing.T) {
	namespace, err := DispatchNamespace(EncodeDispatch(Dispatch{Namespace: "signals", Topics: []string{"a"}}))
	require.NoError(t, err)
	assert.Equal(t, "signals", namespace)

	namespace, err = DispatchNamespace(EncodeDispatch(Dispatch{Topics: []string{"a"}}))
	require.NoError(t, err)
	assert.Empty(t, namespace)
}
