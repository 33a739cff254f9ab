package natskv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfig(t *testing.T) {
	var config Config
	require.ErrorIs(t, config.Validate(), ErrEmptyNodeID)

	config.NodeID = "n1"
	require.ErrorIs(t, config.Validate(), ErrEmptyURL)

	config.URL = "nats://127.0.0.1:4222"
	config.SetDefaults()
	require.NoError(t, config.Validate())
	assert.Equal(t, "topicmesh-filters", config.Bucket)
	assert.Equal(t, 1, config.Replicas)
}

func TestKeyEncoding(t *testing.T) {
	for _, key := range []string{"signals/node-1", "ns with spaces/n:1", ""} {
		encoded := encodeKey(key)
		assert.NotContains(t, encoded, "/")
		decoded, err := decodeKey(encoded)
		require.NoError(t, err)
		assert.Equal(t, key, decoded)
	}
}

// TestReplicates needs a JetStream enabled server, e.g. `nats-server -js`.
func TestReplicates(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bucket := "topicmesh-test-" + uuid.NewString()[:8]
	n1, err := New(ctx, zaptest.NewLogger(t), Config{NodeID: "n1", URL: url, Bucket: bucket})
	require.NoError(t, err)
	defer n1.Close()
	require.NoError(t, n1.Put(ctx, "f/n1", []byte("one"), 5))

	n2, err := New(ctx, zaptest.NewLogger(t), Config{NodeID: "n2", URL: url, Bucket: bucket})
	require.NoError(t, err)
	defer n2.Close()

	// initial values are loaded before New returns
	e, ok, err := n2.Get(ctx, "f/n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.Generation)

	require.NoError(t, n2.Put(ctx, "f/n2", []byte("two"), 1))
	require.Eventually(t, func() bool {
		entries, _ := n1.Entries(ctx, "f/")
		return len(entries) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, n1.Delete(ctx, "f/n1"))
	require.Eventually(t, func() bool {
		_, ok, _ := n2.Get(ctx, "f/n1")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
