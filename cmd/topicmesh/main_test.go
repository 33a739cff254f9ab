package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicmesh/internal/meshnode"
	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestCommandStructure(t *testing.T) {
	root := newRootCommand()
	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "filter-size", "version"}, names)

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	for _, flag := range []string{"config", "node-id", "peer-listen", "replication", "seed", "nats-url", "metrics-listen", "watch", "publish-every"} {
		assert.NotNil(t, serve.Flags().Lookup(flag), "flag %s", flag)
	}
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "topicmesh v"+appVersion+"\n", execute(t, "version"))
}

func TestFilterSize(t *testing.T) {
	out := execute(t, "filter-size", "--expected-subscribers", "100", "--topics-per-subscriber", "1", "--false-positive-rate", "0.01")

	config := pubsub.DefaultConfig("x")
	config.ExpectedSubscriberCount = 100
	config.ExpectedTopicsPerSubscriber = 1
	params := config.FilterParams()

	assert.Equal(t, uint32(960), params.Bits)
	assert.Equal(t, fmt.Sprintf("bits:   %d\nhashes: %d\nseed:   0\nbytes:  %d\n", params.Bits, params.Hashes, params.ByteSize()), out)
}

func TestFilterSize_InvalidRate(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"filter-size", "--false-positive-rate", "2"})
	assert.ErrorIs(t, cmd.Execute(), pubsub.ErrInvalidFalsePositiveRate)
}

func TestSignalTopics(t *testing.T) {
	topics := signalTopics(Signal{Namespace: "plant-1", ThingID: "sensor-7", Type: "temperature"})
	assert.Equal(t, []string{"namespace:plant-1", "thing:sensor-7", "type:temperature"}, topics)

	assert.Equal(t, []string{"thing:sensor-7"}, signalTopics(Signal{ThingID: "sensor-7"}))
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: from-file\npeerListen: 127.0.0.1:7400\nmetricsListen: 127.0.0.1:9100\n"), 0o600))

	opts := &serveOptions{}
	cmd := newServeCommandWith(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--node-id", "from-flag", "--replication", "gossip", "--seed", "10.0.0.2:7946"}))

	config, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", config.NodeID)
	assert.Equal(t, "127.0.0.1:7400", config.PeerListen, "unset flags keep file values")
	assert.Equal(t, "127.0.0.1:9100", config.MetricsListen)
	assert.Equal(t, meshnode.ReplicationGossip, config.Replication)
	assert.Equal(t, []string{"10.0.0.2:7946"}, config.Gossip.Seeds)
	assert.Equal(t, 7946, config.Gossip.BindPort)
	assert.Equal(t, "from-flag", config.Gossip.NodeID)
}

func TestLoadConfig_Defaults(t *testing.T) {
	opts := &serveOptions{}
	cmd := newServeCommandWith(opts)
	require.NoError(t, cmd.ParseFlags(nil))

	config, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.NotEmpty(t, config.NodeID)
	assert.Equal(t, ":7400", config.PeerListen)
	assert.Equal(t, meshnode.ReplicationMemory, config.Replication)
}
