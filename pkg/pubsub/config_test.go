package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	c := DefaultConfig("signals")

	require.NoError(t, c.Validate())
	assert.Equal(t, 0.01, c.FalsePositiveRate)
	assert.Equal(t, 1000, c.ExpectedSubscriberCount)
	assert.Equal(t, 100*time.Millisecond, c.UpdateDebounceWindow)
	assert.Equal(t, time.Second, c.RestartDelay)
	assert.Equal(t, 30*time.Second, c.RepublishInterval)

	c.RepublishInterval = -1
	c.SetDefaults()
	assert.Negative(t, c.RepublishInterval)
}

func TestConfig_Validate(t *testing.T) {
	c := DefaultConfig("")
	assert.ErrorIs(t, c.Validate(), ErrInvalidNamespace)

	c = DefaultConfig("signals")
	c.FalsePositiveRate = 1.5
	assert.ErrorIs(t, c.Validate(), ErrInvalidFalsePositiveRate)
}

func TestConfig_FilterParamsAreDeterministic(t *testing.T) {
	a := DefaultConfig("signals")
	b := DefaultConfig("signals")
	assert.Equal(t, a.FilterParams(), b.FilterParams())

	b.Seed = 1
	assert.NotEqual(t, a.FilterParams(), b.FilterParams())
}

func TestValidateTopics(t *testing.T) {
	assert.ErrorIs(t, ValidateTopics(nil), ErrEmptyTopics)
	assert.ErrorIs(t, ValidateTopics([]string{"a", ""}), ErrEmptyTopic)
	assert.NoError(t, ValidateTopics([]string{"a"}))
}

func TestJSONCodec(t *testing.T) {
	type signal struct {
		Thing string `json:"thing"`
	}
	codec := JSONCodec[signal]{}

	data, err := codec.Marshal(signal{Thing: "sensor-1"})
	require.NoError(t, err)

	decoded, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", decoded.Thing)
}
