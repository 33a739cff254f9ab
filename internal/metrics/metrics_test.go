package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	signals := m.For("signals")
	signals.Published(2)
	signals.Forward(nil)
	signals.Forward(errors.New("queue full"))
	signals.Delivered(3)
	signals.Registry(4, 7)
	signals.Remote(2)
	signals.Republished()

	assert.Equal(t, 1.0, testutil.ToFloat64(signals.Publishes))
	assert.Equal(t, 2.0, testutil.ToFloat64(signals.Candidates))
	assert.Equal(t, 1.0, testutil.ToFloat64(signals.Forwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(signals.ForwardFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(signals.Deliveries))
	assert.Equal(t, 4.0, testutil.ToFloat64(signals.Subscribers))
	assert.Equal(t, 7.0, testutil.ToFloat64(signals.Topics))
	assert.Equal(t, 2.0, testutil.ToFloat64(signals.RemoteNodes))
	assert.Equal(t, 1.0, testutil.ToFloat64(signals.Republishes))

	// namespaces are independent
	assert.Zero(t, testutil.ToFloat64(m.For("other").Publishes))
}

func TestDisabled(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	require.Nil(t, m)

	var set *Set = m.For("signals")
	assert.NotPanics(t, func() {
		set.Published(1)
		set.Forward(nil)
		set.Delivered(1)
		set.Registry(1, 1)
		set.Remote(1)
		set.Republished()
	})
}

func TestDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	require.Error(t, err)
}
