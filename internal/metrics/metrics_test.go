package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.MessageSent("a")
	m.MessageDropped("a", "no_connection")
	m.SegmentsQueued("a", 3)
	m.RateLimited("a", "cooldown")
	m.Reconnect("a", "send")
	m.Joined("a")
	m.Parted("a")
	m.ParseFailure()
	m.ConnectionOpened("a", "send")
	m.ConnectionClosed("a", "send")
}

func TestCountersAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageSent("bot")
	m.MessageSent("bot")
	m.ConnectionOpened("bot", "receive")
	m.ConnectionOpened("bot", "receive")
	m.ConnectionClosed("bot", "receive")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("bot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.openConnections.WithLabelValues("bot", "receive")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "chatbridge_messages_sent_total")
	assert.Contains(t, names, "chatbridge_open_connections")
}
