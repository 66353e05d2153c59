package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// The metrics are promauto-registered against the global registry, so these
// tests only assert that incrementing works and values are observable; a
// duplicate registration would have panicked at package init.

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)
	IncConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveConnections))
	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveConnections))
}

func TestLabeledCounters(t *testing.T) {
	MessagesRouted.WithLabelValues("chat").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(MessagesRouted.WithLabelValues("chat")), 1.0)

	FileFramesRelayed.WithLabelValues("meta").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(FileFramesRelayed.WithLabelValues("meta")), 1.0)

	RateLimitRejections.WithLabelValues("udp").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(RateLimitRejections.WithLabelValues("udp")), 1.0)

	UDPPacketsDropped.WithLabelValues("video", "bad_packet").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(UDPPacketsDropped.WithLabelValues("video", "bad_packet")), 1.0)
}

func TestRoomGauges(t *testing.T) {
	RoomMembers.WithLabelValues("test-room").Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(RoomMembers.WithLabelValues("test-room")))
	RoomMembers.DeleteLabelValues("test-room")

	before := testutil.ToFloat64(UDPEndpoints.WithLabelValues("voice"))
	UDPEndpoints.WithLabelValues("voice").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(UDPEndpoints.WithLabelValues("voice")))
	UDPEndpoints.WithLabelValues("voice").Dec()
}
