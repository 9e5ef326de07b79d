package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiefile/internal/core/domain"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(ctx context.Context) (bool, error) { return true, nil }, 0, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddRoomStoreCheck(func(ctx context.Context) (int, error) {
		return 0, errors.New("store down")
	}, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "store down", status.Checks["rooms"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_TimeoutApplied(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}

func TestPrometheusCollector_TransferObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)

	p.ChunkTransferred(domain.DirectionSend, 100, 140)
	p.ChunkTransferred(domain.DirectionSend, 50, 80)
	p.FileFinished(domain.DirectionSend, domain.StatusSent, 150)
	p.SendDeferred()

	assert.Equal(t, 150.0, value(t, p.transferBytes.WithLabelValues("send", "plain")))
	assert.Equal(t, 220.0, value(t, p.transferBytes.WithLabelValues("send", "wire")))
	assert.Equal(t, 2.0, value(t, p.transferChunks.WithLabelValues("send")))
	assert.Equal(t, 1.0, value(t, p.filesTotal.WithLabelValues("send", "sent")))
	assert.Equal(t, 1.0, value(t, p.sendDeferrals))
}

func TestPrometheusCollector_Relay(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordConnectionOpened()
	p.RecordConnectionOpened()
	p.RecordConnectionClosed()
	p.RecordMessage("offer", time.Millisecond)
	p.RecordError("ROOM_NOT_FOUND")
	p.UpdateRelayStats(domain.RelayStats{ActiveRooms: 3})

	assert.Equal(t, 1.0, value(t, p.connectionsActive))
	assert.Equal(t, 2.0, value(t, p.connectionsTotal))
	assert.Equal(t, 1.0, value(t, p.relayedMessages.WithLabelValues("offer")))
	assert.Equal(t, 1.0, value(t, p.relayErrors.WithLabelValues("ROOM_NOT_FOUND")))
	assert.Equal(t, 3.0, value(t, p.roomsActive))
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}
