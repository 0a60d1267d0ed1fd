//go:build integration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

func TestMessageBusRedis(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	bus, err := NewMessageBus(ctx, url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	sub, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	ch := bus.Subscribe(sub, "live")

	sent := []research.Event{
		event("live", research.StagePlanning, research.EventStageStarted),
		event("live", research.StagePlanning, research.EventStageCompleted),
		event("live", research.StageDone, research.EventResearchFinished),
	}
	for _, ev := range sent {
		require.NoError(t, bus.Emit(ctx, ev))
	}

	var got []research.Event
	for ev := range ch {
		got = append(got, ev)
	}
	assert.Equal(t, sent, got)

	hist, err := bus.History(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, sent, hist)
}

func TestNewMessageBusUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewMessageBus(ctx, "redis://127.0.0.1:1/0", zap.NewNop())
	assert.Error(t, err)
}
