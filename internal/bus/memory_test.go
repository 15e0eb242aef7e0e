package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishConsume(t *testing.T) {
	b := NewMemoryBus(10)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx)
	require.NoError(t, err)

	ev := Event{State: "SUCCEEDED", Meta: Meta{Phase: "Succeeded", PodName: "grader-abc", PodID: "job-1"}}
	require.NoError(t, b.Publish(context.Background(), ev))

	select {
	case d := <-deliveries:
		assert.Equal(t, "job-1", d.Event.Meta.PodID)
		require.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryBusCloseStopsConsume(t *testing.T) {
	b := NewMemoryBus(1)
	ctx := context.Background()
	deliveries, err := b.Consume(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consume channel did not close")
	}
}
