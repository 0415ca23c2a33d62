package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperEvictsAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	finished := New("done", Request{}, t0)
	require.NoError(t, finished.Fail("boom", t0))
	require.NoError(t, store.Create(ctx, finished))

	now := t0.Add(30 * time.Minute)
	sweeper := NewSweeper(store, time.Hour, time.Minute, zerolog.Nop()).WithClock(func() time.Time { return now })

	removed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	now = t0.Add(61 * time.Minute)
	removed, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Zero(t, store.Len())
}

func TestSweeperDisabledWithoutTTL(t *testing.T) {
	store := NewMemoryStore()
	finished := New("done", Request{}, t0)
	require.NoError(t, finished.Fail("boom", t0))
	require.NoError(t, store.Create(context.Background(), finished))

	removed, err := NewSweeper(store, 0, time.Minute, zerolog.Nop()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, store.Len())
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	store := NewMemoryStore()
	finished := New("done", Request{}, t0)
	require.NoError(t, finished.Fail("boom", t0))
	require.NoError(t, store.Create(context.Background(), finished))

	ctx, cancel := context.WithCancel(context.Background())
	sweeper := NewSweeper(store, time.Minute, 5*time.Millisecond, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
