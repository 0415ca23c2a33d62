package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/safety"
)

// storeFactories runs the shared contract against every Store.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			store, err := NewGormStore("sqlite", t.TempDir()+"/sessions.db")
			require.NoError(t, err)
			return store
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer func() { _ = store.Close() }()

			rec := New("sess1", Request{AnalysisType: "big_five", SpeakerFilter: "Alice"}, t0)
			rec.Turns = []conversation.Turn{{Speaker: "Alice", Content: "hello", Source: conversation.SourceWebInput}}
			require.NoError(t, store.Create(ctx, rec))
			assert.Error(t, store.Create(ctx, rec))

			loaded, err := store.Get(ctx, "sess1")
			require.NoError(t, err)
			assert.Equal(t, StatusInitializing, loaded.Status)
			assert.Equal(t, "big_five", loaded.Request.AnalysisType)
			assert.Equal(t, rec.Turns, loaded.Turns)
			assert.True(t, loaded.CreatedAt.Equal(t0))

			updated, err := store.Update(ctx, "sess1", func(s *Session) error {
				return s.RequireIntervention(safety.InterventionRequest{
					Kind:      safety.KindSafetyCheck,
					Message:   "confirm",
					Challenge: safety.DefaultChallenge(),
				}, t0)
			})
			require.NoError(t, err)
			assert.Equal(t, StatusInterventionRequired, updated.Status)

			loaded, err = store.Get(ctx, "sess1")
			require.NoError(t, err)
			require.NotNil(t, loaded.Intervention)
			assert.Equal(t, safety.DefaultChallengeAnswer, loaded.Intervention.Challenge.ExpectedAnswer)

			_, err = store.Update(ctx, "sess1", func(s *Session) error {
				s.Progress = 99
				return errors.New("abort")
			})
			require.Error(t, err)
			loaded, err = store.Get(ctx, "sess1")
			require.NoError(t, err)
			assert.Equal(t, 0, loaded.Progress)

			done := t0.Add(time.Second)
			_, err = store.Update(ctx, "sess1", func(s *Session) error {
				return s.Complete(analyzer.Result{Status: analyzer.StatusSuccess, Results: map[string]any{"k": "v"}}, "Analysis complete", done)
			})
			require.NoError(t, err)
			loaded, err = store.Get(ctx, "sess1")
			require.NoError(t, err)
			require.NotNil(t, loaded.Results)
			assert.Equal(t, "v", loaded.Results.Results["k"])
			assert.Nil(t, loaded.Intervention)

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Update(ctx, "missing", func(*Session) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Delete(ctx, "sess1"))
			assert.ErrorIs(t, store.Delete(ctx, "sess1"), ErrNotFound)
		})
	}
}

func TestStoreExpireBefore(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			defer func() { _ = store.Close() }()

			old := New("old-done", Request{}, t0)
			require.NoError(t, old.Fail("boom", t0.Add(time.Minute)))
			recent := New("recent-done", Request{}, t0)
			require.NoError(t, recent.Fail("boom", t0.Add(2*time.Hour)))
			parked := New("parked", Request{}, t0)
			parked.Status = StatusInterventionRequired
			running := New("running", Request{}, t0)
			running.Status = StatusAnalyzing

			for _, rec := range []Session{old, recent, parked, running} {
				require.NoError(t, store.Create(ctx, rec))
			}

			removed, err := store.ExpireBefore(ctx, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			for _, id := range []string{"recent-done", "running"} {
				_, err := store.Get(ctx, id)
				assert.NoError(t, err, id)
			}
			for _, id := range []string{"old-done", "parked"} {
				_, err := store.Get(ctx, id)
				assert.ErrorIs(t, err, ErrNotFound, id)
			}
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := New("s", Request{}, t0)
	rec.Turns = []conversation.Turn{{Speaker: "A", Content: "x"}}
	require.NoError(t, store.Create(ctx, rec))

	loaded, err := store.Get(ctx, "s")
	require.NoError(t, err)
	loaded.Turns[0].Content = "mutated"

	again, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Turns[0].Content)
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, New("s", Request{}, t0)))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(progress int) {
			defer wg.Done()
			_, _ = store.Update(ctx, "s", func(s *Session) error {
				return s.Advance(StatusAnalyzing, progress, "step", t0)
			})
		}(i)
	}
	wg.Wait()

	loaded, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 50, loaded.Progress)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "s")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Create(context.Background(), New("s", Request{}, t0)), ErrStoreClosed)
}

func TestGormStoreFailsInterruptedRunsOnOpen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/sessions.db"
	first, err := NewGormStore("sqlite", path)
	require.NoError(t, err)

	running := New("running", Request{}, t0)
	require.NoError(t, running.Advance(StatusAnalyzing, 30, "Performing analysis", t0))
	parked := New("parked", Request{}, t0)
	require.NoError(t, parked.RequireIntervention(safety.InterventionRequest{Kind: safety.KindSafetyCheck, Challenge: safety.DefaultChallenge()}, t0))
	done := New("done", Request{}, t0)
	require.NoError(t, done.Complete(analyzer.Result{Metadata: analyzer.Metadata{Model: "m-1"}}, "Analysis complete", t0))
	for _, rec := range []Session{running, parked, done} {
		require.NoError(t, first.Create(ctx, rec))
	}
	require.NoError(t, first.Close())

	second, err := NewGormStore("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, InterruptedMessage, got.Error)
	assert.Equal(t, 30, got.Progress)
	assert.NotNil(t, got.CompletedAt)

	got, err = second.Get(ctx, "parked")
	require.NoError(t, err)
	assert.Equal(t, StatusInterventionRequired, got.Status)
	require.NotNil(t, got.Intervention)
	assert.Equal(t, safety.DefaultChallengeAnswer, got.Intervention.Challenge.ExpectedAnswer)

	got, err = second.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}
