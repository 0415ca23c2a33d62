package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/events"
	"crabstack.local/projects/conversatrait/internal/model"
	"crabstack.local/projects/conversatrait/internal/prompt"
	"crabstack.local/projects/conversatrait/internal/safety"
	"crabstack.local/projects/conversatrait/internal/session"
)

type fakeAnalyzer struct {
	mu      sync.Mutex
	prompts []prompt.Prompt
	models  []string
	result  analyzer.Result
	err     error
	panics  bool
}

func (a *fakeAnalyzer) Analyze(_ context.Context, p prompt.Prompt, modelID string) (analyzer.Result, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, p)
	a.models = append(a.models, modelID)
	a.mu.Unlock()
	if a.panics {
		panic("analyzer exploded")
	}
	if a.err != nil {
		return analyzer.Result{}, a.err
	}
	return a.result, nil
}

func (a *fakeAnalyzer) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

func (a *fakeAnalyzer) lastPrompt() prompt.Prompt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prompts[len(a.prompts)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func (s *recordingSink) progress() []int {
	var out []int
	for _, event := range s.snapshot() {
		out = append(out, event.Progress)
	}
	return out
}

func (s *recordingSink) kinds() []events.Kind {
	var out []events.Kind
	for _, event := range s.snapshot() {
		out = append(out, event.Kind)
	}
	return out
}

func successResult() analyzer.Result {
	return analyzer.Result{
		Status:  analyzer.StatusSuccess,
		Results: map[string]any{"summary": "curious and outdoorsy"},
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingSink, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	sink := &recordingSink{}
	svc := NewService(zerolog.Nop(), store, safety.NewGate(), prompt.NewBuilder(prompt.BuiltinCatalog()), model.NewSelector(model.DefaultModel),
		append([]Option{WithSink(sink)}, opts...)...)
	t.Cleanup(svc.Close)
	return svc, sink, store
}

func waitForStatus(t *testing.T, store session.Store, id string, want session.Status) session.Session {
	t.Helper()
	var sess session.Session
	require.Eventually(t, func() bool {
		var err error
		sess, err = store.Get(context.Background(), id)
		return err == nil && sess.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return sess
}

// waitForKind waits until the sink has seen kind; the final store write
// happens before the event is published.
func waitForKind(t *testing.T, sink *recordingSink, kind events.Kind) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, k := range sink.kinds() {
			if k == kind {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSubmitRawTextCompletes(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", fake))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: I love hiking\nBob: me too"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitForKind(t, sink, events.KindComplete)
	sess := waitForStatus(t, store, id, session.StatusCompleted)
	assert.Equal(t, 100, sess.Progress)
	assert.Equal(t, StepComplete, sess.CurrentStep)
	require.NotNil(t, sess.Results)
	assert.Equal(t, "curious and outdoorsy", sess.Results.Results["summary"])
	require.NotNil(t, sess.CompletedAt)

	if diff := cmp.Diff([]int{5, 10, 20, 30, 80, 100}, sink.progress()); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	kinds := sink.kinds()
	assert.Equal(t, events.KindComplete, kinds[len(kinds)-1])

	p := fake.lastPrompt()
	assert.Equal(t, "Alice", p.TargetSpeaker)
	assert.Equal(t, 2, p.TurnCount)
	assert.Equal(t, prompt.DefaultAnalysisType, p.AnalysisType)
	assert.Contains(t, p.User, "Alice: I love hiking\nBob: me too")
	assert.Equal(t, []string{model.DefaultModel}, fake.models)
}

func TestSubmitStructuredTurnsSkipsParsing(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", fake))

	id, err := svc.Submit(context.Background(), SubmitRequest{
		Turns: []conversation.Turn{
			{Speaker: "Dana", Content: "I plan everything"},
			{Speaker: "Eli", Content: "   "},
			{Speaker: "Eli", Content: "I improvise"},
		},
		Text:         "ignored: because turns win",
		AnalysisType: "big_five",
		Model:        "anthropic/claude-3-haiku",
	})
	require.NoError(t, err)

	waitForKind(t, sink, events.KindComplete)
	waitForStatus(t, store, id, session.StatusCompleted)
	if diff := cmp.Diff([]int{5, 20, 30, 80, 100}, sink.progress()); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	p := fake.lastPrompt()
	assert.Equal(t, "big_five", p.AnalysisType)
	assert.Equal(t, 2, p.TurnCount)
	assert.NotContains(t, p.User, "because turns win")
	assert.Equal(t, []string{"anthropic/claude-3-haiku"}, fake.models)
}

func TestSubmitReplacesDenyListedModel(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, _ := newTestService(t, WithAnalyzer("openrouter", fake))

	_, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: hi", Model: "  Meta-Llama/Llama-Guard-3-8B "})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindComplete)
	assert.Equal(t, []string{model.DefaultModel}, fake.models)
}

func TestSubmitInputErrors(t *testing.T) {
	tests := []struct {
		name    string
		req     SubmitRequest
		opts    []Option
		wantErr error
		wantMsg string
	}{
		{
			name:    "no conversation",
			req:     SubmitRequest{Text: "   \n  "},
			opts:    []Option{WithAnalyzer("openrouter", &fakeAnalyzer{})},
			wantErr: ErrNoConversation,
			wantMsg: "No conversation data provided.",
		},
		{
			name:    "unknown speaker",
			req:     SubmitRequest{Text: "Alice: hi\nBob: hey", SpeakerFilter: "Carol"},
			opts:    []Option{WithAnalyzer("openrouter", &fakeAnalyzer{})},
			wantErr: prompt.ErrNoMatchingSpeaker,
			wantMsg: "No conversations found for speaker 'Carol'",
		},
		{
			name:    "no analyzer",
			req:     SubmitRequest{Text: "Alice: hi"},
			wantErr: ErrAnalyzerUnavailable,
			wantMsg: "No completion provider configured.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, sink, store := newTestService(t, tt.opts...)

			id, err := svc.Submit(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			require.NotEmpty(t, id)

			sess, getErr := store.Get(context.Background(), id)
			require.NoError(t, getErr)
			assert.Equal(t, session.StatusError, sess.Status)
			assert.Equal(t, tt.wantMsg, sess.Error)
			require.NotNil(t, sess.CompletedAt)

			got := sink.snapshot()
			require.NotEmpty(t, got)
			last := got[len(got)-1]
			assert.Equal(t, events.KindError, last.Kind)
			assert.Equal(t, tt.wantMsg, last.Error)
		})
	}
}

func TestSubmitCrisisTextParksSession(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", fake))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "I want to kill myself"})
	require.NoError(t, err)

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterventionRequired, sess.Status)
	require.NotNil(t, sess.Intervention)
	assert.Equal(t, safety.KindSafetyCheck, sess.Intervention.Kind)
	assert.Equal(t, safety.DefaultChallengeAnswer, sess.Intervention.Challenge.ExpectedAnswer)
	assert.Len(t, sess.Turns, 1)

	got := sink.snapshot()
	last := got[len(got)-1]
	assert.Equal(t, events.KindIntervention, last.Kind)
	require.NotNil(t, last.Intervention)
	assert.Empty(t, last.Intervention.Challenge.ExpectedAnswer)
	assert.Equal(t, safety.DefaultChallengePrompt, last.Intervention.Challenge.Prompt)

	view, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, view.Intervention)
	assert.Empty(t, view.Intervention.Challenge.ExpectedAnswer)

	assert.Zero(t, fake.calls())
}

func TestCrisisTextIsGatedWithoutAnalyzer(t *testing.T) {
	svc, _, store := newTestService(t)

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "I want to kill myself"})
	require.NoError(t, err)
	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterventionRequired, sess.Status)
}

// parkFailingStore refuses any write that would park a session.
type parkFailingStore struct {
	session.Store
}

var errParkRefused = errors.New("park refused")

func (s parkFailingStore) Update(ctx context.Context, id string, fn func(*session.Session) error) (session.Session, error) {
	return s.Store.Update(ctx, id, func(sess *session.Session) error {
		if err := fn(sess); err != nil {
			return err
		}
		if sess.Status == session.StatusInterventionRequired {
			return errParkRefused
		}
		return nil
	})
}

func TestFailedParkEndsInError(t *testing.T) {
	store := parkFailingStore{Store: session.NewMemoryStore()}
	sink := &recordingSink{}
	svc := NewService(zerolog.Nop(), store, safety.NewGate(), prompt.NewBuilder(prompt.BuiltinCatalog()), model.NewSelector(model.DefaultModel),
		WithSink(sink))
	t.Cleanup(svc.Close)

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "I want to kill myself"})
	require.ErrorIs(t, err, errParkRefused)
	require.NotEmpty(t, id)

	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
	assert.Contains(t, sess.Error, "park session")
	assert.Nil(t, sess.Intervention)
	assert.NotNil(t, sess.CompletedAt)

	kinds := sink.kinds()
	assert.Equal(t, events.KindError, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, events.KindIntervention)
}

func TestResolveInterventionRoundTrip(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", fake))
	ctx := context.Background()

	id, err := svc.Submit(ctx, SubmitRequest{Text: "Sam: I want to kill myself\nLee: please talk to me"})
	require.NoError(t, err)
	parked, err := store.Get(ctx, id)
	require.NoError(t, err)

	err = svc.ResolveIntervention(ctx, id, "wrong")
	require.ErrorIs(t, err, ErrIncorrectAnswer)

	after, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInterventionRequired, after.Status)
	assert.Equal(t, parked.Progress, after.Progress)
	got := sink.snapshot()
	last := got[len(got)-1]
	assert.Equal(t, events.KindInterventionFailed, last.Kind)
	assert.Equal(t, IncorrectAnswerNotice, last.Message)
	assert.Zero(t, fake.calls())

	sink.mu.Lock()
	sink.events = nil
	sink.mu.Unlock()

	require.NoError(t, svc.ResolveIntervention(ctx, id, "  ACCNTBL "))
	waitForKind(t, sink, events.KindComplete)
	done := waitForStatus(t, store, id, session.StatusCompleted)
	assert.Nil(t, done.Intervention)

	if diff := cmp.Diff([]int{15, 20, 30, 80, 100}, sink.progress()); diff != "" {
		t.Fatalf("resume progress mismatch (-want +got):\n%s", diff)
	}
	first := sink.snapshot()[0]
	assert.Equal(t, StepResumed, first.CurrentStep)
	assert.Equal(t, string(session.StatusInitializingAnalyzer), first.Status)

	p := fake.lastPrompt()
	assert.Equal(t, 2, p.TurnCount)
	assert.Contains(t, p.User, "Lee: please talk to me")

	err = svc.ResolveIntervention(ctx, id, safety.DefaultChallengeAnswer)
	assert.ErrorIs(t, err, ErrNoIntervention)
}

func TestResolveInterventionUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.ResolveIntervention(context.Background(), "missing", "accntbl")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestProviderFailureEndsInError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	}))
	defer server.Close()

	provider := model.NewOpenRouterProvider("test-key",
		model.WithOpenRouterEndpoint(server.URL),
		model.WithOpenRouterHTTPClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}}),
	)
	client := analyzer.New(provider, "openrouter", zerolog.Nop(), analyzer.WithBackoff(time.Millisecond, 2*time.Millisecond))
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", client))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: I love hiking\nBob: me too"})
	require.NoError(t, err)

	waitForKind(t, sink, events.KindError)
	sess := waitForStatus(t, store, id, session.StatusError)
	assert.Equal(t, int32(3), hits.Load())
	assert.Contains(t, sess.Error, "after 3 attempts")
	assert.Contains(t, sess.Error, "upstream exploded")
	assert.Nil(t, sess.Results)
	assert.Equal(t, 30, sess.Progress)
}

func TestAnalyzerErrorIsRecorded(t *testing.T) {
	fake := &fakeAnalyzer{err: errors.New("model refused")}
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", fake))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: hi"})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindError)
	sess := waitForStatus(t, store, id, session.StatusError)
	assert.Equal(t, "model refused", sess.Error)
}

func TestPanickingRunEndsInError(t *testing.T) {
	fake := &fakeAnalyzer{panics: true}
	svc, sink, store := newTestService(t, WithAnalyzer("openrouter", fake))

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: hi"})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindError)
	sess := waitForStatus(t, store, id, session.StatusError)
	assert.True(t, strings.HasPrefix(sess.Error, "internal error"), sess.Error)
	assert.Contains(t, sess.Error, "analyzer exploded")
}

func TestProviderOverride(t *testing.T) {
	primary := &fakeAnalyzer{result: successResult()}
	secondary := &fakeAnalyzer{result: successResult()}
	svc, sink, _ := newTestService(t,
		WithAnalyzer("openrouter", primary),
		WithAnalyzer("gemini", secondary),
	)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{Text: "Alice: hi", Provider: " Gemini "})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindComplete)
	assert.Equal(t, 1, secondary.calls())
	assert.Zero(t, primary.calls())

	assert.Equal(t, []string{"openrouter", "gemini"}, svc.Providers())
}

func TestMissingDefaultProviderFallsBackToConfigured(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, store := newTestService(t,
		WithDefaultProvider("gemini"),
		WithAnalyzer("openrouter", fake),
	)

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: I love hiking\nBob: me too"})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindComplete)
	waitForStatus(t, store, id, session.StatusCompleted)
	assert.Equal(t, 1, fake.calls())
	assert.Equal(t, []string{"openrouter"}, svc.Providers())
}

func TestUnknownProviderFallsBackToDefault(t *testing.T) {
	primary := &fakeAnalyzer{result: successResult()}
	svc, sink, _ := newTestService(t, WithAnalyzer("openrouter", primary))

	_, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: hi", Provider: "nonexistent"})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindComplete)
	assert.Equal(t, 1, primary.calls())
}

func TestSnapshotReflectsLatestState(t *testing.T) {
	fake := &fakeAnalyzer{result: successResult()}
	svc, sink, _ := newTestService(t, WithAnalyzer("openrouter", fake))
	ctx := context.Background()

	_, ok := svc.Snapshot(ctx, "missing")
	assert.False(t, ok)

	parked, err := svc.Submit(ctx, SubmitRequest{Text: "I want to end my life"})
	require.NoError(t, err)
	event, ok := svc.Snapshot(ctx, parked)
	require.True(t, ok)
	assert.Equal(t, events.KindIntervention, event.Kind)
	require.NotNil(t, event.Intervention)
	assert.Empty(t, event.Intervention.Challenge.ExpectedAnswer)

	done, err := svc.Submit(ctx, SubmitRequest{Text: "Alice: hi"})
	require.NoError(t, err)
	waitForKind(t, sink, events.KindComplete)
	event, ok = svc.Snapshot(ctx, done)
	require.True(t, ok)
	assert.Equal(t, events.KindComplete, event.Kind)
	assert.Equal(t, 100, event.Progress)
	require.NotNil(t, event.Results)
}

func TestParse(t *testing.T) {
	svc, _, _ := newTestService(t)
	turns, speakers := svc.Parse("Bob: yo\nAlice: hey\nBob: sup")
	assert.Len(t, turns, 3)
	assert.Equal(t, []string{"Alice", "Bob"}, speakers)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	svc, _, store := newTestService(t, WithAnalyzer("openrouter", &fakeAnalyzer{result: successResult()}))
	svc.Close()

	id, err := svc.Submit(context.Background(), SubmitRequest{Text: "Alice: hi"})
	require.ErrorIs(t, err, session.ErrSchedulerClosed)
	sess, getErr := store.Get(context.Background(), id)
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusError, sess.Status)
}
