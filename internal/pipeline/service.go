package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/events"
	"crabstack.local/projects/conversatrait/internal/ids"
	"crabstack.local/projects/conversatrait/internal/model"
	"crabstack.local/projects/conversatrait/internal/prompt"
	"crabstack.local/projects/conversatrait/internal/safety"
	"crabstack.local/projects/conversatrait/internal/session"
)

const (
	StepValidating        = "Validating request"
	StepParsing           = "Parsing conversation text"
	StepResumed           = "Intervention resolved. Resuming analysis."
	StepInitializing      = "Initializing analysis engine"
	StepFinalizing        = "Finalizing analysis results"
	StepComplete          = "Analysis complete"
	IncorrectAnswerNotice = "Incorrect answer. Please try again."

	defaultQueueSize = 16
)

var (
	ErrNoConversation      = errors.New("No conversation data provided.")
	ErrAnalyzerUnavailable = errors.New("No completion provider configured.")
	ErrNoIntervention      = errors.New("no active intervention for session")
	ErrIncorrectAnswer     = errors.New("incorrect intervention answer")
)

// Analyzer turns a prompt into a structured result. *analyzer.Client is the
// production implementation.
type Analyzer interface {
	Analyze(ctx context.Context, p prompt.Prompt, modelID string) (analyzer.Result, error)
}

var _ Analyzer = (*analyzer.Client)(nil)

// SubmitRequest is one analysis submission. Turns win over Text when both
// are present.
type SubmitRequest struct {
	Turns               []conversation.Turn
	Text                string
	AnalysisType        string
	Model               string
	Provider            string
	SpeakerFilter       string
	RelationshipContext string
}

type Option func(*Service)

// Service owns the analysis state machine. Every transition is written to
// the store first and then published to the sink.
type Service struct {
	logger          zerolog.Logger
	store           session.Store
	scheduler       *session.Scheduler
	classifier      safety.Classifier
	builder         *prompt.Builder
	selector        *model.Selector
	sink            events.Sink
	analyzers       map[string]Analyzer
	defaultProvider string
	queueSize       int
	now             func() time.Time
	newID           func() string
}

func WithAnalyzer(provider string, a Analyzer) Option {
	return func(s *Service) {
		name := normalizeProvider(provider)
		if name == "" || a == nil {
			return
		}
		s.analyzers[name] = a
		if s.defaultProvider == "" {
			s.defaultProvider = name
		}
	}
}

// WithDefaultProvider picks the analyzer used when a request names none.
func WithDefaultProvider(provider string) Option {
	return func(s *Service) {
		if name := normalizeProvider(provider); name != "" {
			s.defaultProvider = name
		}
	}
}

func WithSink(sink events.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.sink = sink
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func NewService(logger zerolog.Logger, store session.Store, classifier safety.Classifier, builder *prompt.Builder, selector *model.Selector, opts ...Option) *Service {
	if store == nil {
		store = session.NewMemoryStore()
	}
	if classifier == nil {
		classifier = safety.NewGate()
	}
	if builder == nil {
		builder = prompt.NewBuilder(prompt.BuiltinCatalog())
	}
	if selector == nil {
		selector = model.NewSelector(model.DefaultModel)
	}
	s := &Service{
		logger:     logger,
		store:      store,
		classifier: classifier,
		builder:    builder,
		selector:   selector,
		sink:       events.Discard,
		analyzers:  make(map[string]Analyzer),
		queueSize:  defaultQueueSize,
		now:        time.Now,
		newID:      ids.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scheduler = session.NewScheduler(logger, s.queueSize)
	return s
}

// Submit registers a session and starts its run in the background. Input
// and configuration problems are reported synchronously: the returned id
// names a session already in error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	id := s.newID()
	analysisType := strings.TrimSpace(req.AnalysisType)
	if analysisType == "" {
		analysisType = prompt.DefaultAnalysisType
	}
	rec := session.New(id, session.Request{
		AnalysisType:        analysisType,
		Model:               strings.TrimSpace(req.Model),
		Provider:            normalizeProvider(req.Provider),
		SpeakerFilter:       strings.TrimSpace(req.SpeakerFilter),
		RelationshipContext: strings.TrimSpace(req.RelationshipContext),
	}, s.now().UTC())
	if err := s.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	logger := s.logger.With().Str("session_id", id).Str("analysis_type", analysisType).Logger()
	logger.Info().Msg("analysis submitted")

	if _, err := s.advance(ctx, id, session.StatusInitializing, 5, StepValidating); err != nil {
		return id, err
	}

	turns := conversation.Compact(req.Turns)
	if len(turns) == 0 && strings.TrimSpace(req.Text) != "" {
		if _, err := s.advance(ctx, id, session.StatusParsingConversation, 10, StepParsing); err != nil {
			return id, err
		}
		turns = conversation.Normalize(req.Text)
	}
	if len(turns) == 0 {
		return id, s.reject(ctx, id, ErrNoConversation)
	}
	if _, err := prompt.FilterTurns(turns, rec.Request.SpeakerFilter); err != nil {
		return id, s.reject(ctx, id, err)
	}

	if intervention := s.classifier.Classify(conversation.JoinContent(turns)); intervention != nil {
		sess, err := s.store.Update(ctx, id, func(sess *session.Session) error {
			sess.Turns = turns
			return sess.RequireIntervention(*intervention, s.now().UTC())
		})
		if err != nil {
			return id, s.reject(ctx, id, fmt.Errorf("park session: %w", err))
		}
		logger.Warn().Str("kind", string(intervention.Kind)).Msg("analysis suspended for intervention")
		s.publish(ctx, events.KindIntervention, sess)
		return id, nil
	}

	if _, ok := s.analyzerFor(rec.Request.Provider); !ok {
		return id, s.reject(ctx, id, ErrAnalyzerUnavailable)
	}
	if _, err := s.store.Update(ctx, id, func(sess *session.Session) error {
		sess.Turns = turns
		return nil
	}); err != nil {
		return id, fmt.Errorf("store turns: %w", err)
	}
	if err := s.scheduler.Enqueue(id, s.runJob(id)); err != nil {
		return id, s.reject(ctx, id, fmt.Errorf("schedule analysis: %w", err))
	}
	return id, nil
}

// ResolveIntervention checks answer against the parked challenge. A correct
// answer resumes the run from the stored turns; a wrong one leaves the
// session untouched.
func (s *Service) ResolveIntervention(ctx context.Context, id, answer string) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != session.StatusInterventionRequired || current.Intervention == nil {
		return fmt.Errorf("%w: %s", ErrNoIntervention, current.ID)
	}
	if !current.Intervention.Accepts(answer) {
		s.logger.Info().Str("session_id", current.ID).Msg("intervention answer rejected")
		event := s.eventFor(events.KindInterventionFailed, current)
		event.Message = IncorrectAnswerNotice
		s.sink.Publish(ctx, event)
		return ErrIncorrectAnswer
	}

	sess, err := s.store.Update(ctx, current.ID, func(sess *session.Session) error {
		if sess.Status != session.StatusInterventionRequired || sess.Intervention == nil {
			return fmt.Errorf("%w: %s", ErrNoIntervention, sess.ID)
		}
		sess.Intervention = nil
		return sess.Advance(session.StatusInitializingAnalyzer, 15, StepResumed, s.now().UTC())
	})
	if err != nil {
		return err
	}
	s.logTransition(sess)
	s.publish(ctx, events.KindProgress, sess)

	if err := s.scheduler.Enqueue(sess.ID, s.runJob(sess.ID)); err != nil {
		s.fail(ctx, sess.ID, fmt.Errorf("schedule analysis: %w", err))
		return err
	}
	return nil
}

// Get returns the client view of a session.
func (s *Service) Get(ctx context.Context, id string) (session.Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	return sess.Redacted(), nil
}

// Snapshot renders the latest state as the notification a late subscriber
// would have seen last.
func (s *Service) Snapshot(ctx context.Context, id string) (events.Event, bool) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return events.Event{}, false
	}
	kind := events.KindProgress
	switch {
	case sess.Status == session.StatusCompleted:
		kind = events.KindComplete
	case sess.Status == session.StatusError:
		kind = events.KindError
	case sess.Intervention != nil:
		kind = events.KindIntervention
	}
	return s.eventFor(kind, sess), true
}

// Parse normalizes text without creating a session.
func (s *Service) Parse(text string) ([]conversation.Turn, []string) {
	turns := conversation.Normalize(text)
	return turns, conversation.Speakers(turns)
}

// Providers lists configured analyzer names; the default comes first.
func (s *Service) Providers() []string {
	out := make([]string, 0, len(s.analyzers))
	if _, ok := s.analyzers[s.defaultProvider]; ok {
		out = append(out, s.defaultProvider)
	}
	rest := make([]string, 0, len(s.analyzers))
	for name := range s.analyzers {
		if name != s.defaultProvider {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Close cancels in-flight runs and waits for them to record their outcome.
func (s *Service) Close() {
	s.scheduler.Close()
}

func (s *Service) runJob(id string) session.Job {
	return func(ctx context.Context) {
		var catcher panics.Catcher
		catcher.Try(func() { s.run(ctx, id) })
		if recovered := catcher.Recovered(); recovered != nil {
			s.logger.Error().Str("session_id", id).Str("panic", recovered.String()).Msg("analysis run panicked")
			s.fail(ctx, id, fmt.Errorf("internal error: %w", recovered.AsError()))
		}
	}
}

func (s *Service) run(ctx context.Context, id string) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("analysis run lost its session")
		return
	}
	if sess.Status.Terminal() || sess.Status == session.StatusInterventionRequired {
		return
	}
	req := sess.Request

	if _, err := s.advance(ctx, id, session.StatusInitializingAnalyzer, 20, StepInitializing); err != nil {
		s.fail(ctx, id, err)
		return
	}
	a, ok := s.analyzerFor(req.Provider)
	if !ok {
		s.fail(ctx, id, ErrAnalyzerUnavailable)
		return
	}
	if _, err := s.advance(ctx, id, session.StatusAnalyzing, 30, fmt.Sprintf("Performing %s analysis", req.AnalysisType)); err != nil {
		s.fail(ctx, id, err)
		return
	}

	p, err := s.builder.Build(ctx, prompt.Request{
		AnalysisType:        req.AnalysisType,
		RelationshipContext: req.RelationshipContext,
		SpeakerFilter:       req.SpeakerFilter,
		Turns:               sess.Turns,
	})
	if err != nil {
		s.fail(ctx, id, err)
		return
	}
	modelID := s.selector.Select(req.Model)
	if req.Model != "" && modelID != req.Model {
		s.logger.Warn().Str("session_id", id).Str("requested_model", req.Model).Str("model", modelID).Msg("requested model replaced by default")
	}

	result, err := a.Analyze(ctx, p, modelID)
	if err != nil {
		s.fail(ctx, id, err)
		return
	}

	if _, err := s.advance(ctx, id, session.StatusProcessingResults, 80, StepFinalizing); err != nil {
		s.fail(ctx, id, err)
		return
	}
	done, err := s.store.Update(ctx, id, func(sess *session.Session) error {
		return sess.Complete(result, StepComplete, s.now().UTC())
	})
	if err != nil {
		s.fail(ctx, id, err)
		return
	}
	s.logTransition(done)
	s.publish(ctx, events.KindComplete, done)
}

func (s *Service) advance(ctx context.Context, id string, status session.Status, progress int, step string) (session.Session, error) {
	sess, err := s.store.Update(ctx, id, func(sess *session.Session) error {
		return sess.Advance(status, progress, step, s.now().UTC())
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("advance session to %s: %w", status, err)
	}
	s.logTransition(sess)
	s.publish(ctx, events.KindProgress, sess)
	return sess, nil
}

// reject fails a session during Submit and hands cause back to the caller.
func (s *Service) reject(ctx context.Context, id string, cause error) error {
	s.fail(ctx, id, cause)
	return cause
}

// fail records cause even when the run context is already canceled.
func (s *Service) fail(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	sess, err := s.store.Update(ctx, id, func(sess *session.Session) error {
		return sess.Fail(cause.Error(), s.now().UTC())
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).AnErr("cause", cause).Msg("failed to record analysis error")
		return
	}
	s.logger.Error().Err(cause).Str("session_id", id).Msg("analysis failed")
	s.publish(ctx, events.KindError, sess)
}

func (s *Service) publish(ctx context.Context, kind events.Kind, sess session.Session) {
	s.sink.Publish(ctx, s.eventFor(kind, sess))
}

func (s *Service) eventFor(kind events.Kind, sess session.Session) events.Event {
	event := events.Event{
		ID:          s.newID(),
		Kind:        kind,
		SessionID:   sess.ID,
		Progress:    sess.Progress,
		Status:      string(sess.Status),
		CurrentStep: sess.CurrentStep,
		Timestamp:   s.now().UTC(),
	}
	switch kind {
	case events.KindComplete:
		if sess.Results != nil {
			result := *sess.Results
			event.Results = &result
		}
	case events.KindError:
		event.Error = sess.Error
	case events.KindIntervention:
		if sess.Intervention != nil {
			redacted := sess.Intervention.Redacted()
			event.Intervention = &redacted
			event.Message = redacted.Message
		}
	}
	return event
}

func (s *Service) logTransition(sess session.Session) {
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("status", string(sess.Status)).
		Int("progress", sess.Progress).
		Str("step", sess.CurrentStep).
		Msg("session transition")
}

// analyzerFor resolves a request override first, then the default provider,
// then any configured provider.
func (s *Service) analyzerFor(provider string) (Analyzer, bool) {
	if name := normalizeProvider(provider); name != "" {
		if a, ok := s.analyzers[name]; ok {
			return a, true
		}
	}
	if names := s.Providers(); len(names) > 0 {
		return s.analyzers[names[0]], true
	}
	return nil, false
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
