package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/model"
	"crabstack.local/projects/conversatrait/internal/pipeline"
	"crabstack.local/projects/conversatrait/internal/prompt"
	"crabstack.local/projects/conversatrait/internal/session"
)

const (
	maxAnalyzeRequestBytes int64 = 8 << 20
	maxSmallRequestBytes   int64 = 1 << 20
)

// ModelCatalog lists and validates against the provider's models endpoint.
// *model.OpenRouterProvider implements it.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
	ValidateKey(ctx context.Context, apiKey string) (bool, int, error)
}

var _ ModelCatalog = (*model.OpenRouterProvider)(nil)

// RuntimeInfo is the non-secret configuration shown by /api/config.
type RuntimeInfo struct {
	Provider      string   `json:"provider"`
	DefaultModel  string   `json:"default_model"`
	KeyConfigured bool     `json:"api_key_configured"`
	AnalysisTypes []string `json:"analysis_types"`
}

type Option func(*server)

func WithModelCatalog(catalog ModelCatalog, selector *model.Selector) Option {
	return func(s *server) {
		s.catalog = catalog
		if selector != nil {
			s.selector = selector
		}
	}
}

// WithWebSocket mounts handler on /ws.
func WithWebSocket(handler http.Handler) Option {
	return func(s *server) {
		s.ws = handler
	}
}

// WithRuntimeInfo is evaluated per request so template reloads show up.
func WithRuntimeInfo(info func() RuntimeInfo) Option {
	return func(s *server) {
		if info != nil {
			s.info = info
		}
	}
}

type server struct {
	logger   zerolog.Logger
	pipeline *pipeline.Service
	catalog  ModelCatalog
	selector *model.Selector
	ws       http.Handler
	info     func() RuntimeInfo
}

func NewServer(logger zerolog.Logger, addr string, svc *pipeline.Service, opts ...Option) *http.Server {
	h := &server{
		logger:   logger.With().Str("component", "httpapi").Logger(),
		pipeline: svc,
		selector: model.NewSelector(model.DefaultModel),
		info:     func() RuntimeInfo { return RuntimeInfo{} },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/health", h.handleHealth)
	mux.HandleFunc("/api/config", h.handleConfig)
	mux.HandleFunc("/api/models", h.handleModels)
	mux.HandleFunc("/api/parse", h.handleParse)
	mux.HandleFunc("/api/analyze", h.handleAnalyze)
	mux.HandleFunc("/api/resolve_intervention", h.handleResolveIntervention)
	mux.HandleFunc("/api/sessions/{id}", h.handleSession)
	mux.HandleFunc("/api/validate_key", h.handleValidateKey)
	if h.ws != nil {
		mux.Handle("/ws", h.ws)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := s.info()
	if info.AnalysisTypes == nil {
		info.AnalysisTypes = []string{}
	}
	writeJSON(w, http.StatusOK, info)
}

type modelView struct {
	ID            string      `json:"id"`
	Name          string      `json:"name,omitempty"`
	Pricing       pricingView `json:"pricing"`
	ContextLength int64       `json:"context_length"`
}

type pricingView struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := []modelView{}
	if s.catalog == nil || !s.info().KeyConfigured {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "models": out})
		return
	}

	listing, err := s.catalog.ListModels(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list models failed")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to fetch models: %v", err), "")
		return
	}
	for _, m := range s.selector.FilterAllowed(listing) {
		out = append(out, modelView{
			ID:            m.ID,
			Name:          m.Name,
			Pricing:       pricingView{Prompt: m.PromptPrice, Completion: m.CompletionPrice},
			ContextLength: m.ContextLength,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "models": out})
}

type parseRequestBody struct {
	Text string `json:"text"`
}

func (s *server) handleParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req parseRequestBody
	if err := decodeBody(r, maxAnalyzeRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "No text provided.", "")
		return
	}
	turns, speakers := s.pipeline.Parse(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"conversations": turns,
		"speakers":      speakers,
	})
}

type turnBody struct {
	User      string `json:"user"`
	Speaker   string `json:"speaker"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Platform  string `json:"platform"`
}

type analyzeRequestBody struct {
	Conversations           []turnBody `json:"conversations"`
	Text                    string     `json:"text"`
	AnalysisType            string     `json:"analysis_type"`
	Model                   string     `json:"model"`
	SelectedSpeakers        []string   `json:"selected_speakers"`
	RelationshipDescription string     `json:"relationship_description"`
	Provider                string     `json:"provider"`
}

func (b analyzeRequestBody) toSubmit() pipeline.SubmitRequest {
	req := pipeline.SubmitRequest{
		Text:                b.Text,
		AnalysisType:        b.AnalysisType,
		Model:               b.Model,
		Provider:            b.Provider,
		RelationshipContext: b.RelationshipDescription,
	}
	if len(b.SelectedSpeakers) > 0 {
		req.SpeakerFilter = b.SelectedSpeakers[0]
	}
	for _, turn := range b.Conversations {
		speaker := turn.Speaker
		if strings.TrimSpace(speaker) == "" {
			speaker = turn.User
		}
		out := conversation.Turn{
			Speaker: speaker,
			Content: turn.Content,
			Source:  conversation.SourceStructured,
		}
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(turn.Timestamp)); err == nil {
			out.Timestamp = &ts
		}
		req.Turns = append(req.Turns, out)
	}
	return req
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req analyzeRequestBody
	if err := decodeBody(r, maxAnalyzeRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	id, err := s.pipeline.Submit(r.Context(), req.toSubmit())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrNoConversation), errors.Is(err, prompt.ErrNoMatchingSpeaker):
			status = http.StatusBadRequest
		case errors.Is(err, session.ErrSessionQueueFull):
			status = http.StatusTooManyRequests
		}
		s.logger.Warn().Err(err).Str("session_id", id).Int("status", status).Msg("analysis rejected")
		writeError(w, status, err.Error(), id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "session_id": id})
}

type resolveRequestBody struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
}

func (s *server) handleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resolveRequestBody
	if err := decodeBody(r, maxSmallRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", "")
		return
	}

	err := s.pipeline.ResolveIntervention(r.Context(), id, req.Answer)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "resumed", "session_id": id})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found.", id)
	case errors.Is(err, pipeline.ErrIncorrectAnswer):
		writeError(w, http.StatusBadRequest, pipeline.IncorrectAnswerNotice, id)
	case errors.Is(err, pipeline.ErrNoIntervention):
		writeError(w, http.StatusBadRequest, "No active intervention for this session.", id)
	default:
		s.logger.Error().Err(err).Str("session_id", id).Msg("resolve intervention failed")
		writeError(w, http.StatusInternalServerError, err.Error(), id)
	}
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	sess, err := s.pipeline.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found.", id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type validateKeyRequestBody struct {
	APIKey string `json:"api_key"`
}

func (s *server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		http.Error(w, "key validation not configured", http.StatusNotImplemented)
		return
	}
	var req validateKeyRequestBody
	if err := decodeBody(r, maxSmallRequestBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "message": "api_key is required"})
		return
	}

	valid, code, err := s.catalog.ValidateKey(r.Context(), req.APIKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("key validation request failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"valid": false, "message": err.Error()})
		return
	}
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "status_code": code})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func decodeBody(r *http.Request, limit int64, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %v", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing content")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message, sessionID string) {
	body := map[string]any{"status": "error", "message": message}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
