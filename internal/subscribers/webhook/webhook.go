package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/conversatrait/internal/events"
)

const (
	HeaderEvent     = "X-Conversatrait-Event"
	HeaderSession   = "X-Conversatrait-Session"
	HeaderDelivery  = "X-Conversatrait-Delivery"
	HeaderSignature = "X-Conversatrait-Signature"

	signaturePrefix   = "sha256="
	defaultTimeout    = 10 * time.Second
	maxErrorBodyBytes = 4 << 10
)

// DeliveryError is a non-2xx answer from the receiving endpoint. Body holds
// the start of the response.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook answered %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook answered %d: %q", e.StatusCode, e.Body)
}

type Option func(*Subscriber)

// Subscriber POSTs session notifications to one endpoint. With a secret,
// every body is signed so the receiver can tell it came from this server.
type Subscriber struct {
	name   string
	url    string
	secret []byte
	kinds  map[events.Kind]struct{}
	client *http.Client
	logger zerolog.Logger
}

func New(name, url string, logger zerolog.Logger, opts ...Option) *Subscriber {
	s := &Subscriber{
		name:   strings.TrimSpace(name),
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
	if s.name == "" {
		s.name = "webhook"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		if client != nil {
			s.client = client
		}
	}
}

// WithSecret signs bodies with HMAC-SHA256. An empty secret sends them
// unsigned.
func WithSecret(secret string) Option {
	return func(s *Subscriber) {
		if secret = strings.TrimSpace(secret); secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithKinds forwards only the listed kinds. No kinds forwards everything.
func WithKinds(kinds ...events.Kind) Option {
	return func(s *Subscriber) {
		if len(kinds) == 0 {
			s.kinds = nil
			return
		}
		s.kinds = make(map[events.Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			s.kinds[kind] = struct{}{}
		}
	}
}

func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) wants(kind events.Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s *Subscriber) Handle(ctx context.Context, event events.Event) error {
	if !s.wants(event.Kind) {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Kind))
	req.Header.Set(HeaderSession, event.SessionID)
	req.Header.Set(HeaderDelivery, event.ID)
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s event for session %s: %w", event.Kind, event.SessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		s.logger.Debug().
			Str("subscriber", s.name).
			Str("event_id", event.ID).
			Int("status", resp.StatusCode).
			Msg("webhook delivered")
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body under secret.
func Verify(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}
