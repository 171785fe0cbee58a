package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-assist/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ModeAuto      = "auto"
	ModeReader    = "reader"
	ModeSimulated = "simulated"
	ModePoll      = "poll"
	ModeSocket    = "socket"
)

type Options struct {
	BaseURL          string
	Mode             string
	IncrementalReads bool
	ChunkSize        int
	ChunkDelay       time.Duration
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	AuthToken        string
	// StreamPath is replaced by BufferedPath to derive the endpoint used by
	// the simulated strategy, e.g. /chat/stream becomes /chat.
	StreamPath   string
	BufferedPath string
}

func OptionsFromConfig(cfg config.StreamingConfig) Options {
	return Options{
		BaseURL:          cfg.BaseURL,
		Mode:             cfg.Mode,
		IncrementalReads: cfg.IncrementalReads,
		ChunkSize:        cfg.ChunkSize,
		ChunkDelay:       time.Duration(cfg.ChunkDelayMS) * time.Millisecond,
		PollInterval:     time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		RequestTimeout:   time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		AuthToken:        cfg.AuthToken,
		StreamPath:       cfg.Endpoint,
		BufferedPath:     cfg.BufferedEndpoint,
	}
}

// Selector picks a transport strategy per request and normalizes its output.
type Selector struct {
	opts       Options
	log        *slog.Logger
	strategies map[string]Strategy
	tracer     trace.Tracer
	metrics    *metrics
	newID      func() string
}

func NewSelector(opts Options, logger *slog.Logger) *Selector {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 3
	}
	log := logger.With(slog.String("component", "stream-selector"))
	client := &http.Client{Timeout: opts.RequestTimeout}
	s := &Selector{
		opts: opts,
		log:  log,
		strategies: map[string]Strategy{
			ModeReader:    &ReaderStrategy{Client: client, Log: log},
			ModeSimulated: &SimulatedStrategy{Client: client, ChunkSize: opts.ChunkSize, Delay: opts.ChunkDelay},
			ModePoll:      &PollStrategy{Client: client, Interval: opts.PollInterval, Log: log},
			ModeSocket:    &SocketStrategy{Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}, Log: log},
		},
		tracer: otel.Tracer("github.com/loqalabs/loqa-assist/stream"),
		newID:  func() string { return uuid.NewString() },
	}
	s.metrics = newMetrics(log)
	return s
}

// Strategies lists the names of the supported transports.
func (s *Selector) Strategies() []string {
	return []string{ModeReader, ModeSimulated, ModePoll, ModeSocket}
}

// Resolve joins a relative endpoint onto the base URL.
func (s *Selector) Resolve(endpoint string) string {
	if strings.Contains(endpoint, "://") || s.opts.BaseURL == "" {
		return endpoint
	}
	return strings.TrimRight(s.opts.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// Select returns the strategy for an absolute endpoint.
func (s *Selector) Select(endpoint string) (Strategy, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return s.strategies[ModeSocket], nil
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	mode := s.opts.Mode
	if mode == ModeAuto {
		mode = ModeSimulated
		if s.opts.IncrementalReads {
			mode = ModeReader
		}
	}
	if mode == ModeSocket {
		return nil, fmt.Errorf("socket mode requires a ws or wss endpoint, got %q", endpoint)
	}
	strategy, ok := s.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("unknown streaming mode %q", mode)
	}
	return strategy, nil
}

func (s *Selector) bufferedURL(endpoint string) string {
	if s.opts.StreamPath == "" || s.opts.BufferedPath == "" {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || !strings.HasSuffix(u.Path, s.opts.StreamPath) {
		return endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, s.opts.StreamPath) + s.opts.BufferedPath
	return u.String()
}

// StreamRequest sends payload to endpoint and delivers the normalized
// chunks to onChunk in order. A terminal end chunk is followed by
// onComplete, a terminal error chunk by onError. Callbacks run on the
// transport goroutine, one at a time.
func (s *Selector) StreamRequest(ctx context.Context, endpoint string, payload any, onChunk func(Chunk), onComplete func(Session), onError func(error)) *Handle {
	target := s.Resolve(endpoint)
	ctx, cancel := context.WithCancel(ctx)
	em := newEmitter(Session{
		ID:        s.newID(),
		Endpoint:  target,
		State:     StreamIdle,
		StartedAt: time.Now().UTC(),
	}, onChunk, onComplete, onError, s.metrics)
	h := &Handle{em: em, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		s.run(ctx, target, payload, em)
	}()
	return h
}

func (s *Selector) run(ctx context.Context, target string, payload any, em *emitter) {
	id := em.snapshot().ID
	ctx, span := s.tracer.Start(ctx, "stream.Request", trace.WithAttributes(
		attribute.String("stream.id", id),
		attribute.String("stream.endpoint", target),
	))
	defer span.End()

	strategy, err := s.Select(target)
	if err != nil {
		s.finish(ctx, span, em, "", err)
		return
	}
	span.SetAttributes(attribute.String("stream.strategy", strategy.Name()))
	em.setStrategy(strategy.Name())

	body, err := encodePayload(payload)
	if err != nil {
		s.finish(ctx, span, em, strategy.Name(), err)
		return
	}
	req := Request{
		ID:       id,
		Endpoint: target,
		Body:     body,
		Header:   s.headers(),
	}
	if strategy.Name() == ModeSimulated {
		req.BufferedEndpoint = s.bufferedURL(target)
	}

	s.log.Debug("stream starting", slog.String("id", id), slog.String("strategy", strategy.Name()), slog.String("endpoint", target))
	s.finish(ctx, span, em, strategy.Name(), strategy.Run(ctx, req, em.emit))
}

func (s *Selector) finish(ctx context.Context, span trace.Span, em *emitter, strategy string, err error) {
	if err != nil {
		em.fail(err)
	} else {
		em.complete()
	}
	session := em.snapshot()
	outcome := "completed"
	switch {
	case session.Cancelled:
		outcome = "cancelled"
	case session.State == StreamFailed:
		outcome = "failed"
		if session.Err != nil {
			span.RecordError(session.Err)
			span.SetStatus(codes.Error, session.Err.Error())
			s.log.Warn("stream failed", slog.String("id", session.ID), slog.String("strategy", strategy), slog.String("error", session.Err.Error()))
		}
	}
	span.SetAttributes(attribute.Int("stream.chunks", session.Chunks))
	s.metrics.session(ctx, strategy, outcome)
}

func (s *Selector) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/x-ndjson")
	h.Set("Cache-Control", "no-cache")
	if s.opts.AuthToken != "" {
		h.Set("Authorization", "Bearer "+s.opts.AuthToken)
	}
	return h
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

type metrics struct {
	chunks   metric.Int64Counter
	sessions metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-assist/stream")
	m := &metrics{}
	var err error
	if m.chunks, err = meter.Int64Counter("loqa.stream.chunks", metric.WithDescription("Normalized stream chunks")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.sessions, err = meter.Int64Counter("loqa.stream.sessions", metric.WithDescription("Finished stream sessions")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return m
}

func (m *metrics) chunk(ctx context.Context, kind Kind) {
	if m == nil || m.chunks == nil {
		return
	}
	m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) session(ctx context.Context, strategy, outcome string) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy), attribute.String("outcome", outcome)))
}
