// Package gateway exposes the recognition controller and the stream selector
// on the bus so an out-of-process UI can drive them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/eventstore"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/loqalabs/loqa-assist/internal/speech"
	"github.com/loqalabs/loqa-assist/internal/stream"
	"github.com/nats-io/nats.go"
)

// Listener is the part of speech.Controller the gateway drives.
type Listener interface {
	StartListening(ctx context.Context, locale string) error
	StopListening(ctx context.Context) error
	Subscribe(fn func(speech.Event)) func()
	ActiveBackend() string
	SessionID() string
}

// Streamer is the part of stream.Selector the gateway drives.
type Streamer interface {
	StreamRequest(ctx context.Context, endpoint string, payload any, onChunk func(stream.Chunk), onComplete func(stream.Session), onError func(error)) *stream.Handle
}

// Journal records session metadata. *eventstore.Store satisfies it.
type Journal interface {
	OpenSession(ctx context.Context, sess eventstore.Session) error
	CloseSession(ctx context.Context, id, outcome string) error
	Append(ctx context.Context, e eventstore.Entry) error
}

type Service struct {
	cfg      config.GatewayConfig
	endpoint string
	bus      *bus.Client
	voice    Listener
	chat     Streamer
	journal  Journal
	logger   *slog.Logger
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subs        []*nats.Subscription
	unsubscribe func()

	mu      sync.Mutex
	streams map[string]*stream.Handle
}

// NewService builds the gateway. voice or chat may be nil when the
// corresponding subsystem is disabled; journal may be nil.
func NewService(parent context.Context, cfg config.GatewayConfig, endpoint string, busClient *bus.Client, voice Listener, chat Streamer, journal Journal, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		endpoint: endpoint,
		bus:      busClient,
		voice:    voice,
		chat:     chat,
		journal:  journal,
		logger:   logger.With(slog.String("component", "gateway")),
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*stream.Handle),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.EventStream != "" {
		s.ensureEventStream()
	}

	conn := s.bus.Conn()
	type route struct {
		subject string
		handler nats.MsgHandler
	}
	var routes []route
	if s.voice != nil {
		routes = append(routes,
			route{protocol.SubjectListenStart, s.handleListenStart},
			route{protocol.SubjectListenStop, s.handleListenStop},
		)
	}
	if s.chat != nil {
		routes = append(routes,
			route{protocol.SubjectChatRequest, s.handleChatRequest},
			route{protocol.SubjectChatCancel, s.handleChatCancel},
		)
	}
	for _, r := range routes {
		sub, err := conn.Subscribe(r.subject, r.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", r.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if s.voice != nil {
		s.unsubscribe = s.voice.Subscribe(s.forwardVoice)
	}
	s.logger.Info("gateway started", slog.Int("subjects", len(s.subs)))
	return nil
}

// Close cancels in-flight streams and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.drain()
	s.mu.Lock()
	for _, h := range s.streams {
		h.Cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	return s.bus.Healthy() && len(s.subs) > 0
}

// ActiveStreams reports how many chat streams are in flight.
func (s *Service) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Service) ensureEventStream() {
	js := s.bus.JetStream()
	if js == nil {
		return
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     s.cfg.EventStream,
		Subjects: []string{protocol.SubjectVoiceEvent},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		s.logger.Warn("voice event stream unavailable", slog.String("stream", s.cfg.EventStream), slogError(err))
	}
}

func (s *Service) handleListenStart(msg *nats.Msg) {
	var req protocol.ListenRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, protocol.ListenReply{Code: "InvalidRequest", Message: err.Error()})
			return
		}
	}
	err := s.voice.StartListening(s.ctx, req.Locale)
	s.reply(msg, s.listenReply(err))
}

func (s *Service) handleListenStop(msg *nats.Msg) {
	err := s.voice.StopListening(s.ctx)
	s.reply(msg, s.listenReply(err))
}

func (s *Service) listenReply(err error) protocol.ListenReply {
	if err != nil {
		return protocol.ListenReply{Code: string(speech.CodeOf(err)), Message: err.Error()}
	}
	return protocol.ListenReply{
		OK:        true,
		Backend:   s.voice.ActiveBackend(),
		SessionID: s.voice.SessionID(),
	}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	if err := bus.RespondJSON(msg, v); err != nil {
		s.logger.Warn("failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

// forwardVoice runs on the controller's observer path and must not call
// back into the controller.
func (s *Service) forwardVoice(ev speech.Event) {
	out := protocol.VoiceEvent{
		Type:      string(ev.Type),
		Value:     ev.Value,
		Code:      string(ev.Code),
		Message:   ev.Message,
		Backend:   ev.Backend,
		SessionID: ev.SessionID,
		Timestamp: ev.Time,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if err := s.bus.PublishJSON(protocol.SubjectVoiceEvent, out); err != nil {
		s.logger.Warn("failed to publish voice event", slog.String("type", out.Type), slogError(err))
	}
	s.journalVoice(ev)
}

func (s *Service) journalVoice(ev speech.Event) {
	if s.journal == nil || ev.SessionID == "" {
		return
	}
	ctx := context.Background()
	var err error
	switch ev.Type {
	case speech.EventStart:
		err = s.journal.OpenSession(ctx, eventstore.Session{ID: ev.SessionID, Kind: eventstore.KindVoice, Source: ev.Backend})
	}
	if err == nil {
		err = s.journal.Append(ctx, eventstore.Entry{SessionID: ev.SessionID, Type: string(ev.Type), Code: string(ev.Code)})
	}
	if err == nil {
		switch ev.Type {
		case speech.EventEnd:
			err = s.journal.CloseSession(ctx, ev.SessionID, "completed")
		case speech.EventError:
			err = s.journal.CloseSession(ctx, ev.SessionID, "failed")
		}
	}
	if err != nil {
		s.logger.Debug("journal write failed", slog.String("session_id", ev.SessionID), slogError(err))
	}
}

func (s *Service) handleChatRequest(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("gateway failed to decode chat request", slogError(err))
		s.reply(msg, protocol.ChatReply{Message: err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = s.newID()
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = s.endpoint
	}
	var payload any = req.Payload
	if len(req.Payload) == 0 {
		payload = nil
	}

	s.mu.Lock()
	if _, busy := s.streams[req.RequestID]; busy {
		s.mu.Unlock()
		s.reply(msg, protocol.ChatReply{RequestID: req.RequestID, Message: "request already in flight"})
		return
	}
	s.journalChat(func(ctx context.Context, j Journal) error {
		return j.OpenSession(ctx, eventstore.Session{ID: req.RequestID, Kind: eventstore.KindChat})
	})
	seq := 0
	onChunk := func(c stream.Chunk) {
		seq++
		s.publishChunk(req.RequestID, seq, c)
	}
	h := s.chat.StreamRequest(s.ctx, endpoint, payload, onChunk, nil, nil)
	s.streams[req.RequestID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go s.awaitStream(req.RequestID, h)
	s.reply(msg, protocol.ChatReply{RequestID: req.RequestID, OK: true})
}

func (s *Service) publishChunk(requestID string, seq int, c stream.Chunk) {
	out := protocol.ChatChunk{
		RequestID:     requestID,
		Sequence:      seq,
		Kind:          string(c.Kind),
		CorrelationID: c.CorrelationID,
		Text:          c.Text,
		Images:        c.Images,
		AudioBase64:   c.AudioBase64,
		Detail:        c.Detail,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.ChatChunkSubject(requestID), out); err != nil {
		s.logger.Warn("failed to publish chat chunk", slog.String("request_id", requestID), slogError(err))
	}
	if c.Kind == stream.KindContent || c.Kind == stream.KindRaw {
		return
	}
	s.journalChat(func(ctx context.Context, j Journal) error {
		return j.Append(ctx, eventstore.Entry{SessionID: requestID, Type: string(c.Kind)})
	})
}

func (s *Service) awaitStream(requestID string, h *stream.Handle) {
	defer s.wg.Done()
	<-h.Done()

	s.mu.Lock()
	delete(s.streams, requestID)
	s.mu.Unlock()

	sess := h.Session()
	outcome := "cancelled"
	switch sess.State {
	case stream.StreamCompleted:
		outcome = "completed"
	case stream.StreamFailed:
		outcome = "failed"
	}
	s.journalChat(func(ctx context.Context, j Journal) error {
		if sess.Strategy != "" {
			if err := j.OpenSession(ctx, eventstore.Session{ID: requestID, Kind: eventstore.KindChat, Source: sess.Strategy}); err != nil {
				return err
			}
		}
		return j.CloseSession(ctx, requestID, outcome)
	})
	s.logger.Debug("chat stream finished",
		slog.String("request_id", requestID),
		slog.String("strategy", sess.Strategy),
		slog.String("outcome", outcome),
		slog.Int("chunks", sess.Chunks))
}

func (s *Service) handleChatCancel(msg *nats.Msg) {
	var req protocol.ChatCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("gateway failed to decode chat cancel", slogError(err))
		return
	}
	s.mu.Lock()
	h := s.streams[req.RequestID]
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	s.reply(msg, protocol.ChatReply{RequestID: req.RequestID, OK: h != nil})
}

func (s *Service) journalChat(fn func(context.Context, Journal) error) {
	if s.journal == nil {
		return
	}
	if err := fn(context.Background(), s.journal); err != nil {
		s.logger.Debug("journal write failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
