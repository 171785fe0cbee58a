package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-assist/internal/speech"
)

type BridgeConfig struct {
	ID          string
	Priority    int
	URL         string
	DialTimeout time.Duration
	AckTimeout  time.Duration
	StopTimeout time.Duration
}

// Bridge streams recognition from a remote engine over a websocket. The
// client sends start and stop commands; the server answers with the same
// events the recognizer process prints.
type Bridge struct {
	cfg    BridgeConfig
	dialer *websocket.Dialer
	log    *slog.Logger
	slot   handlerSlot

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	closing bool
	writeMu sync.Mutex
}

type bridgeCommand struct {
	Event           string `json:"event"`
	Locale          string `json:"locale,omitempty"`
	LanguageModel   string `json:"language_model,omitempty"`
	PartialResults  bool   `json:"partial_results,omitempty"`
	MaxAlternatives int    `json:"max_alternatives,omitempty"`
	PreferOffline   bool   `json:"prefer_offline,omitempty"`
}

func NewBridge(cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge url is empty")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("bridge url %q must use ws or wss", cfg.URL)
	}
	if cfg.ID == "" {
		cfg.ID = "bridge"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 1500 * time.Millisecond
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:    logger.With(slog.String("component", "speech-bridge")),
	}, nil
}

func (b *Bridge) Descriptor() speech.Descriptor {
	return speech.Descriptor{ID: b.cfg.ID, Priority: b.cfg.Priority}
}

// IsAvailable dials the bridge and hangs up. Dial failures are returned so
// the prober can retry once.
func (b *Bridge) IsAvailable(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial bridge: %w", err)
	}
	_ = conn.Close()
	return true, nil
}

func (b *Bridge) Start(ctx context.Context, locale string, opts speech.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return errors.New("bridge session already active")
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	conn, _, err := b.dialer.DialContext(dialCtx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}

	cmd := bridgeCommand{
		Event:           "start",
		Locale:          locale,
		LanguageModel:   opts.LanguageModel,
		PartialResults:  opts.PartialResults,
		MaxAlternatives: opts.MaxAlternatives,
		PreferOffline:   opts.PreferOffline,
	}
	if err := conn.WriteJSON(cmd); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send start: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.AckTimeout))
	var ack wireEvent
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("await bridge ack: %w", err)
	}
	switch strings.ToLower(ack.Event) {
	case "start", "ready":
	case "error":
		_ = conn.Close()
		return fmt.Errorf("bridge refused start: %s", describeEngineError(ack.Code, ack.Message))
	default:
		_ = conn.Close()
		return fmt.Errorf("unexpected bridge ack %q", ack.Event)
	}
	_ = conn.SetReadDeadline(time.Time{})

	b.conn = conn
	b.done = make(chan struct{})
	b.closing = false
	go b.readLoop(conn, b.done)
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	sawEnd := false
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var evt wireEvent
			if err := json.Unmarshal([]byte(line), &evt); err != nil {
				b.log.Debug("ignoring malformed bridge message", slogError(err))
				continue
			}
			native, ok := evt.native()
			if !ok || native.Kind == speech.NativeStart {
				continue
			}
			b.slot.emit(native)
			if native.Kind == speech.NativeEnd {
				sawEnd = true
			}
		}
		if sawEnd {
			break
		}
	}

	b.mu.Lock()
	closing := b.closing
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	_ = conn.Close()

	if sawEnd {
		return
	}
	if closing || websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		b.slot.emit(speech.NativeEvent{Kind: speech.NativeEnd})
		return
	}
	b.slot.emit(speech.NativeEvent{Kind: speech.NativeError, Detail: fmt.Sprintf("bridge connection lost: %v", readErr)})
}

// Stop sends the stop command and waits for the server to finish the
// utterance.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	conn, done := b.conn, b.done
	b.closing = true
	b.mu.Unlock()
	if conn == nil {
		return nil
	}

	b.writeMu.Lock()
	err := conn.WriteJSON(bridgeCommand{Event: "stop"})
	b.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		<-done
		return fmt.Errorf("send stop: %w", err)
	}

	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stop"),
		time.Now().Add(time.Second))
	_ = conn.Close()
	<-done
	return ctx.Err()
}

func (b *Bridge) Destroy(context.Context) error {
	b.mu.Lock()
	conn, done := b.conn, b.done
	b.closing = true
	b.mu.Unlock()
	b.slot.set(nil)
	if conn == nil {
		return nil
	}
	_ = conn.Close()
	<-done
	return nil
}

func (b *Bridge) SetHandler(h speech.Handler) {
	b.slot.set(h)
}
