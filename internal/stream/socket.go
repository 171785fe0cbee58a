package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// SocketStrategy sends the payload over a websocket and parses every text
// message the server sends back.
type SocketStrategy struct {
	Dialer *websocket.Dialer
	Log    *slog.Logger
}

func (s *SocketStrategy) Name() string { return ModeSocket }

func (s *SocketStrategy) Run(ctx context.Context, req Request, emit func(Chunk) bool) error {
	conn, resp, err := s.Dialer.DialContext(ctx, req.Endpoint, req.Header)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil {
			return &Error{Code: CodeNetwork, Status: resp.StatusCode, Message: fmt.Sprintf("dial socket: %s", resp.Status), Err: err}
		}
		return networkError("dial socket", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, req.Body); err != nil {
		return networkError("send payload", err)
	}

	parser := NewParser(s.Log)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return networkError("read socket", err)
		}
		for _, c := range parser.ParseMessage(data) {
			if !emit(c) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return nil
			}
		}
	}
}
