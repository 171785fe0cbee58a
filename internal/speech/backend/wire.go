// Package backend provides the recognition engines the speech controller
// rotates through: a native recognizer process, a websocket bridge and an
// offline model runner.
package backend

import (
	"fmt"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-assist/internal/speech"
)

// wireEvent is the ND-JSON event shape shared by the recognizer process and
// the websocket bridge.
type wireEvent struct {
	Event        string   `json:"event"`
	Text         string   `json:"text,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Code         int      `json:"code,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// engineErrors maps the numeric error codes recognizers report.
var engineErrors = map[int]string{
	1: "network timeout",
	2: "network error",
	3: "audio recording error",
	4: "server error",
	5: "client error",
	6: "no speech input",
	7: "no match",
	8: "recognizer busy",
	9: "insufficient permissions",
}

func describeEngineError(code int, message string) string {
	if message != "" {
		return message
	}
	if desc, ok := engineErrors[code]; ok {
		return desc
	}
	if code != 0 {
		return fmt.Sprintf("recognizer error %d", code)
	}
	return "recognizer error"
}

// native converts a wire event; ok is false for events the engines emit
// that have no normalized counterpart.
func (w wireEvent) native() (speech.NativeEvent, bool) {
	switch strings.ToLower(w.Event) {
	case "start", "ready":
		return speech.NativeEvent{Kind: speech.NativeStart}, true
	case "partial":
		return speech.NativeEvent{Kind: speech.NativePartial, Text: w.best()}, true
	case "result":
		return speech.NativeEvent{Kind: speech.NativeResult, Text: w.best()}, true
	case "error":
		return speech.NativeEvent{Kind: speech.NativeError, Detail: describeEngineError(w.Code, w.Message)}, true
	case "end":
		return speech.NativeEvent{Kind: speech.NativeEnd}, true
	default:
		return speech.NativeEvent{}, false
	}
}

func (w wireEvent) best() string {
	if w.Text != "" {
		return w.Text
	}
	if len(w.Alternatives) > 0 {
		return w.Alternatives[0]
	}
	return ""
}

// handlerSlot holds the controller's handler; adapters call emit from their
// reader goroutines.
type handlerSlot struct {
	mu sync.Mutex
	h  speech.Handler
}

func (s *handlerSlot) set(h speech.Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *handlerSlot) emit(evt speech.NativeEvent) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}
