package speech

import (
	"sync"
	"time"
)

// EventType enumerates the normalized recognition events.
type EventType string

const (
	EventStart   EventType = "start"
	EventPartial EventType = "partial"
	EventResult  EventType = "result"
	EventError   EventType = "error"
	EventEnd     EventType = "end"
)

// Event is what subscribers of a Controller receive.
type Event struct {
	Type      EventType `json:"type"`
	Value     string    `json:"value,omitempty"`
	Code      Code      `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Time      time.Time `json:"time"`
}

// NativeKind enumerates adapter-level events before normalization.
type NativeKind int

const (
	NativeStart NativeKind = iota
	NativePartial
	NativeResult
	NativeError
	NativeEnd
)

func (k NativeKind) String() string {
	switch k {
	case NativeStart:
		return "start"
	case NativePartial:
		return "partial"
	case NativeResult:
		return "result"
	case NativeError:
		return "error"
	case NativeEnd:
		return "end"
	default:
		return "unknown"
	}
}

// NativeEvent is emitted by an adapter. Text is set for partial and result
// events, Detail for errors.
type NativeEvent struct {
	Kind   NativeKind
	Text   string
	Detail string
}

// Handler receives native events in the order the engine produced them.
type Handler func(NativeEvent)

type subscription struct {
	id int
	fn func(Event)
}

// observers is a typed subscriber list; subscribe returns its own disposer.
type observers struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

func (o *observers) subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	id := o.next
	o.subs = append(o.subs, subscription{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) emit(evt Event) {
	o.mu.Lock()
	subs := append([]subscription(nil), o.subs...)
	o.mu.Unlock()
	for _, s := range subs {
		s.fn(evt)
	}
}

func (o *observers) clear() {
	o.mu.Lock()
	o.subs = nil
	o.mu.Unlock()
}
