package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a stream session.
type State int

const (
	StreamIdle State = iota
	StreamConnecting
	StreamStreaming
	StreamCompleted
	StreamFailed
)

func (s State) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamStreaming:
		return "streaming"
	case StreamCompleted:
		return "completed"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session summarizes one streamed request.
type Session struct {
	ID            string    `json:"id"`
	Strategy      string    `json:"strategy"`
	Endpoint      string    `json:"endpoint"`
	State         State     `json:"state"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Chunks        int       `json:"chunks"`
	Cancelled     bool      `json:"cancelled"`
	Err           error     `json:"-"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
}

// emitter serializes callbacks for one session and enforces the chunk
// grammar: start at most once and before content, exactly one terminal
// chunk, nothing after it or after cancellation.
type emitter struct {
	mu         sync.Mutex
	session    Session
	done       bool
	sawContent bool

	cancelled  atomic.Bool
	delivering atomic.Bool

	snapMu sync.Mutex
	snap   Session

	onChunk    func(Chunk)
	onComplete func(Session)
	onError    func(error)
	metrics    *metrics
}

func newEmitter(session Session, onChunk func(Chunk), onComplete func(Session), onError func(error), m *metrics) *emitter {
	e := &emitter{
		session:    session,
		snap:       session,
		onChunk:    onChunk,
		onComplete: onComplete,
		onError:    onError,
		metrics:    m,
	}
	return e
}

// emit delivers c and reports whether the strategy should keep going.
func (e *emitter) emit(c Chunk) bool {
	return e.deliver(c, nil)
}

func (e *emitter) complete() {
	e.deliver(Chunk{Kind: KindEnd}, nil)
}

func (e *emitter) fail(err error) {
	e.deliver(Chunk{Kind: KindError, Detail: err.Error()}, err)
}

func (e *emitter) deliver(c Chunk, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.delivering.Store(true)
	defer e.delivering.Store(false)
	if e.cancelled.Load() {
		e.done = true
		return false
	}

	switch c.Kind {
	case KindStart:
		if e.session.CorrelationID != "" || e.sawContent || c.CorrelationID == "" {
			return true
		}
		e.session.CorrelationID = c.CorrelationID
	case KindContent, KindRaw:
		e.sawContent = true
		e.session.State = StreamStreaming
		if c.CorrelationID == "" {
			c.CorrelationID = e.session.CorrelationID
		}
	case KindEnd:
		e.done = true
		e.session.State = StreamCompleted
		e.session.EndedAt = time.Now().UTC()
	case KindError:
		e.done = true
		if cause == nil {
			cause = &Error{Code: CodeRemote, Message: c.Detail}
		}
		e.session.State = StreamFailed
		e.session.Err = cause
		e.session.EndedAt = time.Now().UTC()
	}
	e.session.Chunks++
	e.publish()
	e.metrics.chunk(context.Background(), c.Kind)

	if e.cancelled.Load() {
		e.done = true
		return false
	}
	if e.onChunk != nil {
		e.onChunk(c)
		if e.cancelled.Load() {
			e.done = true
			return false
		}
	}
	switch c.Kind {
	case KindEnd:
		if e.onComplete != nil {
			e.onComplete(e.session)
		}
	case KindError:
		if e.onError != nil {
			e.onError(cause)
		}
	}
	return !e.done
}

func (e *emitter) setStrategy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Strategy = name
	if e.session.State == StreamIdle {
		e.session.State = StreamConnecting
	}
	e.publish()
}

// cancel suppresses every delivery that has not begun yet. A callback
// already running on another goroutine is allowed to return; cancel does
// not wait for it, so it is safe to call from inside a callback.
func (e *emitter) cancel() {
	e.cancelled.Store(true)
	e.snapMu.Lock()
	e.snap.Cancelled = true
	e.snapMu.Unlock()
	if e.delivering.Load() {
		return
	}
	e.mu.Lock()
	e.done = true
	e.session.Cancelled = true
	e.mu.Unlock()
}

func (e *emitter) publish() {
	e.snapMu.Lock()
	cancelled := e.snap.Cancelled
	e.snap = e.session
	e.snap.Cancelled = e.snap.Cancelled || cancelled
	e.snapMu.Unlock()
}

func (e *emitter) snapshot() Session {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snap
}

// Handle controls an in-flight stream.
type Handle struct {
	em     *emitter
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel aborts the transport. Deliveries that have not begun are dropped.
// A delivery already in progress on the transport goroutine may still run
// its callback once after Cancel returns; nothing is delivered after that.
func (h *Handle) Cancel() {
	h.em.cancel()
	h.cancel()
}

// Wait blocks until the transport goroutine has exited.
func (h *Handle) Wait() {
	<-h.done
}

// Done is closed once the transport goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Session returns a snapshot of the session. It is safe to call from
// callbacks.
func (h *Handle) Session() Session {
	return h.em.snapshot()
}
