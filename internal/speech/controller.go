package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StatePermissionPending
	StateListening
	StateStopping
	StateError
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StatePermissionPending:
		return "permission_pending"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config controls retry and rotation behaviour.
type Config struct {
	Locale          string
	MaxAttempts     int
	Backoff         []time.Duration
	SettleDelay     time.Duration
	ProbeRetryDelay time.Duration
	// Profiles is used for adapters that do not implement ProfileProvider.
	Profiles []Profile
}

// releaseTimeout bounds the background stop of an engine that ended a
// session on its own.
const releaseTimeout = 5 * time.Second

func DefaultConfig() Config {
	return Config{
		Locale:          "en-US",
		MaxAttempts:     3,
		Backoff:         []time.Duration{300 * time.Millisecond, 500 * time.Millisecond},
		SettleDelay:     300 * time.Millisecond,
		ProbeRetryDelay: 100 * time.Millisecond,
		Profiles:        DefaultProfiles(Options{PartialResults: true, MaxAlternatives: 5}),
	}
}

// Controller owns the single recognition session of the process. It probes
// the registered adapters, starts the best one, retries with relaxed
// profiles and rotates to the next backend when one keeps failing. At most
// one adapter holds the microphone at any time.
type Controller struct {
	cfg        Config
	adapters   map[string]Adapter
	prober     *Prober
	permission Permission
	log        *slog.Logger
	observers  observers
	tracer     trace.Tracer
	metrics    *metrics

	sleep func(context.Context, time.Duration) error
	newID func() string

	// opMu serializes public operations.
	opMu sync.Mutex

	// mu guards the fields below, which event handlers also read.
	mu          sync.Mutex
	state       State
	destroyed   bool
	initialized bool
	ranked      []Descriptor
	defaultID   string
	active      string
	attempts    int
	locale      string
	sessionID   string
	registered  map[string]bool
	permChecked bool
	permGranted bool
	// releasing holds engines being stopped after they ended a session on
	// their own; the channel closes once Stop has returned.
	releasing map[string]chan struct{}
}

func NewController(cfg Config, adapters []Adapter, permission Permission, logger *slog.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	if permission == nil {
		permission = StaticPermission(true)
	}
	c := &Controller{
		cfg:        cfg,
		adapters:   make(map[string]Adapter, len(adapters)),
		prober:     NewProber(adapters, cfg.ProbeRetryDelay, logger),
		permission: permission,
		log:        logger.With(slog.String("component", "speech-controller")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-assist/speech"),
		sleep:      sleepContext,
		newID:      func() string { return uuid.NewString() },
		registered: make(map[string]bool),
		releasing:  make(map[string]chan struct{}),
	}
	for _, a := range adapters {
		c.adapters[a.Descriptor().ID] = a
	}
	c.metrics = newMetrics(c.log)
	return c
}

// Subscribe registers fn for every normalized event and returns a function
// that removes the subscription. fn runs synchronously on the goroutine that
// produced the event and must not call back into the Controller.
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.observers.subscribe(fn)
}

// Initialize probes the adapters and selects the default backend. It is a
// no-op once a default backend has been chosen.
func (c *Controller) Initialize(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isDestroyed() {
		return ErrDestroyed
	}
	c.mu.Lock()
	done := c.initialized
	c.mu.Unlock()
	if done {
		return nil
	}
	return c.initializeLocked(ctx)
}

// StartListening opens a recognition session. A session that is already
// listening is stopped first. The call returns once a backend is listening
// or every backend has been exhausted.
func (c *Controller) StartListening(ctx context.Context, locale string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isDestroyed() {
		return ErrDestroyed
	}

	ctx, span := c.tracer.Start(ctx, "speech.StartListening")
	defer span.End()

	if locale == "" {
		locale = c.cfg.Locale
	}
	span.SetAttributes(attribute.String("locale", locale))

	if c.State() == StateListening {
		c.log.Debug("capture busy; stopping current session", slog.String("code", string(CodeSessionBusy)))
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
		if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
			return err
		}
	}

	c.mu.Lock()
	needsInit := !c.initialized || c.state == StateError
	c.mu.Unlock()
	if needsInit {
		if err := c.initializeLocked(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	c.setState(StatePermissionPending)
	granted, err := c.requestPermissionLocked(ctx)
	if err != nil {
		c.log.Warn("permission request failed", slogError(err))
	}
	if !granted {
		c.setState(StateIdle)
		err := &Error{Code: CodePermissionDenied, Message: "microphone permission denied"}
		c.metrics.failure(ctx, CodePermissionDenied)
		c.emitError(err, "")
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := c.startLocked(ctx, locale); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("backend", c.ActiveBackend()), attribute.Int("attempts", c.Attempts()))
	return nil
}

// RequestPermission asks for microphone access once. Later calls return
// the cached answer until Destroy. A failed request is not cached.
func (c *Controller) RequestPermission(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isDestroyed() {
		return false, ErrDestroyed
	}
	return c.requestPermissionLocked(ctx)
}

// StopListening ends the current session. It is a no-op when not listening.
func (c *Controller) StopListening(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isDestroyed() {
		return ErrDestroyed
	}
	return c.stopLocked(ctx)
}

// Destroy stops any session, releases every adapter and drops all
// subscribers. Later operations fail with ErrDestroyed.
func (c *Controller) Destroy(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isDestroyed() {
		return nil
	}
	_ = c.stopLocked(ctx)
	c.awaitReleases(ctx)

	c.mu.Lock()
	registered := make([]string, 0, len(c.registered))
	for id := range c.registered {
		registered = append(registered, id)
	}
	c.registered = make(map[string]bool)
	c.active = ""
	c.state = StateDestroyed
	c.destroyed = true
	c.permChecked = false
	c.permGranted = false
	c.mu.Unlock()

	var errs []error
	for _, id := range registered {
		adapter := c.adapters[id]
		adapter.SetHandler(nil)
		if err := adapter.Destroy(ctx); err != nil {
			c.log.Warn("destroy backend failed", slog.String("backend", id), slogError(err))
			errs = append(errs, fmt.Errorf("destroy %s: %w", id, err))
		}
	}
	c.observers.clear()
	return errors.Join(errs...)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveBackend returns the ID of the adapter currently selected, if any.
func (c *Controller) ActiveBackend() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// DefaultBackend returns the highest ranked adapter found by the last probe.
func (c *Controller) DefaultBackend() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultID
}

// Attempts is the attempt counter of the active backend.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) Locale() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locale
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Backends returns the ranked list of available adapters.
func (c *Controller) Backends() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Descriptor(nil), c.ranked...)
}

func (c *Controller) initializeLocked(ctx context.Context) error {
	c.setState(StateInitializing)
	ranked := c.prober.Probe(ctx)
	if len(ranked) == 0 {
		c.mu.Lock()
		c.ranked = nil
		c.defaultID = ""
		c.initialized = false
		c.state = StateError
		c.mu.Unlock()
		err := &Error{Code: CodeDependencyMissing, Message: "no speech recognition backend is available"}
		c.metrics.failure(ctx, CodeDependencyMissing)
		c.emitError(err, "")
		return err
	}

	available := make(map[string]bool, len(ranked))
	for _, d := range ranked {
		available[d.ID] = true
	}
	for id, adapter := range c.adapters {
		c.mu.Lock()
		wasRegistered := c.registered[id]
		c.mu.Unlock()
		switch {
		case available[id]:
			c.register(adapter)
		case wasRegistered:
			adapter.SetHandler(nil)
			c.mu.Lock()
			delete(c.registered, id)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.ranked = ranked
	c.defaultID = ranked[0].ID
	c.active = ranked[0].ID
	c.initialized = true
	c.state = StateIdle
	c.mu.Unlock()
	c.log.Info("speech backends ranked", slog.String("default", ranked[0].ID), slog.Int("available", len(ranked)))
	return nil
}

func (c *Controller) register(adapter Adapter) {
	id := adapter.Descriptor().ID
	adapter.SetHandler(func(evt NativeEvent) { c.handleNative(id, evt) })
	c.mu.Lock()
	c.registered[id] = true
	c.mu.Unlock()
}

func (c *Controller) requestPermissionLocked(ctx context.Context) (bool, error) {
	c.mu.Lock()
	checked, granted := c.permChecked, c.permGranted
	c.mu.Unlock()
	if checked {
		return granted, nil
	}
	granted, err := c.permission.Request(ctx)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.permChecked = true
	c.permGranted = granted
	c.mu.Unlock()
	return granted, nil
}

// rotation returns the ranked backends beginning with the default.
func (c *Controller) rotation() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Descriptor, 0, len(c.ranked))
	for i, d := range c.ranked {
		if d.ID == c.defaultID {
			out = append(out, c.ranked[i:]...)
			out = append(out, c.ranked[:i]...)
			return out
		}
	}
	return append(out, c.ranked...)
}

func (c *Controller) startLocked(ctx context.Context, locale string) error {
	c.setState(StateInitializing)
	if err := c.settleReleases(ctx); err != nil {
		c.setState(StateIdle)
		return err
	}
	order := c.rotation()
	total := 0
	var lastErr error

	for i, desc := range order {
		adapter := c.adapters[desc.ID]
		profiles := c.cfg.Profiles
		if pp, ok := adapter.(ProfileProvider); ok && len(pp.Profiles()) > 0 {
			profiles = pp.Profiles()
		}
		c.mu.Lock()
		c.active = desc.ID
		c.attempts = 0
		c.mu.Unlock()
		if i > 0 {
			c.metrics.rotation(ctx, desc.ID)
			c.log.Info("rotating speech backend", slog.String("backend", desc.ID), slog.String("previous", order[i-1].ID))
		}

		for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
			c.mu.Lock()
			c.attempts = attempt
			c.mu.Unlock()
			total++

			profile := profileFor(profiles, attempt)
			err := adapter.Start(ctx, locale, profile.Options)
			c.metrics.attempt(ctx, desc.ID, err == nil)
			if err == nil {
				sessionID := c.newID()
				c.mu.Lock()
				c.state = StateListening
				c.locale = locale
				c.sessionID = sessionID
				c.mu.Unlock()
				c.log.Info("listening",
					slog.String("backend", desc.ID),
					slog.Int("attempt", attempt),
					slog.String("profile", profile.Name),
					slog.String("locale", locale))
				c.observers.emit(Event{Type: EventStart, Backend: desc.ID, SessionID: sessionID, Time: time.Now().UTC()})
				return nil
			}

			lastErr = err
			c.log.Warn("speech backend start failed",
				slog.String("backend", desc.ID),
				slog.Int("attempt", attempt),
				slog.String("profile", profile.Name),
				slogError(err))
			if ctx.Err() != nil {
				c.abort(ctx, adapter)
				return ctx.Err()
			}
			if attempt < c.cfg.MaxAttempts {
				if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
					c.abort(ctx, adapter)
					return err
				}
				c.reset(ctx, adapter)
			}
		}
		// Release the engine before another one takes the microphone.
		c.reset(ctx, adapter)
	}

	c.mu.Lock()
	c.active = ""
	c.state = StateError
	c.mu.Unlock()
	err := &Error{
		Code:    CodeBackendUnavailable,
		Message: fmt.Sprintf("speech recognition unavailable: %d backends failed after %d attempts", len(order), total),
		Err:     lastErr,
	}
	c.metrics.failure(ctx, CodeBackendUnavailable)
	c.emitError(err, "")
	return err
}

func (c *Controller) backoff(attempt int) time.Duration {
	if len(c.cfg.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.cfg.Backoff) {
		idx = len(c.cfg.Backoff) - 1
	}
	return c.cfg.Backoff[idx]
}

// abort leaves a rotation interrupted by ctx with no backend selected and
// the failed engine torn down.
func (c *Controller) abort(ctx context.Context, adapter Adapter) {
	c.reset(context.WithoutCancel(ctx), adapter)
	c.mu.Lock()
	c.active = ""
	c.attempts = 0
	c.state = StateIdle
	c.mu.Unlock()
}

// releaseLocked stops an engine that ended the session itself. It runs in
// the background because handlers are called on the engine's goroutine.
// Callers hold mu.
func (c *Controller) releaseLocked(id string) {
	adapter := c.adapters[id]
	if adapter == nil {
		return
	}
	if _, pending := c.releasing[id]; pending {
		return
	}
	done := make(chan struct{})
	c.releasing[id] = done
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := adapter.Stop(ctx); err != nil {
			c.log.Debug("release of ended backend failed", slog.String("backend", id), slogError(err))
		}
	}()
}

// settleReleases waits for background stops and resets those engines so
// the next attempt starts from a clean one.
func (c *Controller) settleReleases(ctx context.Context) error {
	for {
		c.mu.Lock()
		var id string
		var done chan struct{}
		for k, ch := range c.releasing {
			id, done = k, ch
			break
		}
		c.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		delete(c.releasing, id)
		c.mu.Unlock()
		c.reset(ctx, c.adapters[id])
	}
}

func (c *Controller) awaitReleases(ctx context.Context) {
	c.mu.Lock()
	pending := make([]chan struct{}, 0, len(c.releasing))
	for _, ch := range c.releasing {
		pending = append(pending, ch)
	}
	c.releasing = make(map[string]chan struct{})
	c.mu.Unlock()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// reset destroys the adapter and re-registers the event handler.
func (c *Controller) reset(ctx context.Context, adapter Adapter) {
	if err := adapter.Destroy(ctx); err != nil {
		c.log.Debug("backend destroy during reset failed", slog.String("backend", adapter.Descriptor().ID), slogError(err))
	}
	c.register(adapter)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateListening {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	active := c.active
	sessionID := c.sessionID
	c.mu.Unlock()

	if adapter := c.adapters[active]; adapter != nil {
		if err := adapter.Stop(ctx); err != nil {
			c.log.Warn("speech backend stop failed", slog.String("backend", active), slogError(err))
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.sessionID = ""
	c.mu.Unlock()
	c.observers.emit(Event{Type: EventEnd, Backend: active, SessionID: sessionID, Time: time.Now().UTC()})
	return nil
}

// handleNative normalizes an adapter event. Events from adapters other than
// the active one, or arriving outside a session, are dropped.
func (c *Controller) handleNative(id string, evt NativeEvent) {
	c.mu.Lock()
	if id != c.active {
		c.mu.Unlock()
		c.log.Debug("dropping event from inactive backend", slog.String("backend", id), slog.String("kind", evt.Kind.String()))
		return
	}
	state := c.state
	sessionID := c.sessionID

	var out *Event
	switch evt.Kind {
	case NativePartial, NativeResult:
		// Final results may still arrive while the engine is being stopped.
		if state == StateListening || state == StateStopping {
			typ := EventPartial
			if evt.Kind == NativeResult {
				typ = EventResult
			}
			out = &Event{Type: typ, Value: evt.Text}
		}
	case NativeError:
		if state == StateListening {
			c.state = StateIdle
			c.sessionID = ""
			msg := evt.Detail
			if msg == "" {
				msg = "recognition failed"
			}
			out = &Event{Type: EventError, Code: CodeRecognition, Message: msg}
			c.releaseLocked(id)
		}
	case NativeEnd:
		if state == StateListening {
			c.state = StateIdle
			c.sessionID = ""
			out = &Event{Type: EventEnd}
			c.releaseLocked(id)
		}
	case NativeStart:
		// The controller emits start itself once Start succeeds.
	}
	c.mu.Unlock()

	if out == nil {
		if evt.Kind != NativeStart {
			c.log.Debug("dropping event outside session", slog.String("backend", id), slog.String("kind", evt.Kind.String()), slog.String("state", state.String()))
		}
		return
	}
	out.Backend = id
	out.SessionID = sessionID
	out.Time = time.Now().UTC()
	if out.Type == EventError {
		c.metrics.failure(context.Background(), CodeRecognition)
	}
	c.observers.emit(*out)
}

func (c *Controller) emitError(err *Error, backend string) {
	c.observers.emit(Event{
		Type:    EventError,
		Code:    err.Code,
		Message: err.Error(),
		Backend: backend,
		Time:    time.Now().UTC(),
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

type metrics struct {
	attempts  metric.Int64Counter
	rotations metric.Int64Counter
	failures  metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-assist/speech")
	m := &metrics{}
	var err error
	if m.attempts, err = meter.Int64Counter("loqa.speech.attempts", metric.WithDescription("Backend start attempts")); err != nil {
		log.Warn("failed to create metric", slogError(err))
	}
	if m.rotations, err = meter.Int64Counter("loqa.speech.rotations", metric.WithDescription("Backend rotations")); err != nil {
		log.Warn("failed to create metric", slogError(err))
	}
	if m.failures, err = meter.Int64Counter("loqa.speech.failures", metric.WithDescription("Surfaced recognition failures")); err != nil {
		log.Warn("failed to create metric", slogError(err))
	}
	return m
}

func (m *metrics) attempt(ctx context.Context, backend string, ok bool) {
	if m.attempts == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend), attribute.String("outcome", outcome)))
}

func (m *metrics) rotation(ctx context.Context, backend string) {
	if m.rotations == nil {
		return
	}
	m.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *metrics) failure(ctx context.Context, code Code) {
	if m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
}
