package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/capability"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/eventstore"
	"github.com/loqalabs/loqa-assist/internal/gateway"
	"github.com/loqalabs/loqa-assist/internal/natsserver"
	"github.com/loqalabs/loqa-assist/internal/speech"
	"github.com/loqalabs/loqa-assist/internal/speech/backend"
	"github.com/loqalabs/loqa-assist/internal/stream"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	journal    *eventstore.Store
	voice      *speech.Controller
	chat       *stream.Selector
	registry   *capability.Registry
	gateway    *gateway.Service
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/sessions", r.handleSessions)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.journal != nil {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	var err error
	r.natsServer, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	busCfg := r.cfg.Bus
	if r.natsServer != nil {
		busCfg.Servers = []string{r.natsServer.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}

	if r.cfg.Recognition.Enabled {
		adapters, permission, err := backend.FromConfig(r.cfg.Recognition, r.logger)
		if err != nil {
			return fmt.Errorf("failed to configure recognition: %w", err)
		}
		r.voice = speech.NewController(backend.ControllerConfig(r.cfg.Recognition), adapters, permission, r.logger)
		if err := r.voice.Initialize(ctx); err != nil {
			// Probing retries on the next start request.
			r.logger.Warn("speech recognition not available yet", slog.String("error", err.Error()))
		}
	}

	if r.cfg.Streaming.Enabled {
		r.chat = stream.NewSelector(stream.OptionsFromConfig(r.cfg.Streaming), r.logger)
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	if err := r.registry.Advertise(r.localCapabilities()); err != nil {
		r.logger.Warn("failed to announce capabilities", slog.String("error", err.Error()))
	}

	// A nil *Controller or *Selector must not become a non-nil interface.
	var voice gateway.Listener
	if r.voice != nil {
		voice = r.voice
	}
	var chat gateway.Streamer
	if r.chat != nil {
		chat = r.chat
	}
	r.gateway = gateway.NewService(ctx, r.cfg.Gateway, r.cfg.Streaming.Endpoint, r.bus, voice, chat, r.journal, r.logger)
	if err := r.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	return nil
}

func (r *Runtime) localCapabilities() []capability.Capability {
	var caps []capability.Capability
	if r.voice != nil {
		caps = append(caps, capability.FromBackends(r.voice.Backends())...)
	}
	if r.chat != nil {
		preferred := ""
		if s, err := r.chat.Select(r.chat.Resolve(r.cfg.Streaming.Endpoint)); err == nil {
			preferred = s.Name()
		}
		caps = append(caps, capability.FromStrategies(r.chat.Strategies(), preferred)...)
	}
	return caps
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases everything startServices acquired, in reverse order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.voice != nil {
		if err := r.voice.Destroy(shutdownCtx); err != nil {
			r.logger.Warn("speech controller shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("journal close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.gateway.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type voiceStatus struct {
	State          string              `json:"state"`
	ActiveBackend  string              `json:"active_backend,omitempty"`
	DefaultBackend string              `json:"default_backend,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
	Locale         string              `json:"locale,omitempty"`
	Backends       []speech.Descriptor `json:"backends"`
}

type statusResponse struct {
	Voice         *voiceStatus          `json:"voice,omitempty"`
	Strategies    []string              `json:"strategies,omitempty"`
	ActiveStreams int                   `json:"active_streams"`
	Nodes         []capability.NodeInfo `json:"nodes"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		ActiveStreams: r.gateway.ActiveStreams(),
		Nodes:         r.registry.Query(nil),
	}
	if r.voice != nil {
		resp.Voice = &voiceStatus{
			State:          r.voice.State().String(),
			ActiveBackend:  r.voice.ActiveBackend(),
			DefaultBackend: r.voice.DefaultBackend(),
			SessionID:      r.voice.SessionID(),
			Locale:         r.voice.Locale(),
			Backends:       r.voice.Backends(),
		}
	}
	if r.chat != nil {
		resp.Strategies = r.chat.Strategies()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.journal.RecentSessions(req.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
