package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/speech"
	"github.com/loqalabs/loqa-assist/internal/speech/backend"
	"github.com/loqalabs/loqa-assist/internal/stream"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'stream', 'listen', 'probe' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "stream":
		err = runStream(ctx, os.Args[2:])
	case "listen":
		err = runListen(ctx, os.Args[2:])
	case "probe":
		err = runProbe(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	verbose    bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&c.verbose, "v", false, "Log to stderr")
}

func (c *common) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, nil, err
	}
	var out io.Writer = io.Discard
	if c.verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return cfg, logger, nil
}

func runStream(ctx context.Context, args []string) error {
	var (
		c        common
		endpoint string
		message  string
		mode     string
	)
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&endpoint, "endpoint", "", "Endpoint to stream from (defaults to streaming.endpoint)")
	fs.StringVar(&message, "message", "", "Message to send")
	fs.StringVar(&mode, "mode", "", "Override streaming.mode")
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Streaming.Mode = mode
	}
	if endpoint == "" {
		endpoint = cfg.Streaming.Endpoint
	}
	if message == "" && fs.NArg() > 0 {
		message = fs.Arg(0)
	}
	if message == "" {
		return errors.New("stream: -message is required")
	}

	selector := stream.NewSelector(stream.OptionsFromConfig(cfg.Streaming), logger)
	var streamErr error
	h := selector.StreamRequest(ctx, endpoint, map[string]string{"message": message},
		func(ch stream.Chunk) {
			switch ch.Kind {
			case stream.KindContent, stream.KindRaw:
				fmt.Print(ch.Text)
			case stream.KindStart:
				if c.verbose {
					fmt.Fprintf(os.Stderr, "[conversation %s]\n", ch.CorrelationID)
				}
			}
		},
		func(stream.Session) { fmt.Println() },
		func(err error) { streamErr = err },
	)
	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
		h.Wait()
		return ctx.Err()
	}
	if streamErr != nil {
		return fmt.Errorf("stream failed: %w", streamErr)
	}
	if c.verbose {
		sess := h.Session()
		fmt.Fprintf(os.Stderr, "[%s via %s, %d chunks]\n", sess.State, sess.Strategy, sess.Chunks)
	}
	return nil
}

func runListen(ctx context.Context, args []string) error {
	var (
		c      common
		locale string
		once   bool
		asJSON bool
	)
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&locale, "locale", "", "Recognition locale (defaults to recognition.locale)")
	fs.BoolVar(&once, "once", false, "Stop after the first final result")
	fs.BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	adapters, permission, err := backend.FromConfig(cfg.Recognition, logger)
	if err != nil {
		return err
	}
	ctrl := speech.NewController(backend.ControllerConfig(cfg.Recognition), adapters, permission, logger)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrl.Destroy(dctx)
	}()

	finished := make(chan struct{}, 1)
	ctrl.Subscribe(func(ev speech.Event) {
		printEvent(ev, asJSON)
		if ev.Type == speech.EventEnd || ev.Type == speech.EventError || (once && ev.Type == speech.EventResult) {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})

	if err := ctrl.StartListening(ctx, locale); err != nil {
		return err
	}
	select {
	case <-finished:
	case <-ctx.Done():
	}
	return ctrl.StopListening(context.Background())
}

func printEvent(ev speech.Event, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(ev)
		fmt.Println(string(data))
		return
	}
	switch ev.Type {
	case speech.EventStart:
		fmt.Fprintf(os.Stderr, "listening via %s\n", ev.Backend)
	case speech.EventPartial:
		fmt.Printf("\r%s", ev.Value)
	case speech.EventResult:
		fmt.Printf("\r%s\n", ev.Value)
	case speech.EventError:
		fmt.Fprintf(os.Stderr, "error (%s): %s\n", ev.Code, ev.Message)
	}
}

func runProbe(ctx context.Context, args []string) error {
	var c common
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	c.register(fs)
	_ = fs.Parse(args)

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	adapters, _, err := backend.FromConfig(cfg.Recognition, logger)
	if err != nil {
		return err
	}
	prober := speech.NewProber(adapters, time.Duration(cfg.Recognition.ProbeRetryDelayMS)*time.Millisecond, logger)
	ranked := prober.Probe(ctx)
	if len(ranked) == 0 {
		return speech.ErrBackendUnavailable
	}
	for i, d := range ranked {
		fmt.Printf("%d. %s (priority %d)\n", i+1, d.ID, d.Priority)
	}
	return nil
}
