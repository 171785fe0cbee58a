package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-assist/internal/speech"
	"github.com/mattn/go-shellwords"
)

type PrimaryConfig struct {
	ID       string
	Priority int
	Command  string
	// CompanionPath must exist for the engine to be considered installed,
	// e.g. the language pack the recognizer loads.
	CompanionPath string
	Defaults      speech.Options
	StartTimeout  time.Duration
	StopTimeout   time.Duration
}

// Primary drives the platform recognizer through a supervised process.
type Primary struct {
	cfg      PrimaryConfig
	args     []string
	slot     handlerSlot
	engine   *processEngine
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

func NewPrimary(cfg PrimaryConfig, logger *slog.Logger) (*Primary, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	if cfg.ID == "" {
		cfg.ID = "primary"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 3 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	p := &Primary{
		cfg:      cfg,
		args:     args,
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
	p.engine = &processEngine{
		startTimeout: cfg.StartTimeout,
		stopTimeout:  cfg.StopTimeout,
		log:          logger.With(slog.String("component", "speech-primary")),
		slot:         &p.slot,
	}
	return p, nil
}

func (p *Primary) Descriptor() speech.Descriptor {
	return speech.Descriptor{ID: p.cfg.ID, Priority: p.cfg.Priority}
}

func (p *Primary) IsAvailable(context.Context) (bool, error) {
	if _, err := p.lookPath(p.args[0]); err != nil {
		return false, nil
	}
	if p.cfg.CompanionPath == "" {
		return true, nil
	}
	if _, err := p.stat(p.cfg.CompanionPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat companion: %w", err)
	}
	return true, nil
}

func (p *Primary) Start(ctx context.Context, locale string, opts speech.Options) error {
	args := append([]string{}, p.args...)
	args = append(args, recognizerFlags(locale, opts)...)
	return p.engine.start(ctx, args)
}

func (p *Primary) Stop(ctx context.Context) error {
	return p.engine.stop(ctx)
}

func (p *Primary) Destroy(context.Context) error {
	p.engine.kill()
	p.slot.set(nil)
	return nil
}

func (p *Primary) SetHandler(h speech.Handler) {
	p.slot.set(h)
}

// Profiles returns the tuned thresholds followed by a free-form retry.
func (p *Primary) Profiles() []speech.Profile {
	return speech.DefaultProfiles(p.cfg.Defaults)
}

func recognizerFlags(locale string, opts speech.Options) []string {
	flags := []string{"--locale", locale}
	if opts.LanguageModel != "" {
		flags = append(flags, "--language-model", opts.LanguageModel)
	}
	if opts.MinLengthMS > 0 {
		flags = append(flags, "--min-length-ms", strconv.Itoa(opts.MinLengthMS))
	}
	if opts.CompleteSilenceMS > 0 {
		flags = append(flags, "--complete-silence-ms", strconv.Itoa(opts.CompleteSilenceMS))
	}
	if opts.PossiblyCompleteSilenceMS > 0 {
		flags = append(flags, "--possibly-complete-silence-ms", strconv.Itoa(opts.PossiblyCompleteSilenceMS))
	}
	if opts.MaxAlternatives > 0 {
		flags = append(flags, "--max-alternatives", strconv.Itoa(opts.MaxAlternatives))
	}
	if opts.PartialResults {
		flags = append(flags, "--partial")
	}
	if opts.PreferOffline {
		flags = append(flags, "--prefer-offline")
	}
	return flags
}
