package speech

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Prober ranks adapters by priority and filters out unavailable ones.
type Prober struct {
	adapters   []Adapter
	retryDelay time.Duration
	log        *slog.Logger
}

func NewProber(adapters []Adapter, retryDelay time.Duration, logger *slog.Logger) *Prober {
	return &Prober{
		adapters:   adapters,
		retryDelay: retryDelay,
		log:        logger.With(slog.String("component", "speech-prober")),
	}
}

// Probe queries every adapter and returns the available ones ordered by
// priority, then ID. An empty result is valid.
func (p *Prober) Probe(ctx context.Context) []Descriptor {
	var available []Descriptor
	for _, adapter := range p.adapters {
		desc := adapter.Descriptor()
		if p.check(ctx, adapter) {
			available = append(available, desc)
			continue
		}
		p.log.Info("speech backend unavailable", slog.String("backend", desc.ID))
	}
	sort.SliceStable(available, func(i, j int) bool {
		if available[i].Priority != available[j].Priority {
			return available[i].Priority < available[j].Priority
		}
		return available[i].ID < available[j].ID
	})
	return available
}

// check retries a failing availability check once.
func (p *Prober) check(ctx context.Context, adapter Adapter) bool {
	ok, err := adapter.IsAvailable(ctx)
	if err == nil {
		return ok
	}
	p.log.Warn("availability check failed; retrying",
		slog.String("backend", adapter.Descriptor().ID), slogError(err))
	if err := sleepContext(ctx, p.retryDelay); err != nil {
		return false
	}
	ok, err = adapter.IsAvailable(ctx)
	if err != nil {
		p.log.Warn("availability check failed twice",
			slog.String("backend", adapter.Descriptor().ID), slogError(err))
		return false
	}
	return ok
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
