package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PollStrategy lets the body accumulate in a buffer and inspects the newly
// appended suffix on a fixed interval.
type PollStrategy struct {
	Client   *http.Client
	Interval time.Duration
	Log      *slog.Logger
}

func (s *PollStrategy) Name() string { return ModePoll }

func (s *PollStrategy) Run(ctx context.Context, req Request, emit func(Chunk) bool) error {
	resp, err := post(ctx, s.Client, req.Endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := &growingBuffer{}
	go func() {
		_, err := io.Copy(buf, resp.Body)
		buf.finish(err)
	}()

	interval := s.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	parser := NewParser(s.Log)
	lines := &lineBuffer{}
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		data, finished, readErr := buf.since(offset)
		offset += len(data)
		for _, line := range lines.push(data) {
			for _, c := range parser.ParseLine(line) {
				if !emit(c) {
					return nil
				}
			}
		}
		if !finished {
			continue
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return networkError("read stream", readErr)
		}
		for _, c := range parser.ParseLine(lines.flush()) {
			if !emit(c) {
				return nil
			}
		}
		return nil
	}
}

type growingBuffer struct {
	mu       sync.Mutex
	data     []byte
	finished bool
	err      error
}

func (b *growingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	return len(p), nil
}

func (b *growingBuffer) finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	if err != nil && !errors.Is(err, io.EOF) {
		b.err = err
	}
}

// since returns the bytes appended after offset together with the final
// state, read atomically.
func (b *growingBuffer) since(offset int) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.data[offset:]...)
	return out, b.finished, b.err
}
