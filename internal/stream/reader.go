package stream

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
)

const maxLineSize = 1 << 20

// ReaderStrategy reads the response body incrementally, one line at a time.
type ReaderStrategy struct {
	Client *http.Client
	Log    *slog.Logger
}

func (s *ReaderStrategy) Name() string { return ModeReader }

func (s *ReaderStrategy) Run(ctx context.Context, req Request, emit func(Chunk) bool) error {
	resp, err := post(ctx, s.Client, req.Endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	parser := NewParser(s.Log)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		for _, c := range parser.ParseLine(scanner.Text()) {
			if !emit(c) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return networkError("read stream", err)
	}
	return nil
}
