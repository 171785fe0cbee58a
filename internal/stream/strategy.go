package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is the transport-neutral description of one stream.
type Request struct {
	ID               string
	Endpoint         string
	BufferedEndpoint string
	Body             []byte
	Header           http.Header
}

// Strategy moves response bytes from a transport into chunks. Run returns
// nil when the transport ended normally; emit returning false means the
// session is over and Run should return.
type Strategy interface {
	Name() string
	Run(ctx context.Context, req Request, emit func(Chunk) bool) error
}

func post(ctx context.Context, client *http.Client, url string, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, networkError("build request", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("request failed", err)
	}
	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &Error{
			Code:    CodeNetwork,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("server returned %s: %s", resp.Status, strings.TrimSpace(string(excerpt))),
		}
	}
	return resp, nil
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
