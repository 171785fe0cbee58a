package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// SimulatedStrategy fetches the whole answer from the buffered endpoint and
// replays it as small pieces, for transports that cannot read a body
// incrementally.
type SimulatedStrategy struct {
	Client    *http.Client
	ChunkSize int
	Delay     time.Duration

	sleep func(context.Context, time.Duration) error
}

type bufferedResponse struct {
	ConversationID string          `json:"conversation_id"`
	Message        string          `json:"message"`
	Images         json.RawMessage `json:"images"`
	AudioBase64    string          `json:"audio_base64"`
}

func (s *SimulatedStrategy) Name() string { return ModeSimulated }

func (s *SimulatedStrategy) Run(ctx context.Context, req Request, emit func(Chunk) bool) error {
	url := req.BufferedEndpoint
	if url == "" {
		url = req.Endpoint
	}
	resp, err := post(ctx, s.Client, url, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var full bufferedResponse
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return networkError("decode buffered response", err)
	}

	if full.ConversationID != "" {
		if !emit(Chunk{Kind: KindStart, CorrelationID: full.ConversationID}) {
			return nil
		}
	}

	pieces := Slice(full.Message, s.ChunkSize)
	hasMedia := len(full.Images) > 0 && string(full.Images) != "null" || full.AudioBase64 != ""
	if len(pieces) == 0 && hasMedia {
		pieces = []string{""}
	}
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for i, piece := range pieces {
		c := Chunk{Kind: KindContent, Text: piece}
		if i == len(pieces)-1 && hasMedia {
			c.Images = full.Images
			c.AudioBase64 = full.AudioBase64
		}
		if !emit(c) {
			return nil
		}
		if i < len(pieces)-1 {
			if err := sleep(ctx, s.Delay); err != nil {
				return err
			}
		}
	}
	return nil
}
