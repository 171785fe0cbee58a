// Package stream normalizes chat responses delivered over different
// transports into one ordered sequence of chunks.
package stream

import "encoding/json"

// Kind classifies a chunk.
type Kind string

const (
	KindStart   Kind = "start"
	KindContent Kind = "content"
	KindRaw     Kind = "raw"
	KindError   Kind = "error"
	KindEnd     Kind = "end"
)

// Chunk is one normalized piece of a streamed response.
type Chunk struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Text          string          `json:"text,omitempty"`
	Images        json.RawMessage `json:"images,omitempty"`
	AudioBase64   string          `json:"audio_base64,omitempty"`
	Detail        string          `json:"detail,omitempty"`
}

func (c Chunk) terminal() bool {
	return c.Kind == KindEnd || c.Kind == KindError
}

// Slice cuts text into pieces of at most size runes. Concatenating the
// pieces yields text.
func Slice(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	pieces := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[i:end]))
	}
	return pieces
}
