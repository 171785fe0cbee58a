package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

type wireLine struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Content        *string         `json:"content"`
	Message        *string         `json:"message"`
	Detail         string          `json:"detail"`
	Images         json.RawMessage `json:"images"`
	AudioBase64    string          `json:"audio_base64"`
}

// Parser turns ND-JSON lines into chunks. A Parser belongs to one stream.
type Parser struct {
	log     *slog.Logger
	started bool
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{log: logger}
}

// ParseLine classifies a single line. Blank lines yield nothing, lines that
// are not JSON objects yield a raw chunk.
func (p *Parser) ParseLine(line string) []Chunk {
	line = strings.TrimRight(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	var msg wireLine
	if !strings.HasPrefix(trimmed, "{") || json.Unmarshal([]byte(trimmed), &msg) != nil {
		return []Chunk{{Kind: KindRaw, Text: line}}
	}

	switch strings.ToLower(msg.Type) {
	case "chunk":
		if msg.Content != nil {
			return []Chunk{{Kind: KindContent, Text: *msg.Content}}
		}
	case "error":
		detail := msg.Detail
		if detail == "" && msg.Message != nil {
			detail = *msg.Message
		}
		if detail == "" {
			detail = "server reported an error"
		}
		return []Chunk{{Kind: KindError, Detail: detail}}
	case "end", "done":
		return []Chunk{{Kind: KindEnd}}
	}

	var out []Chunk
	if msg.ConversationID != "" && !p.started {
		p.started = true
		out = append(out, Chunk{Kind: KindStart, CorrelationID: msg.ConversationID})
	}
	if msg.Message != nil {
		out = append(out, Chunk{
			Kind:        KindContent,
			Text:        *msg.Message,
			Images:      msg.Images,
			AudioBase64: msg.AudioBase64,
		})
	}
	if len(out) == 0 && p.log != nil {
		p.log.Debug("ignoring unrecognized stream line", slog.String("type", msg.Type))
	}
	return out
}

// ParseMessage splits a multi-line payload and parses each line.
func (p *Parser) ParseMessage(data []byte) []Chunk {
	var out []Chunk
	for _, line := range strings.Split(string(data), "\n") {
		out = append(out, p.ParseLine(line)...)
	}
	return out
}

// lineBuffer accumulates bytes and releases complete lines. The trailing
// incomplete line is held until more data arrives or flush is called.
type lineBuffer struct {
	pending []byte
}

func (b *lineBuffer) push(data []byte) []string {
	b.pending = append(b.pending, data...)
	var lines []string
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(b.pending[:idx]))
		b.pending = b.pending[idx+1:]
	}
	return lines
}

func (b *lineBuffer) flush() string {
	rest := string(b.pending)
	b.pending = nil
	return rest
}
