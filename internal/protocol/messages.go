package protocol

import (
	"encoding/json"
	"time"
)

// ListenRequest asks the assistant to open a recognition session.
type ListenRequest struct {
	Locale string `json:"locale,omitempty"`
}

// ListenReply answers voice.listen.start and voice.listen.stop.
type ListenReply struct {
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Backend   string `json:"backend,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// VoiceEvent mirrors a normalized recognition event on the bus.
type VoiceEvent struct {
	Type      string    `json:"type"`
	Value     string    `json:"value,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRequest starts a streamed chat response. Endpoint may be relative to
// the configured base URL; empty uses the configured endpoint.
type ChatRequest struct {
	RequestID string          `json:"request_id"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ChatReply acknowledges a chat.request sent as a request.
type ChatReply struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
}

type ChatCancel struct {
	RequestID string `json:"request_id"`
}

// ChatChunk is one normalized chunk published on chat.chunk.<request_id>.
type ChatChunk struct {
	RequestID     string          `json:"request_id"`
	Sequence      int             `json:"sequence"`
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Text          string          `json:"text,omitempty"`
	Images        json.RawMessage `json:"images,omitempty"`
	AudioBase64   string          `json:"audio_base64,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

const (
	SubjectListenStart     = "voice.listen.start"
	SubjectListenStop      = "voice.listen.stop"
	SubjectVoiceEvent      = "voice.event"
	SubjectChatRequest     = "chat.request"
	SubjectChatCancel      = "chat.cancel"
	SubjectChatChunkPrefix = "chat.chunk"
	SubjectNodeAnnounce    = "ctrl.node.announce"
	SubjectNodeHeartbeat   = "ctrl.node.heartbeat"
)

func ChatChunkSubject(requestID string) string {
	return SubjectChatChunkPrefix + "." + requestID
}

func HeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeat + "." + nodeID
}
