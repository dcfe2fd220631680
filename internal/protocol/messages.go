package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Path routes a websocket envelope to a gateway operation.
type Path string

const (
	PathAudio        Path = "api.audio"
	PathChat         Path = "api.chat"
	PathStopSpeaking Path = "api.stopSpeaking"
	PathEvent        Path = "api.event"
	PathError        Path = "api.error"
)

var ErrUnknownPath = errors.New("unknown path")

// ClientEnvelope is the outer shape of every inbound websocket message.
type ClientEnvelope struct {
	SessionID string          `json:"clientId"`
	Path      Path            `json:"path"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AudioPayload carries one base64-encoded PCM chunk.
type AudioPayload struct {
	AudioChunk string `json:"audioChunk"`
}

// MessageData holds the user query plus an optional auxiliary structure blob
// the client wants persisted alongside the turn.
type MessageData struct {
	Query         string `json:"query"`
	StructureJSON string `json:"structureJson,omitempty"`
}

// ChatPayload carries one chat turn. UserQuery is the legacy flat form kept
// for older clients that do not nest the query under messageData.
type ChatPayload struct {
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	MessageData  MessageData `json:"messageData"`
	UserQuery    string      `json:"userQuery,omitempty"`
}

// Query returns the effective user query for the turn.
func (p ChatPayload) Query() string {
	if p.MessageData.Query != "" {
		return p.MessageData.Query
	}
	return p.UserQuery
}

// ServerMessage is the single outbound shape. Exactly one of the content
// fields is set depending on Path.
type ServerMessage struct {
	SessionID    string `json:"clientId"`
	Path         Path   `json:"path"`
	ChatResponse string `json:"chatResponse,omitempty"`
	EventType    string `json:"eventType,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ParseClientEnvelope validates the outer envelope. Payload stays raw so the
// router can decode it per path.
func ParseClientEnvelope(raw []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientEnvelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.SessionID == "" {
		return ClientEnvelope{}, errors.New("missing clientId")
	}
	if env.Path == "" {
		return ClientEnvelope{}, errors.New("missing path")
	}
	return env, nil
}

// DecodeAudio decodes an api.audio payload.
func DecodeAudio(raw json.RawMessage) (AudioPayload, error) {
	var p AudioPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return AudioPayload{}, fmt.Errorf("invalid audio payload: %w", err)
	}
	if p.AudioChunk == "" {
		return AudioPayload{}, errors.New("empty audio chunk")
	}
	return p, nil
}

// DecodeChat decodes an api.chat payload.
func DecodeChat(raw json.RawMessage) (ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ChatPayload{}, fmt.Errorf("invalid chat payload: %w", err)
	}
	if p.Query() == "" {
		return ChatPayload{}, errors.New("empty query")
	}
	return p, nil
}
