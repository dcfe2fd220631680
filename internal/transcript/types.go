package transcript

import (
	"context"
	"time"
)

// TurnRecord stores one completed chat turn, user query and spoken reply.
type TurnRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Voice         string    `json:"voice"`
	PIIRedacted   bool      `json:"pii_redacted"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
