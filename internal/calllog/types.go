package calllog

import (
	"context"
	"time"
)

// Turn is one caller utterance or assistant reply within a call.
type Turn struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid"`
	Caller    string    `json:"caller"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// Store persists call transcripts.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	CallHistory(ctx context.Context, callSID string, limit int) ([]Turn, error)
	Close() error
}
