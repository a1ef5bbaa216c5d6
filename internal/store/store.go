package store

import (
	"context"

	"github.com/0xRichardL/pool-relay/internal/domain"
)

// CheckpointStore persists the last-seen state of every account.
type CheckpointStore interface {
	LoadCheckpoints(ctx context.Context) ([]domain.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

// SessionStore persists the chat login. LoadSession returns nil, nil when
// nothing was saved yet.
type SessionStore interface {
	LoadSession(ctx context.Context) (*domain.Session, error)
	SaveSession(ctx context.Context, s domain.Session) error
}

// Backend is a durable store for both checkpoints and the chat session.
type Backend interface {
	CheckpointStore
	SessionStore
	Close() error
}
