// Package store persists group-chat history for the dev server and assigns
// server message ids. Backends: memory (default, tests), redis, postgres.
package store

import (
	"context"
	"errors"

	"github.com/campuschat/internal/wire"
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("store: not found")

// MessageStore appends chat messages and serves recent history, oldest first.
// Append assigns and returns the server message id.
type MessageStore interface {
	Append(ctx context.Context, groupID int64, msg wire.ChatFrame) (int64, error)
	Recent(ctx context.Context, groupID int64, limit int) ([]wire.ChatFrame, error)
	Close() error
}
