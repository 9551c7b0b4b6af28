// Package memory is the in-memory MessageStore used by tests and -dev runs
// without external storage.
package memory

import (
	"context"
	"sync"

	"github.com/campuschat/internal/wire"
)

const maxPerGroup = 500

type Store struct {
	mu     sync.RWMutex
	nextID int64
	groups map[int64][]wire.ChatFrame
}

func New() *Store {
	return &Store{groups: make(map[int64][]wire.ChatFrame)}
}

func (s *Store) Close() error { return nil }

func (s *Store) Append(ctx context.Context, groupID int64, msg wire.ChatFrame) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	msg.ClientID = "" // correlation ids are never persisted
	msgs := append(s.groups[groupID], msg)
	if len(msgs) > maxPerGroup {
		msgs = msgs[len(msgs)-maxPerGroup:]
	}
	s.groups[groupID] = msgs
	return msg.ID, nil
}

func (s *Store) Recent(ctx context.Context, groupID int64, limit int) ([]wire.ChatFrame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.groups[groupID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]wire.ChatFrame, len(msgs))
	copy(out, msgs)
	return out, nil
}
