package chat

import (
	"sort"
	"sync"
)

// PresenceTracker holds the set of member ids currently online in one group.
// A snapshot frame replaces the whole set (authoritative); join/leave deltas
// mutate it incrementally and are idempotent.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[int64]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[int64]struct{})}
}

// ApplySnapshot replaces the online set wholesale.
func (p *PresenceTracker) ApplySnapshot(memberIDs []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = make(map[int64]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		p.online[id] = struct{}{}
	}
}

// ApplyJoin adds a member. Joining an already-present id is a no-op.
func (p *PresenceTracker) ApplyJoin(memberID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[memberID] = struct{}{}
}

// ApplyLeave removes a member. Leaving an absent id is a no-op.
func (p *PresenceTracker) ApplyLeave(memberID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, memberID)
}

// Count returns the number of members currently online.
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// IsOnline reports whether the member is currently online.
func (p *PresenceTracker) IsOnline(memberID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[memberID]
	return ok
}

// Members returns the online ids in ascending order.
func (p *PresenceTracker) Members() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
