package chat

import (
	"fmt"
	"sync"
	"time"
)

const (
	// typingStopDelay is how long after the last keystroke the outbound
	// "stopped typing" signal fires; it is also the send window that
	// collapses a burst of keystrokes into one true/false pair per pause.
	typingStopDelay = 1500 * time.Millisecond
	// typingExpiry clears a remote member's typing entry after silence.
	typingExpiry = 4 * time.Second
)

type typingEntry struct {
	id    int64
	name  string
	timer *time.Timer
}

// TypingCoordinator converts local keystroke activity into rate-limited
// outbound typing signals and inbound typing signals into a self-expiring
// display set.
type TypingCoordinator struct {
	// sendMu keeps outbound signals in the order of the state transitions
	// that produced them. Acquired before mu, released after the send.
	sendMu    sync.Mutex
	mu        sync.Mutex
	send      func(isTyping bool)
	onChange  func()
	stopDelay time.Duration
	expiry    time.Duration

	active    bool // an outbound "true" is outstanding
	stopTimer *time.Timer

	entries []*typingEntry // insertion order, drives the label
	closed  bool
}

// NewTypingCoordinator creates a coordinator. send transmits an outbound
// typing frame; onChange (optional) fires whenever the display set changes.
func NewTypingCoordinator(send func(isTyping bool), onChange func()) *TypingCoordinator {
	return &TypingCoordinator{
		send:      send,
		onChange:  onChange,
		stopDelay: typingStopDelay,
		expiry:    typingExpiry,
	}
}

// OnLocalActivity records a local keystroke. The first call of a burst sends
// "typing=true"; further calls only push back the trailing "typing=false",
// which fires after stopDelay of silence.
func (t *TypingCoordinator) OnLocalActivity() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	sendStart := !t.active
	t.active = true
	if t.stopTimer == nil {
		t.stopTimer = time.AfterFunc(t.stopDelay, t.fireStop)
	} else {
		t.stopTimer.Reset(t.stopDelay)
	}
	t.mu.Unlock()

	if sendStart {
		t.send(true)
	}
}

func (t *TypingCoordinator) fireStop() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.closed || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()
	t.send(false)
}

// OnRemoteTyping applies a typing signal from another member. true inserts or
// refreshes the entry and restarts its expiry timer; false removes it
// immediately and cancels the timer.
func (t *TypingCoordinator) OnRemoteTyping(memberID int64, name string, isTyping bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := false
	if isTyping {
		if e := t.find(memberID); e != nil {
			e.name = name
			e.timer.Reset(t.expiry)
		} else {
			e := &typingEntry{id: memberID, name: name}
			e.timer = time.AfterFunc(t.expiry, func() { t.expire(memberID) })
			t.entries = append(t.entries, e)
			changed = true
		}
	} else {
		changed = t.removeLocked(memberID)
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

func (t *TypingCoordinator) expire(memberID int64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	changed := t.removeLocked(memberID)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

func (t *TypingCoordinator) find(memberID int64) *typingEntry {
	for _, e := range t.entries {
		if e.id == memberID {
			return e
		}
	}
	return nil
}

func (t *TypingCoordinator) removeLocked(memberID int64) bool {
	for i, e := range t.entries {
		if e.id == memberID {
			e.timer.Stop()
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (t *TypingCoordinator) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}

// TypingCount returns the number of members currently shown as typing.
func (t *TypingCoordinator) TypingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Label renders the human-readable typing line for the current set.
func (t *TypingCoordinator) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch len(t.entries) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", t.entries[0].name)
	case 2:
		return fmt.Sprintf("%s and %s are typing…", t.entries[0].name, t.entries[1].name)
	default:
		return fmt.Sprintf("%s, %s and others are typing…", t.entries[0].name, t.entries[1].name)
	}
}

// Close cancels every timer. No further signals are sent or accepted; timers
// already set must never fire into a torn-down session.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	for _, e := range t.entries {
		e.timer.Stop()
	}
	t.entries = nil
}
