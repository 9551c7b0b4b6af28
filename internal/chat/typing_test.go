package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signalRecorder collects outbound typing signals.
type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) send(isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, isTyping)
}

func (r *signalRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.signals))
	copy(out, r.signals)
	return out
}

func TestTypingBurstSendsOnePair(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(rec.send, nil)
	tc.stopDelay = 30 * time.Millisecond
	defer tc.Close()

	for i := 0; i < 10; i++ {
		tc.OnLocalActivity()
	}
	assert.Equal(t, []bool{true}, rec.snapshot())

	require.Eventually(t, func() bool {
		s := rec.snapshot()
		return len(s) == 2 && !s[1]
	}, time.Second, 5*time.Millisecond)

	// A new burst after the stop starts a fresh pair.
	tc.OnLocalActivity()
	assert.Equal(t, []bool{true, false, true}, rec.snapshot())
}

func TestTypingActivityPushesStopBack(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(rec.send, nil)
	tc.stopDelay = 50 * time.Millisecond
	defer tc.Close()

	tc.OnLocalActivity()
	time.Sleep(30 * time.Millisecond)
	tc.OnLocalActivity() // resets the stop timer
	time.Sleep(30 * time.Millisecond)
	// 60ms since the first keystroke but only 30ms since the last: no stop yet.
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestTypingSignalsAlternate(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(rec.send, nil)
	tc.stopDelay = time.Millisecond
	defer tc.Close()

	// Keystrokes paced around the stop delay so stop signals fire mid-burst.
	// A stale "false" must never trail the "true" of a newer burst.
	for i := 0; i < 200; i++ {
		tc.OnLocalActivity()
		time.Sleep(500 * time.Microsecond)
	}
	time.Sleep(20 * time.Millisecond)

	s := rec.snapshot()
	require.NotEmpty(t, s)
	assert.True(t, s[0])
	for i := 1; i < len(s); i++ {
		assert.NotEqual(t, s[i-1], s[i], "signal %d repeats the previous one", i)
	}
}

func TestTypingRemoteExpiry(t *testing.T) {
	var mu sync.Mutex
	changes := 0
	tc := NewTypingCoordinator(func(bool) {}, func() {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	tc.expiry = 40 * time.Millisecond
	defer tc.Close()

	tc.OnRemoteTyping(2, "Bob", true)
	assert.Equal(t, 1, tc.TypingCount())
	assert.Equal(t, "Bob is typing…", tc.Label())

	// No explicit stop signal: the entry expires on its own.
	require.Eventually(t, func() bool { return tc.TypingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "", tc.Label())
	mu.Lock()
	assert.Equal(t, 2, changes)
	mu.Unlock()
}

func TestTypingRemoteStopRemovesImmediately(t *testing.T) {
	tc := NewTypingCoordinator(func(bool) {}, nil)
	defer tc.Close()

	tc.OnRemoteTyping(2, "Bob", true)
	tc.OnRemoteTyping(2, "Bob", false)
	assert.Equal(t, 0, tc.TypingCount())

	// Stop for an unknown member is a no-op.
	tc.OnRemoteTyping(3, "Carol", false)
	assert.Equal(t, 0, tc.TypingCount())
}

func TestTypingRefreshKeepsSingleEntry(t *testing.T) {
	tc := NewTypingCoordinator(func(bool) {}, nil)
	defer tc.Close()

	tc.OnRemoteTyping(2, "Bob", true)
	tc.OnRemoteTyping(2, "Bob", true)
	assert.Equal(t, 1, tc.TypingCount())
}

func TestTypingLabel(t *testing.T) {
	tc := NewTypingCoordinator(func(bool) {}, nil)
	defer tc.Close()

	assert.Equal(t, "", tc.Label())
	tc.OnRemoteTyping(1, "Alice", true)
	assert.Equal(t, "Alice is typing…", tc.Label())
	tc.OnRemoteTyping(2, "Bob", true)
	assert.Equal(t, "Alice and Bob are typing…", tc.Label())
	tc.OnRemoteTyping(3, "Carol", true)
	assert.Equal(t, "Alice, Bob and others are typing…", tc.Label())
}

func TestTypingCloseStopsSignals(t *testing.T) {
	rec := &signalRecorder{}
	tc := NewTypingCoordinator(rec.send, nil)
	tc.stopDelay = 20 * time.Millisecond

	tc.OnLocalActivity()
	tc.Close()
	time.Sleep(60 * time.Millisecond)
	// The trailing "false" must not fire into a closed coordinator.
	assert.Equal(t, []bool{true}, rec.snapshot())

	tc.OnRemoteTyping(2, "Bob", true)
	assert.Equal(t, 0, tc.TypingCount())
}
