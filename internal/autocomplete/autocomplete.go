// Package autocomplete drives the reference-autocomplete pipeline: debounced,
// de-duplicated candidate lookups with stale-response protection, so a slow
// early response can never overwrite the results of a newer query.
package autocomplete

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/refparse"
	"github.com/campuschat/internal/rest"
)

// debounceDelay is how long caller input must be quiet before a request is
// issued.
const debounceDelay = 300 * time.Millisecond

// LookupFunc fetches ranked candidates for a partial query.
type LookupFunc func(ctx context.Context, entityType, query string) ([]rest.Candidate, error)

// Querier debounces and dispatches candidate lookups for in-progress
// references. Only the latest query's results are ever delivered.
type Querier struct {
	lookup    LookupFunc
	onResults func(kind refparse.Kind, query string, items []rest.Candidate)
	debounce  time.Duration

	mu           sync.Mutex
	timer        *time.Timer
	pendingKind  refparse.Kind
	pendingQuery string
	havePending  bool
	// last dispatched (kind, query) still considered current: either in
	// flight or already delivered. Cleared on cancel and on lookup failure.
	lastKind     refparse.Kind
	lastQuery    string
	haveLast     bool
	cancelFlight context.CancelFunc
	seq          uint64
	closed       bool
}

// New creates a querier. lookup performs the actual request (typically
// rest.Client.Lookup); onResults receives the winning result set.
func New(lookup LookupFunc, onResults func(refparse.Kind, string, []rest.Candidate)) *Querier {
	return &Querier{
		lookup:    lookup,
		onResults: onResults,
		debounce:  debounceDelay,
	}
}

// lookupType maps a reference kind to the API's lookup entity type.
func lookupType(kind refparse.Kind) string {
	switch kind {
	case refparse.KindMention:
		return rest.LookupUser
	case refparse.KindMaterial:
		return rest.LookupMaterial
	default:
		return rest.LookupTopic
	}
}

// Query schedules a lookup for (kind, query) after the debounce delay.
// Repeating the query already pending, in flight or last delivered is a
// no-op; a different query cancels the in-flight request immediately and
// invalidates its response.
func (q *Querier) Query(kind refparse.Kind, query string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.havePending && q.pendingKind == kind && q.pendingQuery == query {
		return
	}
	if q.haveLast && q.lastKind == kind && q.lastQuery == query && !q.havePending {
		return
	}
	if q.cancelFlight != nil {
		q.cancelFlight()
		q.cancelFlight = nil
		q.seq++ // the superseded response must never be delivered
	}
	q.pendingKind, q.pendingQuery, q.havePending = kind, query, true
	if q.timer == nil {
		q.timer = time.AfterFunc(q.debounce, q.fire)
	} else {
		q.timer.Reset(q.debounce)
	}
}

func (q *Querier) fire() {
	q.mu.Lock()
	if q.closed || !q.havePending {
		q.mu.Unlock()
		return
	}
	kind, query := q.pendingKind, q.pendingQuery
	q.havePending = false

	ctx, cancel := context.WithCancel(context.Background())
	q.cancelFlight = cancel
	q.lastKind, q.lastQuery, q.haveLast = kind, query, true
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	go q.run(ctx, seq, kind, query)
}

func (q *Querier) run(ctx context.Context, seq uint64, kind refparse.Kind, query string) {
	items, err := q.lookup(ctx, lookupType(kind), query)

	q.mu.Lock()
	if q.closed || seq != q.seq {
		// A newer query superseded this one: discard silently.
		q.mu.Unlock()
		return
	}
	q.cancelFlight = nil
	if err != nil {
		q.haveLast = false // the same query may be re-issued after a failure
	}
	q.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Debugf("autocomplete %s %q: %v", kind, query, err)
		}
		return
	}
	if q.onResults != nil {
		q.onResults(kind, query, items)
	}
}

// Cancel drops the pending debounce and aborts any in-flight request. Called
// when no reference is active at the cursor anymore and on group switch.
func (q *Querier) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelLocked()
}

func (q *Querier) cancelLocked() {
	q.havePending = false
	q.haveLast = false
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.cancelFlight != nil {
		q.cancelFlight()
		q.cancelFlight = nil
	}
	q.seq++ // invalidate any response still racing in
}

// Close cancels everything; the querier accepts no further queries.
func (q *Querier) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.cancelLocked()
	q.closed = true
}
