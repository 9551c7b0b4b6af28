package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/model"
	"github.com/campuschat/internal/wire"
)

const (
	// dupSuppressionWindow bounds the (body, sender) duplicate-echo search.
	// Known false-merge risk: two genuinely distinct identical messages from
	// the same sender inside the window collapse into one entry. Kept for
	// wire compatibility with the existing server broadcast behavior.
	dupSuppressionWindow = 30 * time.Second
	// pendingFailAfter marks a Pending entry failed when no server echo
	// reconciled it in time.
	pendingFailAfter = 15 * time.Second
)

// Sender transmits an outbound frame. Satisfied by *ConnectionManager.
type Sender interface {
	Send(v any) error
}

// Identity is the local member composing messages.
type Identity struct {
	ID     int64
	Name   string
	Avatar string
}

// Reconciler owns the ordered chat log of one group. Locally composed
// messages are rendered immediately as Pending and reconciled in place
// against the eventual server echo, so the log never shows the same message
// twice and never loses the reply snapshot attached at compose time.
type Reconciler struct {
	sender   Sender
	self     Identity
	onChange func()

	failAfter time.Duration
	now       func() time.Time

	mu         sync.Mutex
	log        []*model.ChatMessage
	failTimers map[string]*time.Timer // correlation id -> pending-failure timer
	closed     bool
}

// NewReconciler creates a reconciler for one group session. onChange
// (optional) fires after every log mutation, outside the internal lock.
func NewReconciler(sender Sender, self Identity, onChange func()) *Reconciler {
	return &Reconciler{
		sender:     sender,
		self:       self,
		onChange:   onChange,
		failAfter:  pendingFailAfter,
		now:        time.Now,
		failTimers: make(map[string]*time.Timer),
	}
}

// Seed replaces the log with persisted history (oldest first). Called before
// the socket opens; entries are Confirmed.
func (r *Reconciler) Seed(history []model.ChatMessage) {
	r.mu.Lock()
	r.log = make([]*model.ChatMessage, 0, len(history))
	for i := range history {
		m := history[i]
		m.Status = model.MessageConfirmed
		r.log = append(r.log, &m)
	}
	r.mu.Unlock()
	r.notify()
}

// Compose creates a Pending entry with a fresh correlation id, appends it to
// the log and requests transmission. When the connection is not open the
// entry still renders (the user sees their draft); the transmit failure is
// not surfaced through the message itself — connectivity is reported
// separately — and the pending-failure timer marks the entry failed later.
func (r *Reconciler) Compose(body string, replyTo *model.ReplySnapshot) *model.ChatMessage {
	msg := &model.ChatMessage{
		CorrelationID: uuid.NewString(),
		SenderID:      r.self.ID,
		SenderName:    r.self.Name,
		SenderAvatar:  r.self.Avatar,
		Body:          body,
		CreatedAt:     r.now(),
		Status:        model.MessagePending,
		ReplyTo:       replyTo,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return msg
	}
	r.log = append(r.log, msg)
	corr := msg.CorrelationID
	r.failTimers[corr] = time.AfterFunc(r.failAfter, func() { r.failPending(corr) })
	r.mu.Unlock()
	r.notify()

	out := wire.ChatSend{Body: body, ClientID: msg.CorrelationID}
	if replyTo != nil {
		out.ReplyTo = &wire.Reply{
			ID:           replyTo.ServerID,
			SenderName:   replyTo.SenderName,
			SenderAvatar: replyTo.SenderAvatar,
			Body:         replyTo.Body,
			CreatedAt:    replyTo.CreatedAt,
		}
	}
	if err := r.sender.Send(out); err != nil {
		logger.Debugf("compose send: %v", err)
	}
	return msg
}

// OnChatFrame reconciles an inbound chat frame against the log:
//
//  1. A frame whose client_id matches an unconfirmed entry confirms that
//     entry in place, even when the echo deadline already marked it failed (a
//     late echo still proves delivery); the local reply snapshot wins over
//     the server's reply payload.
//  2. Otherwise a frame matching a recent entry by (body, sender name) within
//     the suppression window is a duplicate echo and is discarded.
//  3. Otherwise the frame is appended as a new Confirmed entry.
func (r *Reconciler) OnChatFrame(f *wire.ChatFrame) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	// Primary path: correlation id match.
	if f.ClientID != "" {
		for _, m := range r.log {
			if m.Status != model.MessageConfirmed && m.CorrelationID == f.ClientID {
				m.ServerID = f.ID
				m.CreatedAt = f.CreatedAt
				m.SenderName = f.SenderName
				m.SenderAvatar = f.SenderAvatar
				m.Status = model.MessageConfirmed
				if m.ReplyTo == nil && f.ReplyTo != nil {
					m.ReplyTo = replyFromWire(f.ReplyTo)
				}
				r.cancelFailTimerLocked(m.CorrelationID)
				r.mu.Unlock()
				r.notify()
				return
			}
		}
	}

	// An entry with this server id already exists: duplicate broadcast.
	if f.ID != 0 {
		for _, m := range r.log {
			if m.ServerID == f.ID {
				r.mu.Unlock()
				return
			}
		}
	}

	// Fallback: frames echoed from other connections carry no client_id; an
	// identical (body, sender) within the window is the echo of a message
	// already rendered.
	cutoff := r.now().Add(-dupSuppressionWindow)
	for i := len(r.log) - 1; i >= 0; i-- {
		m := r.log[i]
		if m.CreatedAt.Before(cutoff) {
			break
		}
		if m.Body == f.Body && m.SenderName == f.SenderName {
			r.mu.Unlock()
			return
		}
	}

	r.log = append(r.log, &model.ChatMessage{
		ServerID:     f.ID,
		SenderName:   f.SenderName,
		SenderAvatar: f.SenderAvatar,
		Body:         f.Body,
		CreatedAt:    f.CreatedAt,
		Status:       model.MessageConfirmed,
		ReplyTo:      replyFromWire(f.ReplyTo),
	})
	r.mu.Unlock()
	r.notify()
}

func replyFromWire(w *wire.Reply) *model.ReplySnapshot {
	if w == nil {
		return nil
	}
	return &model.ReplySnapshot{
		ServerID:     w.ID,
		SenderName:   w.SenderName,
		SenderAvatar: w.SenderAvatar,
		Body:         w.Body,
		CreatedAt:    w.CreatedAt,
	}
}

// failPending marks a still-Pending entry failed once the echo deadline has
// passed. The entry stays in the log; it is never silently dropped.
func (r *Reconciler) failPending(correlationID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.failTimers, correlationID)
	changed := false
	for _, m := range r.log {
		if m.CorrelationID == correlationID && m.Status == model.MessagePending {
			m.Status = model.MessageFailed
			changed = true
			break
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

func (r *Reconciler) cancelFailTimerLocked(correlationID string) {
	if t, ok := r.failTimers[correlationID]; ok {
		t.Stop()
		delete(r.failTimers, correlationID)
	}
}

// Delete removes the entry with the given server id from the log entirely
// (no tombstone). Returns false when no such entry exists.
func (r *Reconciler) Delete(serverID int64) bool {
	r.mu.Lock()
	removed := false
	for i, m := range r.log {
		if m.ServerID == serverID && serverID != 0 {
			r.log = append(r.log[:i], r.log[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()
	if removed {
		r.notify()
	}
	return removed
}

// DeleteLocal removes an unconfirmed entry by its correlation id.
func (r *Reconciler) DeleteLocal(correlationID string) bool {
	r.mu.Lock()
	removed := false
	for i, m := range r.log {
		if m.CorrelationID == correlationID {
			r.cancelFailTimerLocked(correlationID)
			r.log = append(r.log[:i], r.log[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()
	if removed {
		r.notify()
	}
	return removed
}

// Log returns a snapshot copy of the rendered log, oldest first.
func (r *Reconciler) Log() []model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ChatMessage, len(r.log))
	for i, m := range r.log {
		out[i] = *m
	}
	return out
}

// Close cancels all pending-failure timers and discards unconfirmed outbound
// state. The abandoned group's pending messages are not persisted.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.failTimers {
		t.Stop()
	}
	r.failTimers = nil
}

func (r *Reconciler) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
