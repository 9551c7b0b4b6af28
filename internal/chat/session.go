package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campuschat/internal/autocomplete"
	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/model"
	"github.com/campuschat/internal/refparse"
	"github.com/campuschat/internal/rest"
	"github.com/campuschat/internal/wire"
)

// historySeedLimit is how many persisted messages seed the log on open.
const historySeedLimit = 50

// ErrNoGroup is returned for operations that need an open group session.
var ErrNoGroup = errors.New("chat: no group open")

// Events are the observer callbacks of a session. Single consumer per stream;
// callbacks run on the session's dispatch goroutines and must not block.
type Events struct {
	// OnLogChanged fires after any chat-log mutation (append, reconcile,
	// delete, seed).
	OnLogChanged func()
	// OnConnected reports the connectivity flag: false once per failure,
	// true on every successful (re)open.
	OnConnected func(connected bool)
	// OnPresenceChanged fires when the online set changes.
	OnPresenceChanged func()
	// OnTypingChanged fires when the remote-typing display set changes.
	OnTypingChanged func()
	// OnSuggestions delivers autocomplete candidates for the latest query.
	OnSuggestions func(kind refparse.Kind, query string, items []rest.Candidate)
}

// Session wires the whole client subsystem for one group view: it owns the
// connection, the chat log, presence, typing and the autocomplete pipeline.
// Switching groups tears the previous connection down before the new one
// opens; the two are never concurrently live.
//
// The session is created by the view that needs it and must be Closed on
// teardown; nothing here is ambient or global.
type Session struct {
	self   Identity
	api    *rest.Client
	events Events
	conn   *ConnectionManager
	sugg   *autocomplete.Querier

	mu        sync.Mutex
	groupID   int64
	opened    bool
	rec       *Reconciler
	pres      *PresenceTracker
	typ       *TypingCoordinator
	connected bool
	closed    bool
}

// NewSession creates a session dialing the socket at wsURL and seeding
// history through api (nil disables seeding).
func NewSession(wsURL string, api *rest.Client, self Identity, events Events) *Session {
	s := &Session{
		self:   self,
		api:    api,
		events: events,
	}
	s.conn = NewConnectionManager(wsURL, s.handleFrame, s.handleState)
	var lookup autocomplete.LookupFunc
	if api != nil {
		lookup = api.Lookup
	} else {
		lookup = func(context.Context, string, string) ([]rest.Candidate, error) { return nil, nil }
	}
	s.sugg = autocomplete.New(lookup, events.OnSuggestions)
	return s
}

// Open opens (or switches to) a group. Any prior group's connection attempt,
// autocomplete requests, typing timers and unconfirmed pending messages are
// cancelled and discarded first.
func (s *Session) Open(ctx context.Context, groupID int64, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("chat: session closed")
	}
	if s.opened && s.groupID == groupID && s.conn.State() == StateOpen {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.opened
	oldRec, oldTyp := s.rec, s.typ
	s.mu.Unlock()

	// Tear the previous group down completely before touching shared state:
	// no frame from the old connection may reach the new components.
	if wasOpen {
		s.conn.Close()
		s.sugg.Cancel()
		if oldRec != nil {
			oldRec.Close()
		}
		if oldTyp != nil {
			oldTyp.Close()
		}
	}

	rec := NewReconciler(s.conn, s.self, s.events.OnLogChanged)
	typ := NewTypingCoordinator(s.sendTyping, s.events.OnTypingChanged)
	pres := NewPresenceTracker()

	s.mu.Lock()
	s.groupID = groupID
	s.opened = true
	s.rec, s.typ, s.pres = rec, typ, pres
	s.mu.Unlock()

	if s.api != nil {
		history, err := s.api.History(ctx, groupID, historySeedLimit)
		if err != nil {
			// Degraded: an empty log, the socket stream still works.
			logger.Errorf("history seed group=%d: %v", groupID, err)
		} else {
			rec.Seed(historyMessages(history))
		}
	}

	s.conn.Open(groupID, token)
	return nil
}

func historyMessages(frames []wire.ChatFrame) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(frames))
	for i := range frames {
		f := frames[i]
		out = append(out, model.ChatMessage{
			ServerID:     f.ID,
			SenderName:   f.SenderName,
			SenderAvatar: f.SenderAvatar,
			Body:         f.Body,
			CreatedAt:    f.CreatedAt,
			ReplyTo:      replyFromWire(f.ReplyTo),
		})
	}
	return out
}

// SendMessage composes and transmits a message, returning the immediately
// rendered Pending entry.
func (s *Session) SendMessage(body string, replyTo *model.ReplySnapshot) (*model.ChatMessage, error) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return nil, ErrNoGroup
	}
	return rec.Compose(body, replyTo), nil
}

// DeleteMessage removes a confirmed entry from the rendered log entirely.
func (s *Session) DeleteMessage(serverID int64) bool {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return false
	}
	return rec.Delete(serverID)
}

// UpdateComposer reports composer state after a keystroke: it emits the
// rate-limited typing signal, runs active-reference detection at the cursor
// and feeds (or cancels) the autocomplete pipeline accordingly.
func (s *Session) UpdateComposer(text string, cursor int) (refparse.Active, bool) {
	s.mu.Lock()
	typ := s.typ
	s.mu.Unlock()
	if typ != nil {
		typ.OnLocalActivity()
	}

	active, ok := refparse.ActiveAt(text, cursor)
	if ok {
		s.sugg.Query(active.Kind, active.Query)
	} else {
		s.sugg.Cancel()
	}
	return active, ok
}

// Log returns a snapshot of the rendered chat log.
func (s *Session) Log() []model.ChatMessage {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Log()
}

// Presence returns the session's presence tracker (nil before Open).
func (s *Session) Presence() *PresenceTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres
}

// TypingLabel renders the current "… is typing" line.
func (s *Session) TypingLabel() string {
	s.mu.Lock()
	typ := s.typ
	s.mu.Unlock()
	if typ == nil {
		return ""
	}
	return typ.Label()
}

// Connected reports the connectivity flag shown by the status indicator.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnState exposes the underlying connection state.
func (s *Session) ConnState() ConnState {
	return s.conn.State()
}

func (s *Session) sendTyping(isTyping bool) {
	if err := s.conn.Send(wire.NewTypingSend(isTyping)); err != nil {
		logger.Debugf("typing send: %v", err)
	}
}

// handleFrame fans one inbound frame out to the owning component. Frames
// arrive strictly in order from the connection's single reader.
func (s *Session) handleFrame(raw []byte) {
	in, err := wire.Decode(raw)
	if err != nil {
		logger.Errorf("inbound frame: %v", err)
		return
	}

	s.mu.Lock()
	rec, pres, typ := s.rec, s.pres, s.typ
	s.mu.Unlock()
	if rec == nil {
		return
	}

	switch {
	case in.Chat != nil:
		rec.OnChatFrame(in.Chat)
	case in.Snapshot != nil:
		ids := make([]int64, 0, len(in.Snapshot.Users))
		for _, u := range in.Snapshot.Users {
			ids = append(ids, u.ID)
		}
		pres.ApplySnapshot(ids)
		s.notifyPresence()
	case in.Presence != nil:
		switch in.Presence.Action {
		case wire.ActionJoin:
			pres.ApplyJoin(in.Presence.User.ID)
		case wire.ActionLeave:
			pres.ApplyLeave(in.Presence.User.ID)
		}
		s.notifyPresence()
	case in.Typing != nil:
		if in.Typing.User.ID != s.self.ID {
			typ.OnRemoteTyping(in.Typing.User.ID, in.Typing.User.Name, in.Typing.IsTyping)
		}
	}
}

func (s *Session) notifyPresence() {
	if s.events.OnPresenceChanged != nil {
		s.events.OnPresenceChanged()
	}
}

func (s *Session) handleState(sc StateChange) {
	s.mu.Lock()
	var notify func(bool)
	switch sc.State {
	case StateOpen:
		s.connected = true
		notify = s.events.OnConnected
	case StateClosed:
		s.connected = false
		notify = s.events.OnConnected
	case StateIdle:
		// Explicit close or exhausted retries; the flag is already down
		// for the failure case and silent for the caller-initiated one.
		s.connected = false
	}
	s.mu.Unlock()

	if notify != nil {
		notify(sc.State == StateOpen)
	}
	if sc.Reason != nil {
		logger.Debugf("conn closed: %v", sc.Reason)
	} else {
		logger.Debugf("conn state: %s", sc.State)
	}
}

// Close tears the whole session down: socket, timers, in-flight autocomplete
// and unconfirmed pending messages. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rec, typ := s.rec, s.typ
	s.mu.Unlock()

	s.conn.Close()
	s.sugg.Close()
	if rec != nil {
		rec.Close()
	}
	if typ != nil {
		typ.Close()
	}
}

// waitState is a small helper for tests and callers that need to observe a
// settled connection state.
func (s *Session) waitState(want ConnState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.conn.State() == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.conn.State() == want
}
