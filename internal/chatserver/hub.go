// Package chatserver implements the development group-chat server: the same
// wire protocol the production backend speaks, backed by a pluggable message
// store. Used for local development and integration tests.
package chatserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/campuschat/internal/chatserver/store"
	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/model"
	"github.com/campuschat/internal/wire"
)

type Hub struct {
	mu       sync.RWMutex
	groups   map[int64]map[*Client]struct{}
	total    int
	maxConns int
	msgStore store.MessageStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(msgStore store.MessageStore, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		groups:     make(map[int64]map[*Client]struct{}),
		maxConns:   maxConns,
		msgStore:   msgStore,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.groups {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.groups = make(map[int64]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%d", h.maxConns, c.user.ID)
		c.Close()
		return
	}
	if _, ok := h.groups[c.groupID]; !ok {
		h.groups[c.groupID] = make(map[*Client]struct{})
	}
	wasOnline := h.userOnlineLocked(c.groupID, c.user.ID)
	h.groups[c.groupID][c] = struct{}{}
	h.total++
	users := h.onlineUsersLocked(c.groupID)
	h.mu.Unlock()

	// The joiner gets the authoritative snapshot; everyone else a join delta.
	h.sendToClient(c, wire.SnapshotFrame{Type: wire.FrameSnapshot, Users: users})
	if !wasOnline {
		h.broadcast(c.groupID, wire.PresenceFrame{
			Type: wire.FramePresence, Action: wire.ActionJoin, User: c.user,
		}, c)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.groups[c.groupID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.groups, c.groupID)
	}
	stillOnline := h.userOnlineLocked(c.groupID, c.user.ID)
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if !stillOnline {
		h.broadcast(c.groupID, wire.PresenceFrame{
			Type: wire.FramePresence, Action: wire.ActionLeave, User: c.user,
		}, nil)
	}
}

// userOnlineLocked reports whether any connection of the user remains in the
// group. Caller holds h.mu.
func (h *Hub) userOnlineLocked(groupID, userID int64) bool {
	for c := range h.groups[groupID] {
		if c.user.ID == userID {
			return true
		}
	}
	return false
}

// onlineUsersLocked returns the distinct users of a group. Caller holds h.mu.
func (h *Hub) onlineUsersLocked(groupID int64) []model.User {
	seen := make(map[int64]struct{}, len(h.groups[groupID]))
	users := make([]model.User, 0, len(h.groups[groupID]))
	for c := range h.groups[groupID] {
		if _, ok := seen[c.user.ID]; ok {
			continue
		}
		seen[c.user.ID] = struct{}{}
		users = append(users, c.user)
	}
	return users
}

// HandleFrame dispatches one frame read from a member connection. Frames with
// type "typing" are control frames; everything else is a chat send.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, raw []byte) {
	var head struct {
		Type wire.FrameType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		logger.Errorf("ws unmarshal user=%d: %v", c.user.ID, err)
		return
	}
	switch head.Type {
	case wire.FrameTyping:
		h.handleTyping(c, raw)
	default:
		h.handleChat(ctx, c, raw)
	}
}

func (h *Hub) handleTyping(c *Client, raw []byte) {
	var in wire.TypingSend
	if err := json.Unmarshal(raw, &in); err != nil {
		logger.Errorf("ws typing unmarshal user=%d: %v", c.user.ID, err)
		return
	}
	h.broadcast(c.groupID, wire.TypingFrame{
		Type: wire.FrameTyping, User: c.user, IsTyping: in.IsTyping,
	}, c)
}

func (h *Hub) handleChat(ctx context.Context, c *Client, raw []byte) {
	defer logger.DeferLogDuration("hub.handleChat", time.Now())()
	var in wire.ChatSend
	if err := json.Unmarshal(raw, &in); err != nil {
		logger.Errorf("ws chat unmarshal user=%d: %v", c.user.ID, err)
		return
	}
	if in.Body == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out := wire.ChatFrame{
		SenderName: c.user.Name,
		Body:       in.Body,
		CreatedAt:  time.Now().UTC(),
		ReplyTo:    in.ReplyTo,
	}
	id, err := h.msgStore.Append(ctx, c.groupID, out)
	if err != nil {
		logger.Errorf("ws save message group=%d user=%d: %v", c.groupID, c.user.ID, err)
		return
	}
	out.ID = id

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[c.groupID]))
	for member := range h.groups[c.groupID] {
		targets = append(targets, member)
	}
	h.mu.RUnlock()

	for _, member := range targets {
		echo := out
		// The correlation id goes back only on the sender's own connection;
		// other members never see it.
		if member == c {
			echo.ClientID = in.ClientID
		}
		h.sendToClient(member, echo)
	}
}

// broadcast sends a frame to every connection of the group except skip.
func (h *Hub) broadcast(groupID int64, msg any, skip *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.groups[groupID]))
	for c := range h.groups[groupID] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg any) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%d", c.user.ID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
