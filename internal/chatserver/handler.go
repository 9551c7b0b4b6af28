package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/campuschat/internal/chatserver/directory"
	"github.com/campuschat/internal/chatserver/store"
	"github.com/campuschat/internal/logger"
	"github.com/campuschat/internal/middleware"
	"github.com/campuschat/internal/model"
)

// Handler serves the dev server's HTTP surface: the socket endpoint, the
// history endpoint and the autocomplete lookup endpoint.
type Handler struct {
	hub            *Hub
	msgStore       store.MessageStore
	dir            *directory.Directory
	allowedOrigins string
}

func NewHandler(hub *Hub, msgStore store.MessageStore, dir *directory.Directory, allowedOrigins string) *Handler {
	return &Handler{
		hub:            hub,
		msgStore:       msgStore,
		dir:            dir,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

// Router builds the chi router with the standard middleware chain.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	origins := h.allowedOrigins
	if origins == "" {
		origins = "*"
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{origins},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RateLimitAPI)
		api.Get("/lookup", h.Lookup)
		api.Get("/groups/{groupID}/messages", h.History)
	})
	r.Get("/ws", h.ServeWS)
	return r
}

// parseToken decodes the dev auth token: "<id>:<name>". The production
// backend validates real session tokens; the dev server only needs an
// identity to attribute frames to.
func parseToken(token string) (model.User, error) {
	id, name, ok := strings.Cut(token, ":")
	if !ok || name == "" {
		return model.User{}, errors.New("malformed token")
	}
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil || uid <= 0 {
		return model.User{}, errors.New("malformed token")
	}
	return model.User{ID: uid, Name: name}, nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades a member connection. The group id and auth token arrive as
// query parameters.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(r.URL.Query().Get("group"), 10, 64)
	if err != nil || groupID <= 0 {
		http.Error(w, "bad group", http.StatusBadRequest)
		return
	}
	user, err := parseToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(h.hub, conn, groupID, user)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

// History returns the most recent messages of a group, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil || groupID <= 0 {
		respondError(w, http.StatusBadRequest, "bad group")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	msgs, err := h.msgStore.Recent(r.Context(), groupID, limit)
	if err != nil {
		logger.Errorf("history group=%d: %v", groupID, err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

// Lookup serves ranked autocomplete candidates.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	query := r.URL.Query().Get("q")
	if entityType == "" {
		respondError(w, http.StatusBadRequest, "type required")
		return
	}
	respondJSON(w, http.StatusOK, h.dir.Lookup(entityType, query))
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("respond json: %v", err)
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
