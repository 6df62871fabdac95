package surface

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/media"
)

// Prefix is the path the surface is mounted on.
const Prefix = "/surface/"

// Entry describes one attached session.
type Entry struct {
	SessionID  string    `json:"session_id"`
	AttachedAt time.Time `json:"attached_at"`
	State      string    `json:"state"`
	Type       string    `json:"type,omitempty"`
	Size       int       `json:"size"`
}

type entry struct {
	attachedAt time.Time
	source     media.Source
}

// HTTP is a playback surface that serves bound sources over HTTP. Each
// session gets a player at Prefix+sessionID once a source is bound.
type HTTP struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *slog.Logger
	clock   func() time.Time
}

func New(log *slog.Logger) *HTTP {
	return &HTTP{
		entries: make(map[string]*entry),
		log:     log.With(slog.String("component", "surface")),
		clock:   time.Now,
	}
}

func (h *HTTP) Attach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[sessionID]; ok {
		return
	}
	h.entries[sessionID] = &entry{attachedAt: h.clock().UTC()}
}

// Bind replaces the session's source and opens it.
func (h *HTTP) Bind(sessionID string, src media.Source) {
	h.mu.Lock()
	e, ok := h.entries[sessionID]
	if !ok {
		e = &entry{attachedAt: h.clock().UTC()}
		h.entries[sessionID] = e
	}
	e.source = src
	h.mu.Unlock()
	src.Open()
	h.log.Debug("source bound", slog.String("session_id", sessionID))
}

func (h *HTTP) Detach(sessionID string) {
	h.mu.Lock()
	delete(h.entries, sessionID)
	h.mu.Unlock()
}

// Entries lists attached sessions, oldest first.
func (h *HTTP) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, len(h.entries))
	for id, e := range h.entries {
		item := Entry{SessionID: id, AttachedAt: e.attachedAt, State: "attached"}
		if e.source != nil {
			item.State = e.source.ReadyState()
			item.Type = e.source.Type()
			item.Size = len(e.source.Buffered())
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(Prefix, "/")), "/")
	if id == "" {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.Entries()); err != nil {
			h.log.Warn("failed to encode surface listing", slog.String("error", err.Error()))
		}
		return
	}

	h.mu.RLock()
	e, ok := h.entries[id]
	var src media.Source
	var attachedAt time.Time
	if ok {
		src = e.source
		attachedAt = e.attachedAt
	}
	h.mu.RUnlock()

	switch {
	case !ok:
		http.NotFound(w, r)
	case src == nil || src.ReadyState() != "ended":
		// still recording or not yet bound
		w.Header().Set("Retry-After", "1")
		http.Error(w, "playback not ready", http.StatusConflict)
	default:
		w.Header().Set("Content-Type", src.Type())
		http.ServeContent(w, r, "", attachedAt, bytes.NewReader(src.Buffered()))
	}
}
