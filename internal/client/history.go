package client

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/inercia/storyplay/internal/protocol"
)

// DefaultHistoryLimit is the number of turns requested on every open.
const DefaultHistoryLimit = 50

// Following modes of an adventure preset.
const (
	FollowingLoose       = "LOOSE"
	FollowingStrict      = "STRICT"
	FollowingInspiration = "INSPIRATION"
)

// SessionMeta describes the session for display purposes.
type SessionMeta struct {
	Name          string
	AdventureName string
	FollowingMode string
}

// Merge returns m with the non-empty fields of other applied on top.
func (m SessionMeta) Merge(other SessionMeta) SessionMeta {
	if other.Name != "" {
		m.Name = other.Name
	}
	if other.AdventureName != "" {
		m.AdventureName = other.AdventureName
	}
	if other.FollowingMode != "" {
		m.FollowingMode = other.FollowingMode
	}
	return m
}

// FreshStartMessage is the placeholder shown for a session without history.
func FreshStartMessage(meta SessionMeta) string {
	var b strings.Builder
	b.WriteString("This seems to be a fresh start.")
	if meta.AdventureName != "" {
		mode := meta.FollowingMode
		if mode == "" {
			mode = FollowingLoose
		}
		var how string
		switch strings.ToUpper(mode) {
		case FollowingLoose:
			how = "using it as inspiration"
		case FollowingStrict:
			how = "following it closely"
		case FollowingInspiration:
			how = "referencing it when you ask"
		default:
			how = strings.ToLower(mode)
		}
		fmt.Fprintf(&b, " You'll be playing %s, %s.", meta.AdventureName, how)
	}
	b.WriteString(" Ready to play?")
	return b.String()
}

// HistoryLoader requests and replays past turns every time a connection opens.
type HistoryLoader struct {
	renderer Renderer
	logger   *slog.Logger
	limit    int
	replayed bool
}

// NewHistoryLoader creates a loader requesting at most limit turns.
// A non-positive limit uses DefaultHistoryLimit.
func NewHistoryLoader(r Renderer, limit int, logger *slog.Logger) *HistoryLoader {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryLoader{renderer: r, logger: logger, limit: limit}
}

// Request returns the history request to send and marks the replay pending.
func (h *HistoryLoader) Request() protocol.HistoryRequest {
	h.replayed = false
	return protocol.HistoryRequest{Limit: h.limit}
}

// Replay replaces the rendered view with turns. An empty history renders
// a single fresh-start placeholder instead.
func (h *HistoryLoader) Replay(turns []protocol.Turn, meta SessionMeta) {
	h.renderer.Reset()
	h.replayed = true

	if len(turns) == 0 {
		h.logger.Debug("Empty history, showing fresh start")
		h.renderer.AppendNotice(NoticeFreshStart, FreshStartMessage(meta))
		return
	}

	h.logger.Debug("Replaying history", "turns", len(turns))
	for i, turn := range turns {
		switch turn.Role {
		case protocol.RoleUser:
			h.renderer.AppendUser(turn.Content, OriginHistory)
		case protocol.RoleAssistant:
			h.renderer.AppendAssistant(turn.Display())
		default:
			h.logger.Warn("Skipping history turn with unknown role", "index", i, "role", turn.Role)
		}
	}
}

// Replayed reports whether history was replayed since the last Request.
func (h *HistoryLoader) Replayed() bool {
	return h.replayed
}

// Limit returns the number of turns requested.
func (h *HistoryLoader) Limit() int {
	return h.limit
}
