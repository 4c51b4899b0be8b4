// Package playtest is an in-process story server speaking the storyplay
// wire protocol. It backs the integration tests and the `storyplay playtest`
// command, so the client can be exercised without the real narrator.
package playtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inercia/storyplay/internal/client"
	"github.com/inercia/storyplay/internal/conversion"
	"github.com/inercia/storyplay/internal/logging"
	"github.com/inercia/storyplay/internal/protocol"
	"github.com/inercia/storyplay/internal/store"
)

// ErrReplyInProgress is reported to a connection that submits an action
// while the narrator is still answering the previous one.
var ErrReplyInProgress = errors.New("a reply is already in progress")

// Story is the metadata of one story thread.
type Story struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	AdventureName string    `json:"adventureName,omitempty"`
	FollowingMode string    `json:"followingMode,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Info converts the story to its REST representation.
func (s Story) Info() client.StoryInfo {
	info := client.StoryInfo{
		ID:            s.ID,
		Name:          s.Name,
		AdventureName: s.AdventureName,
		FollowingMode: s.FollowingMode,
	}
	if !s.CreatedAt.IsZero() {
		info.CreatedAt = s.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !s.UpdatedAt.IsZero() {
		info.UpdatedAt = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return info
}

// Config configures a Server.
type Config struct {
	// Responder answers user actions. Default: EchoNarrator.
	Responder Responder

	// Converter renders reply markdown to HTML. Default: conversion.DefaultConverter().
	Converter *conversion.Converter

	// Store persists stories and their turns. Optional.
	Store store.KV

	// FragmentDelay is the pause between streamed fragments.
	FragmentDelay time.Duration

	// WebSocket limits. Zero fields use DefaultWebSocketConfig.
	WebSocket WebSocketConfig

	// AccessLog records every request. Optional.
	AccessLog *AccessLogger

	// Logger is the base logger. Default: logging.Server().
	Logger *slog.Logger
}

// storyState is the live state of one story. Guarded by its own mutex.
type storyState struct {
	mu       sync.Mutex
	story    Story
	turns    []protocol.Turn
	peers    map[string]*peer
	replying bool
}

// persisted is the stored form of a story.
type persisted struct {
	Story Story           `json:"story"`
	Turns []protocol.Turn `json:"turns"`
}

// Server serves story sessions over WebSocket plus the story REST API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stories map[string]*storyState
	closed  bool
}

// NewServer creates a Server. Call Close to release it.
func NewServer(cfg Config) *Server {
	if cfg.Responder == nil {
		cfg.Responder = EchoNarrator
	}
	if cfg.Converter == nil {
		cfg.Converter = conversion.DefaultConverter()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Server()
	}
	cfg.WebSocket = cfg.WebSocket.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		ctx:     ctx,
		cancel:  cancel,
		stories: make(map[string]*storyState),
	}

	s.mux.HandleFunc("GET /ws/story/{session}", s.handleStoryWS)
	s.mux.HandleFunc("GET /api/story/list", s.handleListStories)
	s.mux.HandleFunc("GET /api/story/{id}", s.handleGetStory)
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.cfg.AccessLog.Middleware(s.loggingMiddleware(s.mux))
}

// CreateStory registers a story, replacing the metadata of an existing one.
func (s *Server) CreateStory(story Story) error {
	if story.ID == "" {
		return fmt.Errorf("create story: empty id")
	}
	st, err := s.story(story.ID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	created := st.story.CreatedAt
	st.story = story
	if st.story.CreatedAt.IsZero() {
		st.story.CreatedAt = created
	}
	st.story.UpdatedAt = time.Now()
	return s.persistLocked(st)
}

// AppendTurns adds recorded turns to a story, creating it if needed.
func (s *Server) AppendTurns(storyID string, turns ...protocol.Turn) error {
	st, err := s.story(storyID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, t := range turns {
		st.appendLocked(t, s.cfg.Converter)
	}
	return s.persistLocked(st)
}

// Turns returns a copy of the recorded turns of a story.
func (s *Server) Turns(storyID string) []protocol.Turn {
	st := s.lookup(storyID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]protocol.Turn(nil), st.turns...)
}

// Connections returns the number of connections attached to a story.
func (s *Server) Connections(storyID string) int {
	st := s.lookup(storyID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.peers)
}

// BroadcastError sends a connection-scoped error to every connection of a story.
func (s *Server) BroadcastError(storyID, message string) {
	if st := s.lookup(storyID); st != nil {
		st.broadcast(protocol.Error{Message: message})
	}
}

// PushDraft sends a draft_update to every connection of a story.
func (s *Server) PushDraft(storyID, key string, draft json.RawMessage) {
	if st := s.lookup(storyID); st != nil {
		st.broadcast(protocol.DraftUpdate{Key: key, Draft: draft})
	}
}

// DropConnections closes every connection with code and returns how many
// were closed.
func (s *Server) DropConnections(code int) int {
	s.mu.Lock()
	states := make([]*storyState, 0, len(s.stories))
	for _, st := range s.stories {
		states = append(states, st)
	}
	s.mu.Unlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		peers := make([]*peer, 0, len(st.peers))
		for _, p := range st.peers {
			peers = append(peers, p)
		}
		st.peers = make(map[string]*peer)
		st.mu.Unlock()

		for _, p := range peers {
			p.close(code, "")
			n++
		}
	}
	if n > 0 {
		s.logger.Info("Dropped connections", "count", n, "code", code)
	}
	return n
}

// Close disconnects every client and waits for in-flight replies.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.DropConnections(websocket.CloseGoingAway)
	s.wg.Wait()
	return nil
}

// lookup returns the live state of a story, loading it from the store.
// It returns nil for unknown stories.
func (s *Server) lookup(storyID string) *storyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stories[storyID]; ok {
		return st
	}
	st, err := s.loadLocked(storyID)
	if err != nil {
		s.logger.Warn("Failed to load story", "story_id", storyID, "error", err)
		return nil
	}
	return st
}

// story returns the live state of a story, creating it when unknown.
func (s *Server) story(storyID string) (*storyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("story %s: server closed", storyID)
	}
	if st, ok := s.stories[storyID]; ok {
		return st, nil
	}
	st, err := s.loadLocked(storyID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}

	now := time.Now()
	st = &storyState{
		story: Story{ID: storyID, Name: storyID, CreatedAt: now, UpdatedAt: now},
		peers: make(map[string]*peer),
	}
	s.stories[storyID] = st
	s.logger.Info("Created story", "story_id", storyID)
	return st, nil
}

const storeKeyPrefix = "story/"

func storeKey(storyID string) string { return storeKeyPrefix + storyID }

// loadLocked reads a story from the store. It returns nil, nil when the
// story is not stored.
func (s *Server) loadLocked(storyID string) (*storyState, error) {
	if s.cfg.Store == nil {
		return nil, nil
	}
	raw, ok, err := s.cfg.Store.Get(storeKey(storyID))
	if err != nil || !ok {
		return nil, err
	}
	var p persisted
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode story %s: %w", storyID, err)
	}
	st := &storyState{story: p.Story, turns: p.Turns, peers: make(map[string]*peer)}
	st.story.ID = storyID
	s.stories[storyID] = st
	return st, nil
}

func (s *Server) persistLocked(st *storyState) error {
	if s.cfg.Store == nil {
		return nil
	}
	data, err := json.Marshal(persisted{Story: st.story, Turns: st.turns})
	if err != nil {
		return fmt.Errorf("encode story %s: %w", st.story.ID, err)
	}
	if err := s.cfg.Store.Set(storeKey(st.story.ID), string(data)); err != nil {
		return fmt.Errorf("persist story %s: %w", st.story.ID, err)
	}
	return nil
}

func (st *storyState) appendLocked(t protocol.Turn, conv *conversion.Converter) {
	if t.Timestamp == nil {
		now := time.Now().UTC()
		t.Timestamp = &now
	}
	if t.Role == protocol.RoleAssistant && t.RenderedContent == "" {
		t.RenderedContent = conv.ConvertToSafeHTML(t.Content)
	}
	st.turns = append(st.turns, t)
	st.story.UpdatedAt = time.Now()
}

func (st *storyState) broadcast(f protocol.Frame) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.broadcastLocked(f)
}

func (st *storyState) broadcastLocked(f protocol.Frame) {
	for _, p := range st.peers {
		p.sendFrame(f)
	}
}

// handleStoryWS attaches a WebSocket connection to a story.
// Route: /ws/story/{session}
func (s *Server) handleStoryWS(w http.ResponseWriter, r *http.Request) {
	storyID := r.PathValue("session")
	if storyID == "" {
		http.Error(w, "Missing story id", http.StatusBadRequest)
		return
	}
	st, err := s.story(storyID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err, "story_id", storyID)
		return
	}

	connID := uuid.NewString()
	logger := logging.WithConnection(s.logger, storyID, connID)
	p := newPeer(connID, conn, s.cfg.WebSocket, logger)

	st.mu.Lock()
	p.sendFrame(protocol.Session{
		ConnectionID:  connID,
		SessionID:     storyID,
		SessionName:   st.story.Name,
		AdventureName: st.story.AdventureName,
		FollowingMode: st.story.FollowingMode,
	})
	st.peers[connID] = p
	st.mu.Unlock()

	logger.Info("Connection attached")

	go p.writePump()
	go s.readPump(st, p)
}

// readPump reads frames from a connection until it fails.
func (s *Server) readPump(st *storyState, p *peer) {
	defer func() {
		st.mu.Lock()
		delete(st.peers, p.id)
		st.mu.Unlock()
		p.close(websocket.CloseNormalClosure, "")
		p.logger.Info("Connection detached")
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("Connection read failed", "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("Ignoring malformed frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case protocol.HistoryRequest:
			s.sendHistory(st, p, f.Limit)
		case protocol.UserMessage:
			s.handleAction(st, p, f.Text)
		default:
			p.logger.Debug("Ignoring frame", "type", frame.FrameType())
		}
	}
}

func (s *Server) sendHistory(st *storyState, p *peer, limit int) {
	st.mu.Lock()
	turns := st.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]protocol.Turn, len(turns))
	copy(out, turns)
	st.mu.Unlock()

	p.sendFrame(protocol.History{Turns: out})
	p.logger.Debug("Sent history", "turns", len(out), "limit", limit)
}

func (s *Server) handleAction(st *storyState, p *peer, text string) {
	if text == "" {
		p.sendFrame(protocol.Error{Message: "empty message"})
		return
	}

	st.mu.Lock()
	if st.replying {
		st.mu.Unlock()
		p.sendFrame(protocol.Error{Message: ErrReplyInProgress.Error()})
		return
	}
	st.replying = true
	st.appendLocked(protocol.Turn{Role: protocol.RoleUser, Content: text}, s.cfg.Converter)
	if err := s.persistLocked(st); err != nil {
		p.logger.Warn("Failed to persist story", "error", err)
	}
	st.broadcastLocked(protocol.UserEcho{Text: text, OriginConnectionID: p.id})
	snapshot := st.story
	st.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reply(st, snapshot, text)
	}()
}

// reply streams the narrator's answer to one action to every connection.
func (s *Server) reply(st *storyState, story Story, action string) {
	replyID := uuid.NewString()
	logger := s.logger.With("story_id", story.ID, "reply_id", replyID)
	st.broadcast(protocol.AssistantStart{ReplyID: replyID})

	reply, err := s.cfg.Responder.Respond(s.ctx, story, action)
	if err != nil {
		logger.Warn("Responder failed", "error", err)
		st.mu.Lock()
		st.replying = false
		st.broadcastLocked(protocol.Error{ReplyID: replyID, Message: err.Error()})
		st.mu.Unlock()
		return
	}

	for _, frag := range reply.fragments() {
		st.broadcast(protocol.AssistantDelta{ReplyID: replyID, Text: frag})
		if s.cfg.FragmentDelay > 0 {
			select {
			case <-time.After(s.cfg.FragmentDelay):
			case <-s.ctx.Done():
				return
			}
		}
	}

	rendered := s.cfg.Converter.ConvertToSafeHTML(reply.Markdown)

	st.mu.Lock()
	st.appendLocked(protocol.Turn{
		Role:            protocol.RoleAssistant,
		Content:         reply.Markdown,
		RenderedContent: rendered,
	}, s.cfg.Converter)
	if err := s.persistLocked(st); err != nil {
		logger.Warn("Failed to persist story", "error", err)
	}
	st.replying = false
	st.broadcastLocked(protocol.AssistantDone{
		ReplyID:         replyID,
		Content:         reply.Markdown,
		RenderedContent: rendered,
	})
	if reply.DraftKey != "" {
		st.broadcastLocked(protocol.DraftUpdate{Key: reply.DraftKey, Draft: reply.Draft})
	}
	st.mu.Unlock()

	logger.Debug("Reply complete", "length", len(reply.Markdown))
}

// handleListStories returns the ids of all known stories.
// Route: GET /api/story/list
func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	s.mu.Lock()
	for id := range s.stories {
		seen[id] = true
	}
	s.mu.Unlock()

	if s.cfg.Store != nil {
		keys, err := s.cfg.Store.Keys()
		if err != nil {
			s.logger.Error("Failed to list stored stories", "error", err)
			http.Error(w, "Failed to list stories", http.StatusInternalServerError)
			return
		}
		for _, k := range keys {
			if id, ok := strings.CutPrefix(k, storeKeyPrefix); ok && id != "" {
				seen[id] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, ids)
}

// handleGetStory returns the metadata of one story.
// Route: GET /api/story/{id}
func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	st := s.lookup(r.PathValue("id"))
	if st == nil {
		http.Error(w, "Story not found", http.StatusNotFound)
		return
	}
	st.mu.Lock()
	info := st.story.Info()
	st.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}
