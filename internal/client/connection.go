package client

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/inercia/storyplay/internal/logging"
	"github.com/inercia/storyplay/internal/protocol"
)

// Notice texts shown by the connection.
const (
	NotConnectedNotice = "Not connected. Your message was not sent; try again once the connection is back."
	TerminalNotice     = "Connection lost. Reconnect to try again."
)

// mailboxSize bounds the number of queued events. Producers block when
// the dispatch loop falls behind.
const mailboxSize = 64

// ConnectionConfig configures a SessionConnection.
type ConnectionConfig struct {
	// SessionID of the session to attach to. Empty resolves it from Store,
	// or generates a new one.
	SessionID string

	// Endpoint returns the transport URL of a session. Required.
	Endpoint func(sessionID string) (string, error)

	// Dialer opens transports. Nil uses a WebSocketDialer.
	Dialer Dialer

	// Renderer receives everything to display. Required.
	Renderer Renderer

	// Store remembers the last-used session id. Optional.
	Store Store

	// Status receives advisory state changes. Optional.
	Status StatusSink

	// Logger is the base logger. Nil uses logging.Conn().
	Logger *slog.Logger

	// Backoff is the reconnect policy. The zero value uses DefaultBackoff.
	Backoff Backoff

	// HistoryLimit is the number of turns requested on open.
	HistoryLimit int

	// IntentionalCloseCode is the close code that does not trigger a
	// reconnect. Zero uses CloseNormal (1000).
	IntentionalCloseCode int

	// ReplyTimeout fails a reply that receives no frame for this long.
	// Zero disables it.
	ReplyTimeout time.Duration

	// SendLimiter rate-limits outbound user messages. Optional.
	SendLimiter *rate.Limiter

	// Meta seeds the session metadata used for the fresh-start placeholder.
	Meta SessionMeta

	// afterFunc schedules f after d and returns a function that cancels it.
	// Tests replace it to drive timers by hand.
	afterFunc func(d time.Duration, f func()) (stop func() bool)
	rng       *rand.Rand
}

// SessionConnection is the client side of one story session: it owns the
// transport, survives transient failures by reconnecting with backoff, and
// dispatches inbound frames to the stream assembler, echo reconciler and
// history loader.
//
// All mutable state is owned by the goroutine running Run. Other goroutines
// (transport readers, dialers, timers and callers of Send/Close/Reconnect)
// only post events to its mailbox.
type SessionConnection struct {
	cfg        ConnectionConfig
	sessionID  string
	baseLogger *slog.Logger
	logger     *slog.Logger

	events  chan any
	done    chan struct{}
	started atomic.Bool
	closing atomic.Bool

	// owned by the dispatch loop
	ctx           context.Context
	state         ConnectionState
	gen           uint64
	transport     Transport
	connectionID  string
	attempt       int
	terminal      bool
	awaitingReply bool
	inputEnabled  bool
	meta          SessionMeta
	cancelDial    context.CancelFunc
	stopRetry     func() bool
	stopReply     func() bool
	replySeq      uint64
	failedReplyID string

	assembler *StreamAssembler
	echo      *EchoReconciler
	history   *HistoryLoader

	statusMu sync.RWMutex
	status   Status
}

type (
	dialedEvent struct {
		gen       uint64
		transport Transport
		err       error
	}
	frameEvent struct {
		gen  uint64
		data []byte
	}
	closedEvent struct {
		gen uint64
		err error
	}
	retryEvent struct {
		gen uint64
	}
	replyTimeoutEvent struct {
		gen uint64
		seq uint64
	}
	sendRequest struct {
		text   string
		result chan error
	}
	reconnectRequest struct {
		result chan error
	}
	closeRequest struct {
		ack chan struct{}
	}
)

// NewSessionConnection creates a connection in the Idle state. Nothing is
// dialed until Run is called.
func NewSessionConnection(cfg ConnectionConfig) (*SessionConnection, error) {
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("session connection: endpoint is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("session connection: renderer is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebSocketDialer{}
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.IntentionalCloseCode == 0 {
		cfg.IntentionalCloseCode = CloseNormal
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if cfg.rng == nil && cfg.Backoff.Jitter {
		cfg.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	base := cfg.Logger
	if base == nil {
		base = logging.Conn()
	}

	sessionID := resolveSessionID(cfg.SessionID, cfg.Store, base)

	logger := logging.WithSession(base, sessionID)
	c := &SessionConnection{
		cfg:        cfg,
		sessionID:  sessionID,
		baseLogger: base,
		logger:     logger,
		events:     make(chan any, mailboxSize),
		done:       make(chan struct{}),
		state:      StateIdle,
		meta:       cfg.Meta,
		assembler:  NewStreamAssembler(cfg.Renderer, logger),
		echo:       NewEchoReconciler(cfg.Renderer, logger),
		history:    NewHistoryLoader(cfg.Renderer, cfg.HistoryLimit, logger),
	}
	c.status = Status{State: StateIdle, SessionID: sessionID}
	return c, nil
}

// resolveSessionID picks the caller's id, then the stored one, then a new
// UUID, and remembers the result in store.
func resolveSessionID(id string, store Store, logger *slog.Logger) string {
	if id == "" && store != nil {
		stored, ok, err := store.Get(LastSessionKey)
		if err != nil {
			logger.Warn("Could not read last session id", "error", err)
		} else if ok {
			id = stored
		}
	}
	if id == "" {
		id = uuid.NewString()
		logger.Info("Starting a new session", "session_id", id)
	}
	if store != nil {
		if err := store.Set(LastSessionKey, id); err != nil {
			logger.Warn("Could not remember session id", "session_id", id, "error", err)
		}
	}
	return id
}

// SessionID returns the id of the session this connection attaches to.
func (c *SessionConnection) SessionID() string {
	return c.sessionID
}

// Status returns a snapshot of the connection state. It is safe to call
// from any goroutine.
func (c *SessionConnection) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Done is closed when Run has returned.
func (c *SessionConnection) Done() <-chan struct{} {
	return c.done
}

// Run connects and processes events until Close is called or ctx is done.
// Transport failures are handled internally; after the reconnect budget
// is exhausted Run keeps running in the Closed state so Reconnect can
// start over.
func (c *SessionConnection) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	c.ctx = ctx
	if c.closing.Load() {
		c.setState(StateClosed)
		return nil
	}

	c.logger.Info("Session connection starting")
	c.connect()

	for {
		select {
		case <-ctx.Done():
			c.teardown("context done")
			return ctx.Err()
		case ev := <-c.events:
			if c.dispatch(ev) {
				return nil
			}
		}
	}
}

// Send submits a user action. It fails without touching the network when
// the connection is not open or a reply is still in progress.
func (c *SessionConnection) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !c.started.Load() {
		return ErrNotConnected
	}
	req := sendRequest{text: text, result: make(chan error, 1)}
	if err := c.request(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Reconnect starts a new connection attempt right away. It is meant for
// the Closed state, after the reconnect budget ran out or the server
// closed the session, and for skipping a pending backoff delay.
func (c *SessionConnection) Reconnect(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotConnected
	}
	req := reconnectRequest{result: make(chan error, 1)}
	if err := c.request(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close shuts the connection down with the intentional close code. Any
// scheduled reconnect is cancelled. It returns once Run has stopped.
func (c *SessionConnection) Close() error {
	c.closing.Store(true)
	if !c.started.Load() {
		return nil
	}
	req := closeRequest{ack: make(chan struct{})}
	select {
	case c.events <- req:
	case <-c.done:
		return nil
	}
	select {
	case <-req.ack:
	case <-c.done:
	}
	<-c.done
	return nil
}

func (c *SessionConnection) request(ctx context.Context, ev any) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by helper goroutines. It gives up once Run has returned.
func (c *SessionConnection) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// dispatch handles one event and reports whether Run should return.
func (c *SessionConnection) dispatch(ev any) bool {
	defer c.publish()

	switch ev := ev.(type) {
	case dialedEvent:
		c.onDialed(ev)
	case frameEvent:
		if ev.gen == c.gen && c.transport != nil {
			c.onFrame(ev.data)
		}
	case closedEvent:
		c.onClosed(ev)
	case retryEvent:
		if ev.gen == c.gen && c.state == StateReconnecting {
			c.stopRetry = nil
			c.connect()
		}
	case replyTimeoutEvent:
		if ev.gen == c.gen && ev.seq == c.replySeq {
			c.onReplyTimeout()
		}
	case sendRequest:
		ev.result <- c.onSend(ev.text)
	case reconnectRequest:
		ev.result <- c.onReconnect()
	case closeRequest:
		c.teardown("closed by client")
		close(ev.ack)
		return true
	default:
		c.logger.Error("Unexpected event in session mailbox", "event", fmt.Sprintf("%T", ev))
	}
	return false
}

// connect starts a new connection attempt in the background.
func (c *SessionConnection) connect() {
	c.gen++
	gen := c.gen
	c.setState(StateConnecting)

	url, err := c.cfg.Endpoint(c.sessionID)
	if err != nil {
		c.logger.Error("Cannot build session endpoint", "error", err)
		c.scheduleReconnect()
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelDial = cancel
	c.logger.Debug("Dialing session", "url", url, "attempt", c.attempt)
	go func() {
		t, err := c.cfg.Dialer.Dial(ctx, url)
		c.post(dialedEvent{gen: gen, transport: t, err: err})
	}()
}

func (c *SessionConnection) onDialed(ev dialedEvent) {
	if ev.gen != c.gen || c.state != StateConnecting {
		if ev.transport != nil {
			_ = ev.transport.Close(c.cfg.IntentionalCloseCode, "stale connection")
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if ev.err != nil {
		c.logger.Warn("Session connection failed", "error", ev.err, "attempt", c.attempt)
		c.scheduleReconnect()
		return
	}

	c.transport = ev.transport
	c.attempt = 0
	c.terminal = false
	c.setState(StateOpen)
	c.logger.Info("Session connection open")

	gen := ev.gen
	t := ev.transport
	go c.readLoop(gen, t)

	if err := c.write(c.history.Request()); err != nil {
		c.transportFailed(err)
		return
	}
	c.syncInput()
}

func (c *SessionConnection) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			c.post(closedEvent{gen: gen, err: err})
			return
		}
		c.post(frameEvent{gen: gen, data: data})
	}
}

func (c *SessionConnection) onClosed(ev closedEvent) {
	if ev.gen != c.gen || c.transport == nil {
		return
	}
	code, hasCode := CloseCode(ev.err)
	_ = c.transport.Close(c.cfg.IntentionalCloseCode, "")
	c.dropTransport()

	if hasCode && code == c.cfg.IntentionalCloseCode {
		c.logger.Info("Session connection closed by server", "code", code)
		c.abandonTurn("connection closed")
		c.setState(StateClosed)
		c.syncInput()
		return
	}
	c.logger.Warn("Session connection lost", "error", ev.err)
	c.scheduleReconnect()
}

// transportFailed handles a write failure on the current transport.
func (c *SessionConnection) transportFailed(err error) {
	c.logger.Warn("Session transport failed", "error", err)
	if c.transport != nil {
		_ = c.transport.Close(CloseInternalError, "write failed")
	}
	c.dropTransport()
	c.scheduleReconnect()
}

func (c *SessionConnection) dropTransport() {
	c.transport = nil
	c.connectionID = ""
}

// scheduleReconnect enters Reconnecting and arms the retry timer, or gives
// up once the attempt budget is spent.
func (c *SessionConnection) scheduleReconnect() {
	c.abandonTurn("connection lost")
	c.attempt++

	if c.cfg.Backoff.Exhausted(c.attempt) {
		c.logger.Error("Giving up on session connection", "attempts", c.attempt-1)
		c.terminal = true
		c.setState(StateClosed)
		c.syncInput()
		c.cfg.Renderer.AppendNotice(NoticeTerminal, TerminalNotice)
		return
	}

	c.setState(StateReconnecting)
	c.syncInput()

	delay := c.cfg.Backoff.Jittered(c.cfg.Backoff.NextDelay(c.attempt), c.cfg.rng)
	c.logger.Info("Reconnecting", "attempt", c.attempt, "delay", delay)
	gen := c.gen
	c.stopRetry = c.cfg.afterFunc(delay, func() {
		c.post(retryEvent{gen: gen})
	})
}

// abandonTurn drops any reply and pending action tied to a lost connection.
func (c *SessionConnection) abandonTurn(reason string) {
	if id, ok := c.assembler.Abandon(reason); ok {
		c.cfg.Renderer.FailAssistant(id, reason)
	}
	c.echo.Clear()
	c.awaitingReply = false
	c.stopReplyTimer()
}

func (c *SessionConnection) onFrame(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("Discarding malformed frame", "error", err)
		return
	}

	switch f := f.(type) {
	case protocol.Session:
		c.connectionID = f.ConnectionID
		c.meta = c.meta.Merge(SessionMeta{
			Name:          f.SessionName,
			AdventureName: f.AdventureName,
			FollowingMode: f.FollowingMode,
		})
		if f.SessionID != "" && f.SessionID != c.sessionID {
			c.logger.Warn("Server reported a different session id", "server_session_id", f.SessionID)
		}
		c.logger = logging.WithConnection(c.baseLogger, c.sessionID, f.ConnectionID)
		c.logger.Info("Session established", "session_name", f.SessionName)

	case protocol.History:
		c.history.Replay(f.Turns, c.meta)
		c.assembler.Redraw()

	case protocol.UserEcho:
		if c.echo.OnEcho(f.Text, f.OriginConnectionID) == EchoRemote {
			c.awaitingReply = true
			c.armReplyTimer()
		}

	case protocol.AssistantStart:
		c.assembler.Start(f.ReplyID)
		c.armReplyTimer()

	case protocol.AssistantDelta:
		if c.assembler.Delta(f.ReplyID, f.Text) {
			c.armReplyTimer()
		}

	case protocol.AssistantDone:
		if c.assembler.Done(f.ReplyID, f.Final()) {
			c.replyFinished()
		}

	case protocol.Error:
		c.onServerError(f)

	case protocol.DraftUpdate:
		if dr, ok := c.cfg.Renderer.(DraftRenderer); ok {
			dr.RenderDraft(f.Key, f.Draft)
		} else {
			c.logger.Debug("Ignoring draft update", "key", f.Key)
		}

	case protocol.Unknown:
		c.logger.Debug("Ignoring unknown frame type", "type", f.Type)

	default:
		c.logger.Warn("Unexpected frame from server", "type", f.FrameType())
	}

	c.syncInput()
}

func (c *SessionConnection) onServerError(f protocol.Error) {
	if c.assembler.Streaming() {
		if f.ReplyID == "" {
			c.cfg.Renderer.AppendNotice(NoticeError, f.Message)
			return
		}
		if c.assembler.Error(f.ReplyID, f.Message) {
			c.failedReplyID = f.ReplyID
			c.replyFinished()
		}
		return
	}

	// The server may send the failure of a reply twice, once broadcast to
	// the story and once in answer to the action.
	if f.ReplyID != "" && f.ReplyID == c.failedReplyID {
		c.logger.Debug("Ignoring repeated reply error", "reply_id", f.ReplyID)
		return
	}

	// Nothing is streaming: the turn failed before a reply started.
	c.logger.Warn("Server error", "reply_id", f.ReplyID, "message", f.Message)
	c.cfg.Renderer.AppendNotice(NoticeError, f.Message)
	if f.ReplyID != "" {
		c.failedReplyID = f.ReplyID
	}
	c.replyFinished()
}

func (c *SessionConnection) replyFinished() {
	c.awaitingReply = false
	c.echo.Clear()
	c.stopReplyTimer()
}

func (c *SessionConnection) onSend(text string) error {
	if c.state != StateOpen || c.transport == nil {
		c.logger.Debug("Send rejected, not connected", "state", c.state.String())
		c.cfg.Renderer.AppendNotice(NoticeError, NotConnectedNotice)
		return ErrNotConnected
	}
	if c.awaitingReply || c.assembler.Streaming() {
		return ErrReplyInFlight
	}
	if c.cfg.SendLimiter != nil && !c.cfg.SendLimiter.Allow() {
		return ErrRateLimited
	}

	if err := c.write(protocol.UserMessage{Text: text}); err != nil {
		c.transportFailed(err)
		return fmt.Errorf("send message: %w", err)
	}
	c.echo.RecordLocal(text)
	c.awaitingReply = true
	c.armReplyTimer()
	c.syncInput()
	return nil
}

func (c *SessionConnection) onReconnect() error {
	switch c.state {
	case StateClosed:
		c.logger.Info("Manual reconnect")
		c.attempt = 0
		c.terminal = false
		c.connect()
	case StateReconnecting:
		c.logger.Info("Manual reconnect, skipping backoff delay", "attempt", c.attempt)
		c.stopRetryTimer()
		c.connect()
	default:
		c.logger.Debug("Reconnect ignored", "state", c.state.String())
	}
	return nil
}

func (c *SessionConnection) onReplyTimeout() {
	c.stopReply = nil
	if id, ok := c.assembler.Abandon("reply timed out"); ok {
		c.cfg.Renderer.FailAssistant(id, "The reply timed out.")
	} else if c.awaitingReply {
		c.cfg.Renderer.AppendNotice(NoticeError, "No reply from the server.")
	}
	c.logger.Warn("Reply timed out", "timeout", c.cfg.ReplyTimeout)
	c.awaitingReply = false
	c.echo.Clear()
	c.syncInput()
}

// teardown performs an intentional close: Closing, then Closed.
func (c *SessionConnection) teardown(reason string) {
	c.setState(StateClosing)
	c.stopRetryTimer()
	c.stopReplyTimer()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	// Late events of this generation are dropped from now on.
	c.gen++
	if c.transport != nil {
		if err := c.transport.Close(c.cfg.IntentionalCloseCode, reason); err != nil {
			c.logger.Debug("Error closing transport", "error", err)
		}
	}
	c.dropTransport()
	c.assembler.Abandon(reason)
	c.echo.Clear()
	c.awaitingReply = false
	c.setState(StateClosed)
	c.syncInput()
	c.publish()
	c.logger.Info("Session connection closed", "reason", reason)
}

func (c *SessionConnection) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if c.transport == nil {
		return ErrNotConnected
	}
	if err := c.transport.WriteFrame(c.ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", f.FrameType(), err)
	}
	return nil
}

func (c *SessionConnection) armReplyTimer() {
	if c.cfg.ReplyTimeout <= 0 {
		return
	}
	c.stopReplyTimer()
	c.replySeq++
	gen, seq := c.gen, c.replySeq
	c.stopReply = c.cfg.afterFunc(c.cfg.ReplyTimeout, func() {
		c.post(replyTimeoutEvent{gen: gen, seq: seq})
	})
}

func (c *SessionConnection) stopReplyTimer() {
	if c.stopReply != nil {
		c.stopReply()
		c.stopReply = nil
	}
	c.replySeq++
}

func (c *SessionConnection) stopRetryTimer() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

// syncInput recomputes whether the user may submit and notifies the
// renderer on change.
func (c *SessionConnection) syncInput() {
	enabled := c.state == StateOpen &&
		c.history.Replayed() &&
		!c.awaitingReply &&
		!c.assembler.Streaming()
	if enabled == c.inputEnabled {
		return
	}
	c.inputEnabled = enabled
	c.cfg.Renderer.SetInputEnabled(enabled)
}

func (c *SessionConnection) setState(s ConnectionState) {
	if c.state == s {
		return
	}
	c.logger.Debug("Connection state change", "from", c.state.String(), "to", s.String())
	c.state = s
	if c.cfg.Status != nil {
		c.cfg.Status.SetStatus(s)
	}
	c.publish()
}

func (c *SessionConnection) publish() {
	st := Status{
		State:        c.state,
		SessionID:    c.sessionID,
		ConnectionID: c.connectionID,
		Attempt:      c.attempt,
		InputEnabled: c.inputEnabled,
		Terminal:     c.terminal,
	}
	if r, ok := c.assembler.Snapshot(); ok {
		st.ReplyID = r.ReplyID
	}
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}
