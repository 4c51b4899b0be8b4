package client

import "log/slog"

// EchoResult says how an echoed user action was handled.
type EchoResult int

const (
	// EchoOwn means the echo matched the pending local action and was suppressed.
	EchoOwn EchoResult = iota
	// EchoRemote means the echo came from another connection and was rendered.
	EchoRemote
)

// EchoReconciler keeps a user action sent from this connection from being
// rendered twice: once optimistically, once when the server broadcasts it
// back to every attached connection.
//
// Matching is by exact content. Two identical actions sent before the
// first echo arrives are matched to the first echo only.
type EchoReconciler struct {
	renderer   Renderer
	logger     *slog.Logger
	pending    string
	hasPending bool
}

// NewEchoReconciler creates a reconciler rendering into r.
func NewEchoReconciler(r Renderer, logger *slog.Logger) *EchoReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoReconciler{renderer: r, logger: logger}
}

// RecordLocal remembers content as the pending local action and renders
// it right away. A previous pending action is overwritten.
func (e *EchoReconciler) RecordLocal(content string) {
	if e.hasPending {
		e.logger.Debug("Pending local action overwritten before its echo arrived")
	}
	e.pending = content
	e.hasPending = true
	e.renderer.AppendUser(content, OriginLocal)
}

// OnEcho handles the broadcast of a user action. origin is the sending
// connection id when the server provides it.
func (e *EchoReconciler) OnEcho(content, origin string) EchoResult {
	if e.hasPending && e.pending == content {
		e.Clear()
		return EchoOwn
	}
	e.logger.Debug("User action from another connection", "origin_connection_id", origin)
	e.renderer.AppendUser(content, OriginRemote)
	return EchoRemote
}

// Pending returns the pending local action, if any.
func (e *EchoReconciler) Pending() (string, bool) {
	return e.pending, e.hasPending
}

// Clear forgets the pending local action.
func (e *EchoReconciler) Clear() {
	e.pending = ""
	e.hasPending = false
}
