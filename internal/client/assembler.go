package client

import (
	"log/slog"
	"strings"
)

// ReplyState is the lifecycle state of an in-flight reply.
type ReplyState int

const (
	ReplyStreaming ReplyState = iota
	ReplyCompleted
	ReplyFailed
)

func (s ReplyState) String() string {
	switch s {
	case ReplyStreaming:
		return "streaming"
	case ReplyCompleted:
		return "completed"
	case ReplyFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InFlightReply is the reply currently being streamed.
type InFlightReply struct {
	ReplyID   string
	Fragments []string
	State     ReplyState
}

// Text returns the fragments received so far, concatenated in arrival order.
func (r InFlightReply) Text() string {
	return strings.Join(r.Fragments, "")
}

// StreamAssembler tracks the single in-flight reply of a connection and
// feeds its progress to the render boundary.
//
// Frames that reference a reply other than the current one are stale or
// duplicated (reconnect races, broadcasts for replies started before this
// connection joined) and never touch the current reply.
//
// StreamAssembler is not safe for concurrent use; the SessionConnection
// dispatch loop owns it.
type StreamAssembler struct {
	renderer Renderer
	logger   *slog.Logger
	current  *InFlightReply
}

// NewStreamAssembler creates an assembler rendering into r.
func NewStreamAssembler(r Renderer, logger *slog.Logger) *StreamAssembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamAssembler{renderer: r, logger: logger}
}

// Start opens a reply. A reply still streaming is abandoned and replaced.
func (a *StreamAssembler) Start(replyID string) {
	if a.current != nil {
		if a.current.ReplyID == replyID {
			a.logger.Warn("Duplicate assistant_start ignored", "reply_id", replyID)
			return
		}
		a.logger.Warn("Assistant reply abandoned by a new start",
			"abandoned_reply_id", a.current.ReplyID,
			"reply_id", replyID,
			"fragments", len(a.current.Fragments))
	}
	a.current = &InFlightReply{ReplyID: replyID, State: ReplyStreaming}
	a.renderer.BeginAssistant(replyID)
}

// Delta appends text to the current reply. It reports whether the
// fragment was applied.
func (a *StreamAssembler) Delta(replyID, text string) bool {
	if !a.matches(replyID) {
		a.logger.Debug("Delta for unknown reply discarded", "reply_id", replyID, "current", a.currentID())
		return false
	}
	a.current.Fragments = append(a.current.Fragments, text)
	a.renderer.AppendAssistantDelta(replyID, text)
	return true
}

// Done completes the current reply with the server's final representation.
// The locally accumulated fragments are discarded.
func (a *StreamAssembler) Done(replyID, final string) bool {
	if !a.matches(replyID) {
		a.logger.Warn("Done for unknown reply discarded", "reply_id", replyID, "current", a.currentID())
		return false
	}
	a.current.State = ReplyCompleted
	a.logger.Debug("Assistant reply completed",
		"reply_id", replyID,
		"fragments", len(a.current.Fragments),
		"final_length", len(final))
	a.current = nil
	a.renderer.FinishAssistant(replyID, final)
	return true
}

// Error fails the current reply and surfaces message inline.
func (a *StreamAssembler) Error(replyID, message string) bool {
	if !a.matches(replyID) {
		a.logger.Warn("Error for unknown reply discarded", "reply_id", replyID, "current", a.currentID())
		return false
	}
	a.current.State = ReplyFailed
	a.current = nil
	a.renderer.FailAssistant(replyID, message)
	return true
}

// Abandon drops the current reply without rendering anything, for instance
// when the connection carrying it is lost. It returns the dropped reply id.
func (a *StreamAssembler) Abandon(reason string) (string, bool) {
	if a.current == nil {
		return "", false
	}
	id := a.current.ReplyID
	a.logger.Info("Assistant reply abandoned", "reply_id", id, "reason", reason)
	a.current = nil
	return id, true
}

// Redraw re-renders the live placeholder of the current reply. It is used
// after the render boundary was reset while a reply was streaming.
func (a *StreamAssembler) Redraw() {
	if a.current == nil {
		return
	}
	a.renderer.BeginAssistant(a.current.ReplyID)
	if text := a.current.Text(); text != "" {
		a.renderer.AppendAssistantDelta(a.current.ReplyID, text)
	}
}

// Streaming reports whether a reply is in flight.
func (a *StreamAssembler) Streaming() bool {
	return a.current != nil
}

// Snapshot returns a copy of the in-flight reply.
func (a *StreamAssembler) Snapshot() (InFlightReply, bool) {
	if a.current == nil {
		return InFlightReply{}, false
	}
	cp := *a.current
	cp.Fragments = append([]string(nil), a.current.Fragments...)
	return cp, true
}

func (a *StreamAssembler) matches(replyID string) bool {
	return a.current != nil && a.current.State == ReplyStreaming && a.current.ReplyID == replyID
}

func (a *StreamAssembler) currentID() string {
	if a.current == nil {
		return ""
	}
	return a.current.ReplyID
}
