package client

import "encoding/json"

// Origin tells the renderer where a user turn came from.
type Origin int

const (
	// OriginLocal is an action typed on this connection, rendered optimistically.
	OriginLocal Origin = iota
	// OriginRemote is an action echoed from another connection to the session.
	OriginRemote
	// OriginHistory is a turn replayed from the session history.
	OriginHistory
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginHistory:
		return "history"
	default:
		return "unknown"
	}
}

// NoticeKind classifies a system notice.
type NoticeKind int

const (
	// NoticeInfo is an advisory message.
	NoticeInfo NoticeKind = iota
	// NoticeFreshStart is the placeholder shown for a session without history.
	NoticeFreshStart
	// NoticeError is a recoverable, user-visible failure.
	NoticeError
	// NoticeTerminal is a failure that requires the user to act (reconnect or reload).
	NoticeTerminal
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeInfo:
		return "info"
	case NoticeFreshStart:
		return "fresh_start"
	case NoticeError:
		return "error"
	case NoticeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Renderer is the render boundary. All methods are called from the
// connection's dispatch goroutine, one at a time.
type Renderer interface {
	// Reset discards everything rendered so far. History replay starts with it.
	Reset()

	// AppendUser renders a user turn.
	AppendUser(text string, origin Origin)

	// AppendAssistant renders a complete assistant turn (history replay).
	AppendAssistant(content string)

	// BeginAssistant opens a streaming placeholder for replyID.
	BeginAssistant(replyID string)

	// AppendAssistantDelta adds a live fragment to the placeholder of replyID.
	AppendAssistantDelta(replyID, text string)

	// FinishAssistant replaces the placeholder of replyID with content.
	FinishAssistant(replyID, content string)

	// FailAssistant replaces the placeholder of replyID with an inline failure.
	FailAssistant(replyID, message string)

	// AppendNotice renders a system notice.
	AppendNotice(kind NoticeKind, text string)

	// SetInputEnabled enables or disables user input submission.
	SetInputEnabled(enabled bool)
}

// DraftRenderer is optionally implemented by a Renderer that can display
// draft_update documents. A nil draft clears the document for key.
type DraftRenderer interface {
	RenderDraft(key string, draft json.RawMessage)
}

// StatusSink receives advisory connection status changes.
type StatusSink interface {
	SetStatus(state ConnectionState)
}

// Store is the key/value persistence boundary used to remember the
// last-used session across runs.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// LastSessionKey is the Store key holding the last-used session id.
const LastSessionKey = "current_story_thread"
