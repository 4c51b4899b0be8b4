// Package protocol defines the frames exchanged over a story session
// WebSocket and their JSON encoding.
//
// # Wire Format
//
// Every frame is a flat JSON object discriminated by its "type" field:
//
//	{"type": "assistant_delta", "replyId": "3f2a...", "text": "Once upon"}
//
// Frames are modeled as a closed set of Go types implementing Frame.
// A frame whose type is not recognized decodes to Unknown instead of
// failing, so newer servers can add frame types without breaking older
// clients.
package protocol

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Client → Server Frame Types
// =============================================================================

const (
	// TypeHistoryRequest asks for the last turns of the session.
	// Fields: { "limit": int }
	TypeHistoryRequest = "history_request"

	// TypeUserMessage submits a user action.
	// Fields: { "text": string }
	TypeUserMessage = "user_message"
)

// =============================================================================
// Server → Client Frame Types
// =============================================================================

const (
	// TypeSession is sent once per connection, right after it opens.
	// Fields: { "connectionId": string, "sessionId": string?, "sessionName": string?,
	//           "adventureName": string?, "followingMode": string? }
	TypeSession = "session"

	// TypeHistory answers a history_request. It replaces the local view.
	// Fields: { "turns": [{ "role", "content", "renderedContent"?, "ts"? }] }
	TypeHistory = "history"

	// TypeUserEcho broadcasts a submitted user action to every attached
	// connection, including the one that sent it.
	// Fields: { "text": string, "originConnectionId": string? }
	TypeUserEcho = "user_echo"

	// TypeAssistantStart opens a new streamed reply.
	// Fields: { "replyId": string }
	TypeAssistantStart = "assistant_start"

	// TypeAssistantDelta carries one fragment of a streamed reply.
	// Fields: { "replyId": string, "text": string }
	TypeAssistantDelta = "assistant_delta"

	// TypeAssistantDone closes a streamed reply with its authoritative content.
	// Fields: { "replyId": string, "content": string, "renderedContent": string }
	TypeAssistantDone = "assistant_done"

	// TypeError reports a failure. With a replyId it is scoped to that reply,
	// otherwise it applies to the connection.
	// Fields: { "replyId": string?, "message": string }
	TypeError = "error"

	// TypeDraftUpdate carries an opaque draft/state document for the UI,
	// such as a character sheet being built during play.
	// Fields: { "key": string, "draft": object? }
	TypeDraftUpdate = "draft_update"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Frame is one discrete message on the wire.
// The set of implementations is closed; see the Type* constants.
type Frame interface {
	// FrameType returns the wire discriminator of the frame.
	FrameType() string
	isFrame()
}

// Session announces the identity of a freshly opened connection.
type Session struct {
	ConnectionID  string `json:"connectionId"`
	SessionID     string `json:"sessionId,omitempty"`
	SessionName   string `json:"sessionName,omitempty"`
	AdventureName string `json:"adventureName,omitempty"`
	FollowingMode string `json:"followingMode,omitempty"`
}

// HistoryRequest asks the server for at most Limit past turns.
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// Turn is one recorded exchange unit of the session.
type Turn struct {
	Role            Role       `json:"role"`
	Content         string     `json:"content"`
	RenderedContent string     `json:"renderedContent,omitempty"`
	Timestamp       *time.Time `json:"ts,omitempty"`
}

// Display returns the pre-rendered content when present, the raw content otherwise.
func (t Turn) Display() string {
	if t.RenderedContent != "" {
		return t.RenderedContent
	}
	return t.Content
}

// History is the server's full replay of past turns, oldest first.
type History struct {
	Turns []Turn `json:"turns"`
}

// UserMessage submits a user action.
type UserMessage struct {
	Text string `json:"text"`
}

// UserEcho is the broadcast of a submitted user action.
type UserEcho struct {
	Text               string `json:"text"`
	OriginConnectionID string `json:"originConnectionId,omitempty"`
}

// AssistantStart opens the reply identified by ReplyID.
type AssistantStart struct {
	ReplyID string `json:"replyId"`
}

// AssistantDelta appends Text to the reply identified by ReplyID.
type AssistantDelta struct {
	ReplyID string `json:"replyId"`
	Text    string `json:"text"`
}

// AssistantDone completes a reply.
type AssistantDone struct {
	ReplyID         string `json:"replyId"`
	Content         string `json:"content"`
	RenderedContent string `json:"renderedContent,omitempty"`
}

// Final returns the representation that should replace the streamed fragments.
func (d AssistantDone) Final() string {
	if d.RenderedContent != "" {
		return d.RenderedContent
	}
	return d.Content
}

// Error reports a reply-scoped (ReplyID set) or connection-scoped failure.
type Error struct {
	ReplyID string `json:"replyId,omitempty"`
	Message string `json:"message"`
}

// DraftUpdate carries an opaque UI document. A null Draft clears it.
type DraftUpdate struct {
	Key   string          `json:"key"`
	Draft json.RawMessage `json:"draft,omitempty"`
}

// Unknown is a frame whose type this client does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Session) FrameType() string        { return TypeSession }
func (HistoryRequest) FrameType() string { return TypeHistoryRequest }
func (History) FrameType() string        { return TypeHistory }
func (UserMessage) FrameType() string    { return TypeUserMessage }
func (UserEcho) FrameType() string       { return TypeUserEcho }
func (AssistantStart) FrameType() string { return TypeAssistantStart }
func (AssistantDelta) FrameType() string { return TypeAssistantDelta }
func (AssistantDone) FrameType() string  { return TypeAssistantDone }
func (Error) FrameType() string          { return TypeError }
func (DraftUpdate) FrameType() string    { return TypeDraftUpdate }
func (u Unknown) FrameType() string      { return u.Type }

func (Session) isFrame()        {}
func (HistoryRequest) isFrame() {}
func (History) isFrame()        {}
func (UserMessage) isFrame()    {}
func (UserEcho) isFrame()       {}
func (AssistantStart) isFrame() {}
func (AssistantDelta) isFrame() {}
func (AssistantDone) isFrame()  {}
func (Error) isFrame()          {}
func (DraftUpdate) isFrame()    {}
func (Unknown) isFrame()        {}
