package playtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Reply is what a Responder produces for one user action.
type Reply struct {
	// Fragments are streamed as assistant_delta frames. When empty, the
	// Markdown is split into words.
	Fragments []string

	// Markdown is the authoritative reply content.
	Markdown string

	// DraftKey and Draft, when set, are sent as a draft_update after the reply.
	DraftKey string
	Draft    json.RawMessage
}

// Responder produces the narrator's reply to a user action.
type Responder interface {
	Respond(ctx context.Context, story Story, action string) (Reply, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, story Story, action string) (Reply, error)

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, story Story, action string) (Reply, error) {
	return f(ctx, story, action)
}

// EchoNarrator answers every action by narrating it back.
var EchoNarrator = ResponderFunc(func(_ context.Context, story Story, action string) (Reply, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You %s.", strings.TrimSuffix(strings.TrimSpace(action), "."))
	if story.AdventureName != "" {
		fmt.Fprintf(&b, "\n\n*%s* continues...", story.AdventureName)
	} else {
		b.WriteString("\n\n*The story continues...*")
	}
	return Reply{Markdown: b.String()}, nil
})

// fragments returns the deltas to stream for r.
func (r Reply) fragments() []string {
	if len(r.Fragments) > 0 {
		return r.Fragments
	}
	if r.Markdown == "" {
		return nil
	}
	return strings.SplitAfter(r.Markdown, " ")
}
