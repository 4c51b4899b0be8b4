// Package render draws a story session on a terminal.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/inercia/storyplay/internal/client"
)

// DefaultWidth is the terminal width assumed when Options.Width is zero.
const DefaultWidth = 80

// Options configures a Terminal.
type Options struct {
	// Live prints assistant fragments as they stream and replaces them with
	// the final content when the reply completes. Without it only complete
	// replies are printed.
	Live bool

	// Width is the terminal width used to count wrapped lines.
	Width int

	// ClearOnReset clears the screen on Reset instead of printing a divider.
	ClearOnReset bool

	// UserLabel and NarratorLabel name the two sides of the conversation.
	UserLabel     string
	NarratorLabel string
}

type styles struct {
	user     lipgloss.Style
	remote   lipgloss.Style
	narrator lipgloss.Style
	content  lipgloss.Style
	fragment lipgloss.Style
	info     lipgloss.Style
	fresh    lipgloss.Style
	warning  lipgloss.Style
	err      lipgloss.Style
	status   lipgloss.Style
	divider  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		user: r.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true).
			Padding(0, 1),
		remote: r.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true).
			Padding(0, 1),
		narrator: r.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true).
			Padding(0, 1),
		content: r.NewStyle().
			Padding(0, 2),
		fragment: r.NewStyle().
			Foreground(lipgloss.Color("243")),
		info: r.NewStyle().
			Foreground(lipgloss.Color("39")),
		fresh: r.NewStyle().
			Foreground(lipgloss.Color("212")).
			Italic(true).
			Padding(0, 1),
		warning: r.NewStyle().
			Foreground(lipgloss.Color("214")),
		err: r.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
		status: r.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true),
		divider: r.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// liveReply is the streaming placeholder of one reply.
type liveReply struct {
	id   string
	text strings.Builder

	// interrupted is set when other output was printed below the placeholder.
	interrupted bool
}

// Terminal renders a session to a writer. It implements client.Renderer,
// client.DraftRenderer and client.StatusSink.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	opts   Options
	styles styles

	live         *liveReply
	midLine      bool
	state        client.ConnectionState
	reconnecting bool

	inputEnabled bool
	inputReady   chan struct{}
}

var (
	_ client.Renderer      = (*Terminal)(nil)
	_ client.DraftRenderer = (*Terminal)(nil)
	_ client.StatusSink    = (*Terminal)(nil)
)

// NewTerminal creates a Terminal writing to out.
func NewTerminal(out io.Writer, opts Options) *Terminal {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.UserLabel == "" {
		opts.UserLabel = "You"
	}
	if opts.NarratorLabel == "" {
		opts.NarratorLabel = "Narrator"
	}
	return &Terminal{
		out:        out,
		opts:       opts,
		styles:     newStyles(lipgloss.NewRenderer(out)),
		inputReady: make(chan struct{}),
	}
}

// Reset implements client.Renderer.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = nil
	if t.opts.ClearOnReset {
		t.control("\x1b[H\x1b[2J")
		return
	}
	t.println(t.styles.divider.Render(strings.Repeat("─", t.opts.Width)))
}

// AppendUser implements client.Renderer.
func (t *Terminal) AppendUser(text string, origin client.Origin) {
	t.mu.Lock()
	defer t.mu.Unlock()
	label := t.styles.user.Render(t.opts.UserLabel)
	if origin == client.OriginRemote {
		label = t.styles.remote.Render(t.opts.UserLabel + " (elsewhere)")
	}
	t.println(label)
	t.println(t.styles.content.Render(text))
}

// AppendAssistant implements client.Renderer.
func (t *Terminal) AppendAssistant(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.printReply(content)
}

// BeginAssistant implements client.Renderer.
func (t *Terminal) BeginAssistant(replyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live != nil && t.opts.Live {
		t.erase(t.live)
		t.live = nil
	}
	if t.opts.Live {
		t.println(t.narratorLabel())
	}
	t.live = &liveReply{id: replyID}
}

// AppendAssistantDelta implements client.Renderer.
func (t *Terminal) AppendAssistantDelta(replyID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live == nil || t.live.id != replyID {
		return
	}
	t.live.text.WriteString(text)
	if t.opts.Live {
		t.write(t.renderLines(t.styles.fragment, text))
	}
}

// FinishAssistant implements client.Renderer.
func (t *Terminal) FinishAssistant(replyID, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLive(replyID)
	t.printReply(content)
}

// FailAssistant implements client.Renderer.
func (t *Terminal) FailAssistant(replyID, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLive(replyID)
	t.println(t.narratorLabel())
	t.println(t.styles.content.Render(t.styles.err.Render("✗ " + message)))
}

// AppendNotice implements client.Renderer.
func (t *Terminal) AppendNotice(kind client.NoticeKind, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case client.NoticeFreshStart:
		t.println(t.styles.fresh.Render("✨ " + text))
	case client.NoticeError:
		t.println(t.styles.warning.Render("⚠️  " + text))
	case client.NoticeTerminal:
		t.println(t.styles.err.Render("❌ " + text))
	default:
		t.println(t.styles.info.Render("ℹ️  " + text))
	}
}

// SetInputEnabled implements client.Renderer.
func (t *Terminal) SetInputEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enabled == t.inputEnabled {
		return
	}
	t.inputEnabled = enabled
	if enabled {
		close(t.inputReady)
	} else {
		t.inputReady = make(chan struct{})
	}
}

// InputEnabled reports whether the session currently accepts input.
func (t *Terminal) InputEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputEnabled
}

// WaitForInput blocks until input is enabled or ctx is done.
func (t *Terminal) WaitForInput(ctx context.Context) error {
	t.mu.Lock()
	ready := t.inputReady
	t.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStatus implements client.StatusSink.
func (t *Terminal) SetStatus(state client.ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	switch state {
	case client.StateReconnecting:
		if !t.reconnecting {
			t.println(t.styles.status.Render("⟳ connection lost, reconnecting..."))
		}
		t.reconnecting = true
	case client.StateOpen:
		if t.reconnecting {
			t.println(t.styles.status.Render("✓ reconnected"))
		}
		t.reconnecting = false
	case client.StateClosed:
		t.reconnecting = false
	}
}

// State returns the last status reported through SetStatus.
func (t *Terminal) State() client.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RenderDraft implements client.DraftRenderer.
func (t *Terminal) RenderDraft(key string, draft json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	trimmed := bytes.TrimSpace(draft)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.println(t.styles.status.Render(fmt.Sprintf("draft %s cleared", key)))
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "  ", "  "); err != nil {
		buf.Reset()
		buf.Write(trimmed)
	}
	t.println(t.styles.info.Render("📝 draft " + key))
	t.println("  " + buf.String())
}

func (t *Terminal) narratorLabel() string {
	return t.styles.narrator.Render(t.opts.NarratorLabel)
}

func (t *Terminal) printReply(content string) {
	t.println(t.narratorLabel())
	text := PlainText(content)
	if text == "" {
		t.println(t.styles.content.Inherit(t.styles.status).Render("(empty reply)"))
		return
	}
	t.println(t.renderLines(t.styles.content, text))
}

// dropLive discards the placeholder of replyID, erasing it in live mode.
func (t *Terminal) dropLive(replyID string) {
	if t.live == nil || t.live.id != replyID {
		return
	}
	if t.opts.Live {
		t.erase(t.live)
	}
	t.live = nil
}

// erase moves the cursor back to the placeholder's label line and clears
// everything below it.
func (t *Terminal) erase(l *liveReply) {
	if l.interrupted {
		return
	}
	rows := 1 + wrappedRows(l.text.String(), t.opts.Width)
	t.control(fmt.Sprintf("\x1b[%dF\x1b[J", rows-1))
}

// renderLines styles each line on its own, so the style never pads
// shorter lines to the width of the longest.
func (t *Terminal) renderLines(style lipgloss.Style, text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

func (t *Terminal) println(s string) {
	if t.live != nil && t.opts.Live {
		t.live.interrupted = true
	}
	if t.midLine {
		s = "\n" + s
	}
	t.write(s + "\n")
}

func (t *Terminal) write(s string) {
	if s == "" {
		return
	}
	_, _ = io.WriteString(t.out, s)
	t.midLine = !strings.HasSuffix(s, "\n")
}

// control writes an escape sequence that leaves the cursor at the start of a line.
func (t *Terminal) control(seq string) {
	_, _ = io.WriteString(t.out, seq)
	t.midLine = false
}

// wrappedRows counts the terminal rows text occupies at width.
func wrappedRows(text string, width int) int {
	rows := 0
	for _, line := range strings.Split(text, "\n") {
		w := lipgloss.Width(line)
		if w == 0 {
			rows++
			continue
		}
		rows += (w + width - 1) / width
	}
	return rows
}
