package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inercia/storyplay/internal/client"
	"github.com/inercia/storyplay/internal/config"
	"github.com/inercia/storyplay/internal/logging"
	"github.com/inercia/storyplay/internal/playtest"
)

func TestCompleteInput(t *testing.T) {
	tests := []struct {
		name          string
		line          string
		cursor        int
		wantNoMatches bool
	}{
		{name: "empty input returns no completions", line: "", cursor: 0, wantNoMatches: true},
		{name: "non-slash input returns no completions", line: "open the door", cursor: 4, wantNoMatches: true},
		{name: "unknown command prefix returns no matches", line: "/xyz", cursor: 4, wantNoMatches: true},
		{name: "slash only shows all commands", line: "/", cursor: 1},
		{name: "partial /re matches reconnect", line: "/re", cursor: 3},
		{name: "cursor beyond line length is handled", line: "/st", cursor: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completions := completeInput([]rune(tt.line), tt.cursor)
			if tt.wantNoMatches {
				prefix := tt.line[:min(tt.cursor, len(tt.line))]
				if completions.PREFIX != "" && completions.PREFIX != prefix {
					t.Errorf("expected no completions, but got some with PREFIX=%q", completions.PREFIX)
				}
			}
		})
	}
}

func TestTextBeforeCursor(t *testing.T) {
	tests := []struct {
		line   string
		cursor int
		want   string
	}{
		{"/status", 3, "/st"},
		{"/status", 100, "/status"},
		{"/status", -1, ""},
		{"/é", 2, "/é"},
		{"/ñandú", 4, "/ñan"},
		{"mirá /re", 8, "mirá /re"},
	}
	for _, tt := range tests {
		if got := textBeforeCursor([]rune(tt.line), tt.cursor); got != tt.want {
			t.Errorf("textBeforeCursor(%q, %d) = %q, want %q", tt.line, tt.cursor, got, tt.want)
		}
	}
}

func TestSlashCommandsDefinition(t *testing.T) {
	expectedCommands := map[string]bool{
		"/help":      false,
		"/h":         false,
		"/?":         false,
		"/quit":      false,
		"/exit":      false,
		"/q":         false,
		"/reconnect": false,
		"/status":    false,
	}

	for _, cmd := range slashCommands {
		if _, ok := expectedCommands[cmd.name]; ok {
			expectedCommands[cmd.name] = true
		} else {
			t.Errorf("unexpected command in slashCommands: %s", cmd.name)
		}
		if cmd.description == "" {
			t.Errorf("command %s has empty description", cmd.name)
		}
	}

	for cmd, found := range expectedCommands {
		if !found {
			t.Errorf("expected command %s not found in slashCommands", cmd)
		}
	}
}

// fakeSession records the commands the shell sends to the connection.
type fakeSession struct {
	sent         []string
	reconnects   int
	reconnectErr error
	status       client.Status
	done         chan struct{}
}

func (f *fakeSession) Send(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) Reconnect(context.Context) error {
	f.reconnects++
	return f.reconnectErr
}

func (f *fakeSession) Status() client.Status { return f.status }
func (f *fakeSession) Done() <-chan struct{} { return f.done }

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		line       string
		wantQuit   bool
		wantOutput string
	}{
		{"/quit", true, "Goodbye"},
		{"/EXIT", true, "Goodbye"},
		{"/q", true, "Goodbye"},
		{"/help", false, "Available commands"},
		{"/?", false, "Available commands"},
		{"/status", false, "State:      open"},
		{"/reconnect", false, "Reconnecting"},
		{"/dance", false, "Unknown command: dance"},
		{"/", false, "Empty command"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			sess := &fakeSession{status: client.Status{State: client.StateOpen, SessionID: "tower"}}
			var out bytes.Buffer

			quit := handleCommand(context.Background(), &out, sess, tt.line)
			if quit != tt.wantQuit {
				t.Errorf("handleCommand(%q) quit = %v, want %v", tt.line, quit, tt.wantQuit)
			}
			if !strings.Contains(out.String(), tt.wantOutput) {
				t.Errorf("handleCommand(%q) output = %q, want it to contain %q", tt.line, out.String(), tt.wantOutput)
			}
			if len(sess.sent) != 0 {
				t.Errorf("commands must not be sent as actions: %v", sess.sent)
			}
		})
	}
}

func TestHandleCommand_ReconnectError(t *testing.T) {
	sess := &fakeSession{reconnectErr: client.ErrNotConnected}
	var out bytes.Buffer

	handleCommand(context.Background(), &out, sess, "/reconnect")
	if sess.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", sess.reconnects)
	}
	if !strings.Contains(out.String(), "Reconnect error: not connected") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, client.Status{
		State:     client.StateClosed,
		SessionID: "tower",
		Attempt:   5,
		Terminal:  true,
	})
	got := out.String()
	for _, want := range []string{"Session:    tower", "State:      closed", "Attempt:    5", "/reconnect"} {
		if !strings.Contains(got, want) {
			t.Errorf("printStatus output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Connection:") {
		t.Errorf("empty connection id should not be printed:\n%s", got)
	}
}

func TestPrintSendError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{client.ErrNotConnected, ""},
		{client.ErrReplyInFlight, "still answering"},
		{fmt.Errorf("send: %w", client.ErrRateLimited), "Slow down"},
		{errors.New("boom"), "Error: boom"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		printSendError(&out, tt.err)
		if tt.want == "" {
			if out.Len() != 0 {
				t.Errorf("printSendError(%v) = %q, want no output", tt.err, out.String())
			}
			continue
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("printSendError(%v) = %q, want it to contain %q", tt.err, out.String(), tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" conn, stream,,history ")
	want := []string{"conn", "stream", "history"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("splitList() = %v, want %v", got, want)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

func TestListStories(t *testing.T) {
	srv := playtest.NewServer(playtest.Config{Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	api := client.New(ts.URL)

	var out bytes.Buffer
	if err := listStories(context.Background(), api, &out, false); err != nil {
		t.Fatalf("listStories: %v", err)
	}
	if !strings.Contains(out.String(), "No stories yet") {
		t.Errorf("empty listing = %q", out.String())
	}

	if err := srv.CreateStory(playtest.Story{ID: "tower", Name: "The Tower", AdventureName: "Lost Mine"}); err != nil {
		t.Fatal(err)
	}
	if err := srv.CreateStory(playtest.Story{ID: "cave"}); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := listStories(context.Background(), api, &out, false); err != nil {
		t.Fatalf("listStories: %v", err)
	}
	if out.String() != "cave\ntower\n" {
		t.Errorf("listing = %q, want %q", out.String(), "cave\ntower\n")
	}

	out.Reset()
	if err := listStories(context.Background(), api, &out, true); err != nil {
		t.Fatalf("listStories details: %v", err)
	}
	for _, want := range []string{"tower", "name:      The Tower", "adventure: Lost Mine", "updated:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("detailed listing missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintConfig(t *testing.T) {
	c := config.Default()
	c.Session.ID = "tower"

	for _, format := range []config.Format{config.FormatYAML, config.FormatJSON, config.FormatTOML} {
		var out bytes.Buffer
		if err := printConfig(&out, c, format); err != nil {
			t.Fatalf("printConfig(%s): %v", format, err)
		}
		if !strings.Contains(out.String(), "tower") {
			t.Errorf("printConfig(%s) missing session id:\n%s", format, out.String())
		}
		if !strings.HasSuffix(out.String(), "\n") {
			t.Errorf("printConfig(%s) output should end with a newline", format)
		}
	}

	if err := printConfig(&bytes.Buffer{}, c, config.Format("ini")); err == nil {
		t.Error("expected error for unsupported format")
	}
}
