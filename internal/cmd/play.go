package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/storyplay/internal/client"
	"github.com/inercia/storyplay/internal/logging"
	"github.com/inercia/storyplay/internal/render"
	"github.com/inercia/storyplay/internal/store"
)

var (
	// play-specific flags
	playPlain bool
)

// promptPollInterval is how often the shell rechecks the connection while
// waiting for input to be enabled.
const promptPollInterval = 250 * time.Millisecond

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play a story session interactively",
	Long: `Attach to a story session and play it from the terminal.

The session is taken from --session, the configuration file, or the
last session played. A new session is started when none is known.

Commands:
  /reconnect    - Reconnect now
  /status       - Show the connection status
  /quit, /exit  - Exit
  /help         - Show available commands`,
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().BoolVar(&playPlain, "plain", false, "Print replies only once complete instead of streaming them")
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.CLI()

	kv, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer kv.Close()

	api := newClient()
	sessionID := resolveSessionID(kv)
	meta := lookupMeta(ctx, api, sessionID)

	term := render.NewTerminal(os.Stdout, render.Options{
		Live:         cfg.Render.Live && !playPlain,
		Width:        cfg.Render.Width,
		ClearOnReset: cfg.Render.ClearOnReset,
	})

	conn, err := client.NewSessionConnection(client.ConnectionConfig{
		SessionID:            sessionID,
		Endpoint:             api.SessionURL,
		Renderer:             term,
		Store:                kv,
		Status:               term,
		Backoff:              cfg.Backoff(),
		HistoryLimit:         cfg.Session.HistoryLimit,
		IntentionalCloseCode: cfg.Reconnect.IntentionalCloseCode,
		ReplyTimeout:         cfg.ReplyTimeout.Duration,
		SendLimiter:          cfg.SendLimiter(),
		Meta:                 meta,
	})
	if err != nil {
		return err
	}

	fmt.Printf("🎲 Story session: %s\n", conn.SessionID())
	fmt.Printf("   Server: %s\n", cfg.Server.URL)

	go func() {
		if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Session connection stopped", "error", err)
		}
	}()
	defer conn.Close()

	if f, ok := kv.(*store.File); ok {
		go watchSessionSwitch(ctx, f, conn.SessionID(), term)
	}

	return runShell(ctx, conn, term)
}

// lookupMeta fetches the story metadata used by the fresh-start notice.
// Failures only cost the adventure name, so they are logged and ignored.
func lookupMeta(ctx context.Context, api *client.Client, sessionID string) client.SessionMeta {
	if sessionID == "" {
		return client.SessionMeta{}
	}
	info, err := api.GetStory(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, client.ErrStoryNotFound) {
			logging.CLI().Debug("Failed to fetch story metadata", "session_id", sessionID, "error", err)
		}
		return client.SessionMeta{}
	}
	return info.Meta()
}

// watchSessionSwitch tells the player when another instance sharing the
// store starts playing a different session.
func watchSessionSwitch(ctx context.Context, f *store.File, current string, r client.Renderer) {
	err := f.Watch(ctx, func(ch store.Change) {
		if ch.Key != client.LastSessionKey || ch.Deleted || ch.Value == current {
			return
		}
		r.AppendNotice(client.NoticeInfo,
			fmt.Sprintf("Another storyplay switched to session %s. Restart with --session to follow it.", ch.Value))
	})
	if err != nil {
		logging.CLI().Debug("Store watch stopped", "error", err)
	}
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit storyplay"},
	{"/exit", "Exit storyplay (alias)"},
	{"/q", "Exit storyplay (alias)"},
	{"/reconnect", "Reconnect to the session now"},
	{"/status", "Show the connection status"},
}

// session is what the shell needs from a SessionConnection.
type session interface {
	Send(ctx context.Context, text string) error
	Reconnect(ctx context.Context) error
	Status() client.Status
	Done() <-chan struct{}
}

func runShell(ctx context.Context, conn session, term *render.Terminal) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "story> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(line, cursor)
	}

	fmt.Println("\n📝 Type what you do and press Enter. Use /help for commands. Tab completes commands.")

	for {
		waitForPrompt(ctx, conn, term)

		select {
		case <-ctx.Done():
			fmt.Println("\n👋 Goodbye!")
			return nil
		case <-conn.Done():
			return fmt.Errorf("session connection stopped")
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, os.Stdout, conn, line); quit {
				return nil
			}
			continue
		}

		if err := conn.Send(ctx, line); err != nil {
			printSendError(os.Stdout, err)
		}
	}
}

// waitForPrompt blocks until the session accepts input, or until waiting
// is pointless because the connection gave up and only commands can help.
func waitForPrompt(ctx context.Context, conn session, term *render.Terminal) {
	for {
		wctx, cancel := context.WithTimeout(ctx, promptPollInterval)
		err := term.WaitForInput(wctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			return
		}
		if conn.Status().State == client.StateClosed {
			return
		}
		select {
		case <-conn.Done():
			return
		default:
		}
	}
}

func printSendError(w io.Writer, err error) {
	switch {
	case errors.Is(err, client.ErrNotConnected):
		// The connection already told the player.
	case errors.Is(err, client.ErrReplyInFlight):
		fmt.Fprintln(w, "⏳ The narrator is still answering. Wait for the reply to finish.")
	case errors.Is(err, client.ErrRateLimited):
		fmt.Fprintln(w, "⏳ Slow down a little and try again.")
	default:
		fmt.Fprintf(w, "❌ Error: %v\n", err)
	}
}

// handleCommand runs a slash command and reports whether the shell should exit.
func handleCommand(ctx context.Context, w io.Writer, conn session, line string) bool {
	cmd := strings.ToLower(strings.TrimPrefix(line, "/"))
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		fmt.Fprintln(w, "❓ Empty command (use /help for available commands)")
		return false
	}

	switch parts[0] {
	case "quit", "exit", "q":
		fmt.Fprintln(w, "👋 Goodbye!")
		return true
	case "reconnect":
		if err := conn.Reconnect(ctx); err != nil {
			fmt.Fprintf(w, "❌ Reconnect error: %v\n", err)
		} else {
			fmt.Fprintln(w, "⟳ Reconnecting...")
		}
	case "status":
		printStatus(w, conn.Status())
	case "help", "h", "?":
		printHelp(w)
	default:
		fmt.Fprintf(w, "❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return false
}

func printStatus(w io.Writer, st client.Status) {
	fmt.Fprintf(w, "Session:    %s\n", st.SessionID)
	fmt.Fprintf(w, "State:      %s\n", st.State)
	if st.ConnectionID != "" {
		fmt.Fprintf(w, "Connection: %s\n", st.ConnectionID)
	}
	if st.Attempt > 0 {
		fmt.Fprintf(w, "Attempt:    %d\n", st.Attempt)
	}
	if st.ReplyID != "" {
		fmt.Fprintf(w, "Reply:      %s (in progress)\n", st.ReplyID)
	}
	fmt.Fprintf(w, "Input:      %v\n", st.InputEnabled)
	if st.Terminal {
		fmt.Fprintln(w, "The connection gave up. Use /reconnect to try again.")
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `
Available commands:
  /reconnect        - Reconnect to the session now
  /status           - Show the connection status
  /quit, /exit, /q  - Exit storyplay
  /help, /h, /?     - Show this help message

Tips:
  - Type what your character does and press Enter
  - Input is disabled while the narrator is answering
  - Use Ctrl+C to exit gracefully
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// textBeforeCursor returns the input up to the cursor, which readline
// counts in runes.
func textBeforeCursor(line []rune, cursor int) string {
	cursor = min(max(cursor, 0), len(line))
	return string(line[:cursor])
}

// completeInput provides tab completion for the shell input.
// It completes slash commands when the input starts with "/".
func completeInput(line []rune, cursor int) readline.Completions {
	text := textBeforeCursor(line, cursor)

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	var matches []string
	var descriptions []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			matches = append(matches, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}

	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}
