package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/storyplay/internal/client"
	"github.com/inercia/storyplay/internal/render"
)

var (
	historyLimit   int
	historyTimeout time.Duration
)

// historyCmd prints the history of a session and exits.
var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Print the history of a story session",
	Long: `Connect to a story session, print its recent turns and exit.

Examples:
  storyplay history                 # Last session played
  storyplay history tower --limit 5 # Last 5 turns of session "tower"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Number of turns to print (default: session.history_limit)")
	historyCmd.Flags().DurationVar(&historyTimeout, "timeout", 15*time.Second, "How long to wait for the history")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer kv.Close()

	sessionID := resolveSessionID(kv)
	if len(args) == 1 {
		sessionID = args[0]
	}
	if sessionID == "" {
		return fmt.Errorf("no session to show: pass a session id or play one first")
	}

	limit := cfg.Session.HistoryLimit
	if historyLimit > 0 {
		limit = historyLimit
	}

	api := newClient()
	term := render.NewTerminal(os.Stdout, render.Options{Width: cfg.Render.Width})
	conn, err := client.NewSessionConnection(client.ConnectionConfig{
		SessionID:            sessionID,
		Endpoint:             api.SessionURL,
		Renderer:             term,
		Status:               term,
		Backoff:              cfg.Backoff(),
		HistoryLimit:         limit,
		IntentionalCloseCode: cfg.Reconnect.IntentionalCloseCode,
		Meta:                 lookupMeta(ctx, api, sessionID),
	})
	if err != nil {
		return err
	}

	go conn.Run(ctx)
	defer conn.Close()

	// Input is enabled once the history has been rendered.
	wctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()
	if err := term.WaitForInput(wctx); err != nil {
		return fmt.Errorf("history of %s not received: %w", sessionID, err)
	}
	return nil
}
