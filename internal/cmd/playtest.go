package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/storyplay/internal/appdir"
	"github.com/inercia/storyplay/internal/logging"
	"github.com/inercia/storyplay/internal/playtest"
	"github.com/inercia/storyplay/internal/store"
)

var (
	playtestListen    string
	playtestStore     string
	playtestBackend   string
	playtestStory     string
	playtestAdventure string
	playtestPersist   bool
	playtestAccessLog string
)

// playtestCmd runs the local story server.
var playtestCmd = &cobra.Command{
	Use:   "playtest",
	Short: "Run a local story server for trying the client out",
	Long: `Start a local story server that speaks the storyplay protocol.

The narrator echoes every action back as a short markdown reply, streamed
word by word. Use it to try the client, or to reproduce connection issues
without the real server.

Example:
  storyplay playtest                              # Listen on playtest.listen
  storyplay playtest --listen :9000 --persist     # Keep stories between runs
  storyplay playtest --story tower --adventure "Lost Mine"`,
	Args: cobra.NoArgs,
	RunE: runPlaytest,
}

func init() {
	rootCmd.AddCommand(playtestCmd)

	playtestCmd.Flags().StringVar(&playtestListen, "listen", "", "Address to listen on (default: playtest.listen)")
	playtestCmd.Flags().BoolVar(&playtestPersist, "persist", false, "Persist stories in the data directory")
	playtestCmd.Flags().StringVar(&playtestStore, "store", "", "Store path for persisted stories (implies --persist)")
	playtestCmd.Flags().StringVar(&playtestBackend, "store-backend", store.BackendSQLite, "Store backend for persisted stories: file or sqlite")
	playtestCmd.Flags().StringVar(&playtestStory, "story", "", "Create a story with this id on startup")
	playtestCmd.Flags().StringVar(&playtestAdventure, "adventure", "", "Adventure name of the --story")
	playtestCmd.Flags().StringVar(&playtestAccessLog, "access-log", "", "Write an access log to this file (rotated at 10MB)")
}

func runPlaytest(cmd *cobra.Command, args []string) error {
	logger := logging.Server()

	listen := playtestListen
	if listen == "" {
		listen = cfg.Playtest.Listen
	}

	var kv store.KV
	if playtestPersist || playtestStore != "" {
		path := playtestStore
		if path == "" {
			dir, err := appdir.Dir()
			if err != nil {
				return err
			}
			name := "playtest.json"
			if playtestBackend == store.BackendSQLite {
				name = "playtest.db"
			}
			path = filepath.Join(dir, name)
		}
		var err error
		kv, err = store.Open(playtestBackend, path)
		if err != nil {
			return fmt.Errorf("failed to open playtest store: %w", err)
		}
		defer kv.Close()
	}

	accessLog := playtest.NewAccessLogger(playtest.AccessLogConfig{Path: playtestAccessLog})
	defer accessLog.Close()

	srv := playtest.NewServer(playtest.Config{
		AccessLog:     accessLog,
		Store:         kv,
		FragmentDelay: cfg.Playtest.FragmentDelay.Duration,
		Logger:        logger,
	})
	defer srv.Close()

	if playtestStory != "" {
		if err := srv.CreateStory(playtest.Story{ID: playtestStory, AdventureName: playtestAdventure}); err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Printf("🧪 Playtest server\n")
	fmt.Printf("   URL: http://%s\n", listener.Addr())
	if kv != nil {
		fmt.Printf("   Stories persisted (%s)\n", playtestBackend)
	}
	if accessLog != nil {
		fmt.Printf("   Access log: %s\n", playtestAccessLog)
	}
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		fmt.Println("\n👋 Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Close the story sockets first: Shutdown does not wait for hijacked connections.
		srv.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown failed", "error", err)
		}
	}()

	if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
