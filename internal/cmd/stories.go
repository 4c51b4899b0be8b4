package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/inercia/storyplay/internal/client"
)

var storiesDetails bool

// storiesCmd lists the stories known to the server.
var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List the stories known to the server",
	Long: `List the story sessions known to the server.

Examples:
  storyplay stories            # Story ids only
  storyplay stories --details  # Name, adventure and last update of each story`,
	Args: cobra.NoArgs,
	RunE: runStories,
}

func init() {
	rootCmd.AddCommand(storiesCmd)

	storiesCmd.Flags().BoolVar(&storiesDetails, "details", false, "Fetch and print the details of every story")
}

func runStories(cmd *cobra.Command, args []string) error {
	return listStories(cmd.Context(), newClient(), os.Stdout, storiesDetails)
}

func listStories(ctx context.Context, api *client.Client, w io.Writer, details bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ids, err := api.ListStories(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "No stories yet. Use 'storyplay play' to start one.")
		return nil
	}
	if !details {
		for _, id := range ids {
			fmt.Fprintln(w, id)
		}
		return nil
	}

	r := lipgloss.NewRenderer(w)
	idStyle := r.NewStyle().Bold(true)
	dimStyle := r.NewStyle().Foreground(lipgloss.Color("240"))
	for _, id := range ids {
		info, err := api.GetStory(ctx, id)
		if err != nil {
			if errors.Is(err, client.ErrStoryNotFound) {
				continue
			}
			return err
		}
		fmt.Fprintln(w, idStyle.Render(info.ID))
		if info.Name != "" {
			fmt.Fprintf(w, "  name:      %s\n", info.Name)
		}
		if info.AdventureName != "" {
			fmt.Fprintf(w, "  adventure: %s\n", info.AdventureName)
		}
		if info.FollowingMode != "" {
			fmt.Fprintf(w, "  following: %s\n", info.FollowingMode)
		}
		if info.UpdatedAt != "" {
			fmt.Fprintln(w, dimStyle.Render("  updated:   "+info.UpdatedAt))
		}
	}
	return nil
}
