package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacksonkasi1/tiger-schema-sub001/pkg/mcphub"
)

const statusConnectTimeout = 30 * time.Second

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to every configured server and report health",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), statusConnectTimeout)
	defer cancel()

	hub := mcphub.NewManager(nil)
	if err := hub.Initialize(ctx, configPath, nil); err != nil {
		return err
	}
	defer func() { _ = hub.Shutdown(context.Background()) }()

	stats := hub.Stats()
	if stats.TotalServers == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	fmt.Println("Servers:")
	for _, state := range stats.Servers {
		switch state.Status {
		case mcphub.StatusConnected:
			fmt.Printf("  %s: connected (tools=%d)\n", state.Config.ID, state.ToolCount)
		case mcphub.StatusError, mcphub.StatusTimeout:
			msg := "unknown error"
			if state.LastError != nil {
				msg = state.LastError.Error()
			}
			fmt.Printf("  %s: %s (%s)\n", state.Config.ID, state.Status, msg)
		default:
			fmt.Printf("  %s: %s\n", state.Config.ID, state.Status)
		}
	}
	fmt.Printf("Connected %d/%d, %d tools total.\n",
		stats.ConnectedServers, stats.TotalServers, stats.TotalTools)
	return nil
}
