package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacksonkasi1/tiger-schema-sub001/pkg/mcpgateway"
	"github.com/jacksonkasi1/tiger-schema-sub001/pkg/mcphub"
)

func NewServeCmd() *cobra.Command {
	var (
		addr    string
		path    string
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub and its aggregating gateway endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, addr, path, origins)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8700", "Gateway listen address")
	cmd.Flags().StringVar(&path, "path", "/mcp", "Gateway endpoint path")
	cmd.Flags().StringSliceVar(&origins, "allowed-origins", nil, "Browser origins allowed through CORS")

	return cmd
}

func runServe(ctx context.Context, addr, path string, origins []string) error {
	hub := mcphub.NewManager(nil)
	if err := hub.Initialize(ctx, configPath, nil); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			slog.Warn("hub shutdown", "error", err)
		}
	}()

	gw, err := mcpgateway.NewGateway(hub, &mcpgateway.Options{
		Addr:           addr,
		Path:           path,
		AllowedOrigins: origins,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	slog.Info("gateway listening", "addr", addr, "path", path)
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
