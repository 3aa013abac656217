// Command conductor runs the orchestration service with its health and
// metrics endpoints, and provides operator tooling for configuration and
// session management.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor"
	"github.com/conductor-dev/conductor/internal/observability"
	"github.com/conductor-dev/conductor/pkg/config"
	obs "github.com/conductor-dev/conductor/pkg/observability"
)

// Version is set via ldflags.
var Version = "dev"

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Multi-user AI assistant orchestration service",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (YAML)")

	root.AddCommand(versionCmd(), validateCmd(), serveCmd(), sessionsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(configFile)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s\n", Version)
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("configuration OK (%d workflows, %d pipelines)\n", len(cfg.Workflows), len(cfg.Pipelines))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		Long: "Run the orchestration service with health and metrics endpoints.\n" +
			"Without an embedded agent runtime a development echo runner is used,\n" +
			"which answers every turn by repeating its input.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log.Printf("starting conductor %s", Version)

	if cfg.Observability.EnableMetrics {
		obs.InitMetrics()
	}
	if err := observability.Init(observability.Config{
		Enabled:      cfg.Observability.TraceExporter != "none",
		ExporterType: cfg.Observability.TraceExporter,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
	}); err != nil {
		log.Printf("warning: tracing init failed: %v", err)
	}

	svc, err := conductor.NewService(cfg, newEchoRunner())
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	obsServer := obs.NewServer(cfg.Observability.Port, svc.HealthChecker())
	errChan := make(chan error, 1)
	go func() {
		log.Printf("observability endpoints on :%d", cfg.Observability.Port)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("observability server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("error: %v", err)
	case sig := <-quit:
		log.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("observability server shutdown: %v", err)
	}
	if err := svc.Close(); err != nil {
		log.Printf("service shutdown: %v", err)
	}
	if err := observability.Shutdown(ctx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}

	log.Println("conductor stopped")
	return nil
}

func sessionsCmd() *cobra.Command {
	var workflow, userID string
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.PersistentFlags().StringVarP(&workflow, "workflow", "w", "", "workflow name")
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user ID filter")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions for a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			sessions, err := svc.Sessions(cmd.Context(), workflow, userID, limit)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-20s  %3d msgs  %s  %s\n",
					s.ID, s.UserID, len(s.Messages), s.UpdatedAt.Format(time.RFC3339), s.Title)
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of sessions")

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			if err := svc.DeleteSession(cmd.Context(), workflow, userID, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}

func newService() (*conductor.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return conductor.NewService(cfg, newEchoRunner())
}
