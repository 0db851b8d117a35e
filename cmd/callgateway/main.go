package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-call-gateway/internal/adapters/storage"
	"github.com/tjfontaine/polyglot-call-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-call-gateway/pkg/gateway"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "callgateway",
	Short: "Voice gateway bridging Twilio calls to a realtime speech agent",
	// Running with no subcommand serves calls.
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Twilio webhooks, media streams and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the configured storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Opening a SQL store applies pending migrations.
		store, err := storage.NewProvider(cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Printf("storage %q is up to date\n", cfg.Storage.Driver)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <customers.yaml>",
	Short: "Load customer records from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		customers, err := readCustomers(args[0])
		if err != nil {
			return err
		}
		store, err := storage.NewProvider(cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, c := range customers {
			if err := store.UpsertCustomer(cmd.Context(), c); err != nil {
				return fmt.Errorf("seed customer %s: %w", c.ID, err)
			}
		}
		fmt.Printf("seeded %d customers\n", len(customers))
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen [api-key]",
	Short: "Generate an admin API key and the hash to put in config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key, keyHash string
		if len(args) == 1 {
			key, keyHash = args[0], auth.HashAPIKey(args[0])
		} else {
			var err error
			if key, keyHash, err = auth.GenerateAPIKey(); err != nil {
				return err
			}
		}

		fmt.Printf("API Key: %s\n", key)
		fmt.Printf("SHA-256 Hash: %s\n", keyHash)
		fmt.Println("\nAdd this to your organization in config.yaml:")
		fmt.Printf("  api_keys:\n")
		fmt.Printf("    - key_hash: \"%s\"\n", keyHash)
		fmt.Printf("      description: \"Generated key\"\n")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config.yaml")
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, keygenCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	logger := slog.Default()

	gw, err := gateway.New(
		gateway.WithLogger(logger),
		gateway.WithFileConfig(configPath),
		gateway.WithAPIKeyAuth(),
		gateway.WithConfiguredStorage(),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping gateway...")

	// Graceful shutdown lets live calls write their final transcript entries.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return gw.Shutdown(shutdownCtx)
}
