package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tanvir/chatbridge/internal/api"
	"github.com/tanvir/chatbridge/internal/config"
	"github.com/tanvir/chatbridge/internal/dispatch"
	"github.com/tanvir/chatbridge/internal/models"
	"github.com/tanvir/chatbridge/internal/platform"
	"github.com/tanvir/chatbridge/internal/relay"
	"github.com/tanvir/chatbridge/internal/retry"
	"github.com/tanvir/chatbridge/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatbridge",
		Short: "ChatBridge — messaging platform to CRM bridge",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(accountCmd(&configPath))
	rootCmd.AddCommand(dlqCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ChatBridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			engine := retry.NewEngine(cfg.Retry, store, retry.LogAlerter{Log: log}, log)
			emitter := relay.NewEmitter(store, engine.Window(), log)
			client := platform.NewHTTPClient(cfg.Platform.BaseURL, cfg.Platform.AccessToken, cfg.Platform.Timeout)
			dispatcher := dispatch.New(cfg.Dispatch, store, client, emitter, log)
			rl := relay.New(store, engine, cfg.Relay.AttemptTimeout, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			dispatcher.Recover(ctx)
			engine.Start(ctx)

			server := api.NewServer(cfg.Server, cfg.Platform.AppSecret, store, dispatcher, rl, engine, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Retry.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("ChatBridge is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			dispatcher.Close()
			engine.Stop()

			log.Info().Msg("ChatBridge stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Println("migrations completed successfully")
			return nil
		},
	}
}

func accountCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage CRM accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			webhookURL, _ := cmd.Flags().GetString("webhook-url")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if webhookURL == "" {
				return fmt.Errorf("--webhook-url is required")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			account := &models.Account{
				ID:            models.NewID("acct"),
				Name:          name,
				WebhookURL:    webhookURL,
				WebhookSecret: models.NewSecret(),
				APIToken:      models.NewAPIToken(),
				Status:        models.AccountActive,
				CreatedAt:     now,
				UpdatedAt:     now,
			}

			if err := store.CreateAccount(context.Background(), account); err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}

			out, _ := json.MarshalIndent(account, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "account name")
	createCmd.Flags().String("webhook-url", "", "CRM webhook endpoint URL")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			accounts, err := store.ListAccounts(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			if len(accounts) == 0 {
				fmt.Println("No accounts found.")
				return nil
			}

			for _, a := range accounts {
				fmt.Printf("  %s  %s  [%s]  (created %s)\n", a.ID, a.Name, a.Status, a.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func dlqCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered webhook deliveries",
	}

	listCmd := &cobra.Command{
		Use:   "list <account_id>",
		Short: "List DLQ entries for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: chatbridge dlq list <account_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deliveries, err := store.ListDLQ(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to list dlq: %w", err)
			}

			if len(deliveries) == 0 {
				fmt.Println("DLQ is empty.")
				return nil
			}

			for _, d := range deliveries {
				fmt.Printf("  %s  %s  attempts=%d  (created %s)\n", d.ID, d.EventType, d.RetryCount, d.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue <delivery_id>",
		Short: "Re-enqueue a dead-lettered delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: chatbridge dlq requeue <delivery_id>")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			engine := retry.NewEngine(cfg.Retry, store, retry.LogAlerter{Log: log}, log)
			d, err := engine.Requeue(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to requeue: %w", err)
			}

			out, _ := json.MarshalIndent(d, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(listCmd, requeueCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <account_id>",
		Short: "Show messaging and delivery stats for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: chatbridge stats <account_id>")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ChatBridge v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
