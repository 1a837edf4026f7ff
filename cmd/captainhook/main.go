package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"captainhook/internal/config"
	"captainhook/internal/constants"
	"captainhook/internal/logger"
	"captainhook/internal/subscription"
	"captainhook/pkg/cel"
	"captainhook/pkg/logging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceName,
		Short: "Webhook dispatcher for broker events",
		Long:  "Captain Hook reads events from the broker and delivers them to the webhooks configured per event type",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging.Level)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Captain Hook", "pool", cfg.Pool.Name, "pool_size", cfg.Pool.Size)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				_ = app.Shutdown(context.Background())
				log.Fatalf("Failed to initialize application: %v", err)
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

// validateConfigCmd checks the config file and, for a file subscription
// source, every subscription in it including CEL conditions.
func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the config and subscription files without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			if cfg.Subscriptions.Source != constants.SubscriptionSourceFile {
				earlyLog.Info("Config %s is valid", configFile)
				return nil
			}

			subs, err := subscription.LoadFile(cfg.Subscriptions.File)
			if err != nil {
				earlyLog.Error("Failed to read subscriptions: %v", err)
				return err
			}

			evaluator, err := cel.NewEvaluator()
			if err != nil {
				return fmt.Errorf("failed to create CEL evaluator: %w", err)
			}

			var invalid int
			for _, sub := range subs {
				if err := sub.Validate(evaluator); err != nil {
					invalid++
					earlyLog.Warn("Subscription %q is invalid: %v", sub.EventType, err)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d subscriptions are invalid", invalid, len(subs))
			}

			earlyLog.Info("Config %s is valid with %d subscriptions", configFile, len(subs))
			return nil
		},
	}
}
