package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dmrelay/internal/config"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
	"dmrelay/internal/relay"
	"dmrelay/internal/store"
	"dmrelay/internal/telegram"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Secrets commonly live in a .env next to the binary; absence is fine.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "dmrelay",
		Short: "dmrelay: protected DM relay between two Telegram identities",
		Long: "dmrelay mirrors inbound DMs into a staging group, lets the operator\n" +
			"compose replies there, and delivers them back protected (no forwarding\n" +
			"or saving) through a second identity.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.dmrelay/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(operatorCmd())
	root.AddCommand(deliveryCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Operator.Token = "${OPERATOR_BOT_TOKEN}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Printf("Edit %s: set operator.ownerId and the bot token, then run 'dmrelay operator'.\n", cfgPath)
			return nil
		},
	}
}

func operatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operator",
		Short: "Run the operator process (commands, mirroring, reply harvesting)",
		RunE:  runOperator,
	}
}

func deliveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delivery",
		Short: "Run the delivery process (DM ingestion, protected sends)",
		RunE:  runDelivery,
	}
}

func runOperator(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	logger = setupLogger(cfg.Log)

	if cfg.Operator.Token == "" {
		return fmt.Errorf("operator.token is not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := telegram.NewClient(cfg.Operator.Token, logger)
	if err != nil {
		return err
	}

	startMetrics(cfg.Metrics)

	op := relay.NewOperator(relay.OperatorDeps{
		OwnerID:      cfg.Operator.OwnerID,
		PollInterval: cfg.Operator.PollInterval.Std(),
		Jobs:         db,
		Configs:      db,
		Messenger:    client,
		Validate:     telegram.Validate,
		Logger:       logger,
	})

	logger.Info("operator process starting", "version", version, "owner_id", cfg.Operator.OwnerID)
	return op.Run(ctx, client.Updates(ctx))
}

func runDelivery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	logger = setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// The credential is provisioned through the operator bot; wait for it
	// to show up rather than failing the process.
	token := cfg.Delivery.Token
	for token == "" {
		token = db.GetConfig(ctx, domain.ConfigDeliveryToken, "")
		if token != "" {
			break
		}
		logger.Info("waiting for delivery credential, use /generate_session on the operator bot")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
		}
	}

	client, err := telegram.NewClient(token, logger)
	if err != nil {
		return err
	}

	startMetrics(cfg.Metrics)

	del := relay.NewDelivery(relay.DeliveryDeps{
		SelfID:       client.Self().ID,
		PollInterval: cfg.Delivery.PollInterval.Std(),
		StaleAfter:   cfg.Delivery.StaleAfter.Std(),
		Jobs:         db,
		Configs:      db,
		Messenger:    client,
		Logger:       logger,
	})

	logger.Info("delivery process starting", "version", version, "identity", client.Self().UserName)
	return del.Run(ctx, client.Updates(ctx))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and configuration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			staging := db.GetConfig(ctx, domain.ConfigStagingChat, "not set")
			credential := "missing"
			if db.GetConfig(ctx, domain.ConfigDeliveryToken, "") != "" {
				credential = "configured"
			}
			fmt.Printf("Staging group:       %s\n", staging)
			fmt.Printf("Delivery credential: %s\n", credential)

			counts, err := db.CountByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Queue:")
			for _, status := range []domain.JobStatus{
				domain.StatusNew, domain.StatusPendingReply, domain.StatusReadyToSend,
				domain.StatusSending, domain.StatusCompleted, domain.StatusError,
			} {
				fmt.Printf("  %-14s %d\n", status, counts[status])
			}
			return nil
		},
	}
}

func startMetrics(cfg config.MetricsConfig) {
	if !cfg.Enabled {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Collector.Handler())
		logger.Info("metrics endpoint listening", "addr", cfg.Listen)
		if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
			logger.Error("metrics endpoint failed", "err", err)
		}
	}()
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.File, "err", err)
		} else {
			out = io.MultiWriter(os.Stderr, f)
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
