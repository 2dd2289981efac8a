package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mizuki/agentrelay/internal/audit"
	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/delivery"
	"github.com/mizuki/agentrelay/internal/gateway"
	"github.com/mizuki/agentrelay/internal/logger"
	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/mizuki/agentrelay/internal/router"
	"github.com/mizuki/agentrelay/internal/session"
	"github.com/mizuki/agentrelay/pkg/relayqueue"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay gateway",
	Long: `Serve loads the agent configuration, starts the sequential delivery
queue and exposes the HTTP front door (/chat, /health, /metrics).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8000", "listen address")
	serveCmd.Flags().String("audit-log", "logs/conversations.jsonl", "conversation audit log path")
	_ = viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("audit_log", serveCmd.Flags().Lookup("audit-log"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logCfg := logger.DefaultConfig()
	logCfg.Level = viper.GetString("log_level")
	appLogger, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	zl := appLogger.GetZerolog()

	configPath := viper.GetString("config")
	store := config.NewStore(configPath)

	// First load is fatal: a relay with no agents cannot serve.
	if err := store.EnsureLatest(); err != nil {
		return fmt.Errorf("initial configuration load failed: %w", err)
	}
	snap := store.Snapshot()
	zl.Info().
		Strs("agents", snap.AgentNames()).
		Msg("Configuration loaded")

	sessions := session.NewStore()

	var invoker delivery.Invoker = delivery.NewClient()
	if snap.Delivery.Breaker.Enabled {
		zl.Info().Msg("Delivery circuit breaker enabled")
		invoker = delivery.NewBreaker(invoker, snap.Delivery.Breaker)
	}

	relay := router.New(store, sessions, invoker)
	queue := relayqueue.New()
	defer queue.Close()

	watcher, err := config.NewWatcher(store, 0)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Stop()

	// Heartbeat: refresh config even without traffic and keep the session
	// gauge current.
	scheduler := cron.New()
	_, err = scheduler.AddFunc("@every 1m", func() {
		if err := store.EnsureLatest(); err != nil {
			zl.Error().Err(err).Msg("Scheduled config refresh failed")
		}
		observability.SetActiveSessions(sessions.Len())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	server, err := gateway.NewServer(gateway.Config{
		Addr:     viper.GetString("addr"),
		Store:    store,
		Router:   relay,
		Queue:    queue,
		AuditLog: audit.NewLog(viper.GetString("audit_log")),
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	if err := server.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("Gateway shutdown error")
	}

	return nil
}
