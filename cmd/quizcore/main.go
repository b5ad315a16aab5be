package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rtquiz/quizcore/internal/app"
	"github.com/rtquiz/quizcore/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quizcore",
		Short: "Storage and resilience core for the realtime quiz platform",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.String("mongo-database", "quiz", "MongoDB database name")
	f.Int("mongo-connect-timeout", 5, "MongoDB connect timeout in seconds")
	f.Int("mongo-socket-timeout", 45, "MongoDB socket timeout in seconds")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Int("breaker-threshold", 5, "consecutive failures before the store breaker opens")
	f.Int("breaker-reset", 60, "seconds before an open breaker re-probes")
	f.Int("batch-size", 100, "answers per batch insert")
	f.Int("flush-interval-ms", 1000, "answer batch flush interval in milliseconds")
	f.Int("batch-max-retries", 3, "insert retries before a batch is parked")
	f.Int("recovery-check-interval", 30, "seconds between recovery worker checks")
	f.Int("recovery-batch-size", 10, "pending writes replayed per batch")
	f.Int("ops-port", 8080, "HTTP port for the ops server")
	f.String("log-level", "info", "log level (debug, info, warn, error)")

	// Bind flags to viper. Viper keys use underscores (mongo_uri) so they
	// match the env var suffix after stripping the QUIZCORE_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("mongo_uri", "mongo-uri")
	bindFlag("mongo_database", "mongo-database")
	bindFlag("mongo_connect_timeout", "mongo-connect-timeout")
	bindFlag("mongo_socket_timeout", "mongo-socket-timeout")
	bindFlag("redis_addr", "redis-addr")
	bindFlag("redis_password", "redis-password")
	bindFlag("redis_db", "redis-db")
	bindFlag("breaker_threshold", "breaker-threshold")
	bindFlag("breaker_reset", "breaker-reset")
	bindFlag("batch_size", "batch-size")
	bindFlag("flush_interval_ms", "flush-interval-ms")
	bindFlag("batch_max_retries", "batch-max-retries")
	bindFlag("recovery_check_interval", "recovery-check-interval")
	bindFlag("recovery_batch_size", "recovery-batch-size")
	bindFlag("ops_port", "ops-port")
	bindFlag("log_level", "log-level")

	// Bind QUIZCORE_* environment variables. AutomaticEnv with the prefix
	// maps QUIZCORE_MONGO_URI -> "mongo_uri", QUIZCORE_REDIS_ADDR ->
	// "redis_addr", etc. Flag names use hyphens, so the replacer bridges them.
	viper.SetEnvPrefix("QUIZCORE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("quizcore starting",
		zap.String("version", config.Version),
		zap.String("mongoDatabase", cfg.MongoDatabase),
		zap.String("redisAddr", cfg.RedisAddr),
		zap.Int("opsPort", cfg.OpsPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := app.Run(ctx, cfg, logger); err != nil {
		return fmt.Errorf("quizcore: %w", err)
	}
	return nil
}
