package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the quiz core.
type Config struct {
	// Durable store.
	MongoURI            string
	MongoDatabase       string
	MongoConnectTimeout int // seconds
	MongoSocketTimeout  int // seconds

	// Cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Circuit breaker for the durable store.
	BreakerThreshold int
	BreakerResetSec  int

	// Answer batcher.
	BatchSize       int
	FlushIntervalMs int
	BatchMaxRetries int

	// Recovery worker.
	RecoveryCheckSec  int
	RecoveryBatchSize int

	// Ops HTTP server.
	OpsPort int

	LogLevel string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/quizcore).
func Load() Config {
	return Config{
		MongoURI:            viper.GetString("mongo_uri"),
		MongoDatabase:       viper.GetString("mongo_database"),
		MongoConnectTimeout: viper.GetInt("mongo_connect_timeout"),
		MongoSocketTimeout:  viper.GetInt("mongo_socket_timeout"),
		RedisAddr:           viper.GetString("redis_addr"),
		RedisPassword:       viper.GetString("redis_password"),
		RedisDB:             viper.GetInt("redis_db"),
		BreakerThreshold:    viper.GetInt("breaker_threshold"),
		BreakerResetSec:     viper.GetInt("breaker_reset"),
		BatchSize:           viper.GetInt("batch_size"),
		FlushIntervalMs:     viper.GetInt("flush_interval_ms"),
		BatchMaxRetries:     viper.GetInt("batch_max_retries"),
		RecoveryCheckSec:    viper.GetInt("recovery_check_interval"),
		RecoveryBatchSize:   viper.GetInt("recovery_batch_size"),
		OpsPort:             viper.GetInt("ops_port"),
		LogLevel:            viper.GetString("log_level"),
	}
}
