package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the process configuration, read from the environment.
type Config struct {
	// PostgresURL selects the Postgres event log. When empty, outputs and
	// snapshots go to the local WAL in WALDir.
	PostgresURL string
	// NATSURL enables JetStream ingestion and publishing when set.
	NATSURL string

	PersistChanSize    int
	ProjectionChanSize int
	CommandChanSize    int
	PublishChanSize    int

	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	// SnapshotInterval is the number of applied commands between snapshots.
	SnapshotInterval int64

	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	MigrationsDir string
	WALDir        string
	ParamsFile    string

	ProtocolAddress   common.Address
	RebalancerAddress common.Address
	FeedName          string
}

// FromEnv reads the configuration from PERP_* variables.
func FromEnv() Config {
	return Config{
		PostgresURL:         envOrDefault("PERP_POSTGRES_DSN", ""),
		NATSURL:             envOrDefault("PERP_NATS_URL", ""),
		PersistChanSize:     envIntOrDefault("PERP_PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize:  envIntOrDefault("PERP_PROJECTION_CHAN_SIZE", 2048),
		CommandChanSize:     envIntOrDefault("PERP_COMMAND_CHAN_SIZE", 4096),
		PublishChanSize:     envIntOrDefault("PERP_PUBLISH_CHAN_SIZE", 4096),
		PersistBatchSize:    envIntOrDefault("PERP_PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout: envDurationOrDefault("PERP_PERSIST_FLUSH_TIMEOUT", 10*time.Millisecond),
		SnapshotInterval:    int64(envIntOrDefault("PERP_SNAPSHOT_INTERVAL", 10_000)),
		GRPCAddr:            envOrDefault("PERP_GRPC_ADDR", ":9090"),
		HTTPAddr:            envOrDefault("PERP_HTTP_ADDR", ":8080"),
		MetricsAddr:         envOrDefault("PERP_METRICS_ADDR", ":9091"),
		MigrationsDir:       envOrDefault("PERP_MIGRATIONS_DIR", "migrations"),
		WALDir:              envOrDefault("PERP_WAL_DIR", "./wal/vault"),
		ParamsFile:          envOrDefault("PERP_PARAMS_FILE", ""),
		ProtocolAddress:     common.HexToAddress(envOrDefault("PERP_PROTOCOL_ADDRESS", "0x000000000000000000000000000000000000d00d")),
		RebalancerAddress:   common.HexToAddress(envOrDefault("PERP_REBALANCER_ADDRESS", "0x000000000000000000000000000000000000beef")),
		FeedName:            envOrDefault("PERP_FEED_NAME", "ETH/USD"),
	}
}

func (c Config) UsePostgres() bool { return c.PostgresURL != "" }
func (c Config) UseNATS() bool     { return c.NATSURL != "" }

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return v
}
