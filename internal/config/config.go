package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment variable read by the service.
const EnvPrefix = "SYNC_"

const (
	// DefaultAddr is the default TCP address for the HTTP and WebSocket listener.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default TCP address for the gRPC listener.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultInboundInterval is the minimum spacing between inbound frames per connection.
	DefaultInboundInterval = 10 * time.Millisecond

	// DefaultMinCapacity and DefaultMaxCapacity bound the capacity accepted at session creation.
	DefaultMinCapacity = 2
	DefaultMaxCapacity = 8
	// DefaultCapacity applies when a create request omits capacity.
	DefaultCapacity = 4
	// DefaultMinPlayers is the participant count required to start a session.
	DefaultMinPlayers = 2
	// DefaultGraceWindow holds a disconnected participant's slot before removal.
	DefaultGraceWindow = 60 * time.Second
	// DefaultReplayLimit is the largest revision gap reconciled with incremental replay.
	DefaultReplayLimit = 64
	// DefaultHistoryLimit is the number of committed revisions retained per session.
	DefaultHistoryLimit = 256
	// DefaultQueueDepth bounds each session's inbound command queue.
	DefaultQueueDepth = 64
	// DefaultOutboxDepth bounds each participant's pending outbound frames.
	DefaultOutboxDepth = 32
	// DefaultCallTimeout bounds how long a caller waits for its session's actor.
	DefaultCallTimeout = 5 * time.Second
	// DefaultMaxRetries bounds conflict re-resolution attempts per operation.
	DefaultMaxRetries = 3
	// DefaultIdleTimeout ends sessions that stay in Waiting without activity.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultTombstoneTTL keeps ended sessions resolvable so late callers see SessionEnded.
	DefaultTombstoneTTL = 10 * time.Minute

	// DefaultTokenLeeway tolerates clock skew when verifying identity tokens.
	DefaultTokenLeeway = 2 * time.Second
	// DefaultCreateWindow and DefaultCreateBurst rate limit session creation.
	DefaultCreateWindow = time.Minute
	DefaultCreateBurst  = 30

	// DefaultRedisTTL controls how long session records live in Redis.
	DefaultRedisTTL = 24 * time.Hour
	// DefaultAMQPQueue receives session.ended records.
	DefaultAMQPQueue = "session.ended"
	// DefaultPersistTimeout bounds a single record sink call.
	DefaultPersistTimeout = 5 * time.Second
	// DefaultArchiveMaxSessions caps the number of archived bundles kept on disk.
	DefaultArchiveMaxSessions = 1000
	// DefaultArchiveSweepInterval controls how often archive retention runs.
	DefaultArchiveSweepInterval = time.Hour

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "sessionsync.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the session synchronization service.
type Config struct {
	Address          string        `env:"ADDR"`
	GRPCAddress      string        `env:"GRPC_ADDR"`
	AllowedOrigins   []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxPayloadBytes  int64         `env:"MAX_PAYLOAD_BYTES"`
	PingInterval     time.Duration `env:"PING_INTERVAL"`
	InboundInterval  time.Duration `env:"INBOUND_INTERVAL"`
	TLSCertPath      string        `env:"TLS_CERT"`
	TLSKeyPath       string        `env:"TLS_KEY"`
	GRPCClientCAPath string        `env:"GRPC_CLIENT_CA"`

	Engine  EngineConfig  `envPrefix:"ENGINE_"`
	Auth    AuthConfig    `envPrefix:"AUTH_"`
	Sinks   SinkConfig    `envPrefix:"SINK_"`
	Logging LoggingConfig `envPrefix:"LOG_"`
}

// EngineConfig tunes the session engine.
type EngineConfig struct {
	MinCapacity     int           `env:"MIN_CAPACITY"`
	MaxCapacity     int           `env:"MAX_CAPACITY"`
	DefaultCapacity int           `env:"DEFAULT_CAPACITY"`
	MinPlayers      int           `env:"MIN_PLAYERS"`
	GraceWindow     time.Duration `env:"GRACE_WINDOW"`
	ReplayLimit     int           `env:"REPLAY_LIMIT"`
	HistoryLimit    int           `env:"HISTORY_LIMIT"`
	QueueDepth      int           `env:"QUEUE_DEPTH"`
	OutboxDepth     int           `env:"OUTBOX_DEPTH"`
	CallTimeout     time.Duration `env:"CALL_TIMEOUT"`
	MaxRetries      int           `env:"MAX_RETRIES"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"`
	TombstoneTTL    time.Duration `env:"TOMBSTONE_TTL"`
}

// AuthConfig carries the secrets used at the transport edges.
type AuthConfig struct {
	JWTSecret        string        `env:"JWT_SECRET"`
	JWTAudience      string        `env:"JWT_AUDIENCE"`
	TokenLeeway      time.Duration `env:"TOKEN_LEEWAY"`
	AdminToken       string        `env:"ADMIN_TOKEN"`
	GRPCSharedSecret string        `env:"GRPC_SHARED_SECRET"`
	CreateWindow     time.Duration `env:"CREATE_WINDOW"`
	CreateBurst      int           `env:"CREATE_BURST"`
}

// SinkConfig selects where final session records are written. Blank values disable a sink.
type SinkConfig struct {
	ArchiveDir           string        `env:"ARCHIVE_DIR"`
	ArchiveMaxSessions   int           `env:"ARCHIVE_MAX_SESSIONS"`
	ArchiveMaxAge        time.Duration `env:"ARCHIVE_MAX_AGE"`
	ArchiveSweepInterval time.Duration `env:"ARCHIVE_SWEEP_INTERVAL"`
	SQLitePath           string        `env:"SQLITE_PATH"`
	RedisAddr            string        `env:"REDIS_ADDR"`
	RedisPassword        string        `env:"REDIS_PASSWORD"`
	RedisDB              int           `env:"REDIS_DB"`
	RedisTTL             time.Duration `env:"REDIS_TTL"`
	AMQPURL              string        `env:"AMQP_URL"`
	AMQPQueue            string        `env:"AMQP_QUEUE"`
	PersistTimeout       time.Duration `env:"PERSIST_TIMEOUT"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `env:"LEVEL"`
	Path       string `env:"PATH"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB"`
	MaxBackups int    `env:"MAX_BACKUPS"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS"`
	Compress   bool   `env:"COMPRESS"`
}

// Default returns the configuration used when no overrides are present.
func Default() Config {
	return Config{
		Address:         DefaultAddr,
		GRPCAddress:     DefaultGRPCAddr,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		InboundInterval: DefaultInboundInterval,
		Engine: EngineConfig{
			MinCapacity:     DefaultMinCapacity,
			MaxCapacity:     DefaultMaxCapacity,
			DefaultCapacity: DefaultCapacity,
			MinPlayers:      DefaultMinPlayers,
			GraceWindow:     DefaultGraceWindow,
			ReplayLimit:     DefaultReplayLimit,
			HistoryLimit:    DefaultHistoryLimit,
			QueueDepth:      DefaultQueueDepth,
			OutboxDepth:     DefaultOutboxDepth,
			CallTimeout:     DefaultCallTimeout,
			MaxRetries:      DefaultMaxRetries,
			IdleTimeout:     DefaultIdleTimeout,
			TombstoneTTL:    DefaultTombstoneTTL,
		},
		Auth: AuthConfig{
			TokenLeeway:  DefaultTokenLeeway,
			CreateWindow: DefaultCreateWindow,
			CreateBurst:  DefaultCreateBurst,
		},
		Sinks: SinkConfig{
			ArchiveMaxSessions:   DefaultArchiveMaxSessions,
			ArchiveSweepInterval: DefaultArchiveSweepInterval,
			RedisTTL:             DefaultRedisTTL,
			AMQPQueue:            DefaultAMQPQueue,
			PersistTimeout:       DefaultPersistTimeout,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(environ())
}

// LoadFrom applies overrides from the supplied environment map on top of Default,
// returning descriptive errors for invalid values.
func LoadFrom(environment map[string]string) (*Config, error) {
	cfg := Default()
	//1.- Let the env parser overwrite only the variables that are actually present.
	opts := env.Options{Prefix: EnvPrefix, Environment: nonEmpty(environment)}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.AllowedOrigins = trimList(cfg.AllowedOrigins)
	cfg.Logging.Level = strings.TrimSpace(cfg.Logging.Level)

	//2.- Collect every invalid value so operators can fix them in one pass.
	if problems := cfg.validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return &cfg, nil
}

func (c *Config) validate() []string {
	var problems []string
	positive := func(name string, value time.Duration) {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("%s%s must be a positive duration, got %s", EnvPrefix, name, value))
		}
	}
	atLeast := func(name string, value, min int) {
		if value < min {
			problems = append(problems, fmt.Sprintf("%s%s must be at least %d, got %d", EnvPrefix, name, min, value))
		}
	}

	if c.MaxPayloadBytes <= 0 {
		problems = append(problems, fmt.Sprintf("%sMAX_PAYLOAD_BYTES must be a positive integer, got %d", EnvPrefix, c.MaxPayloadBytes))
	}
	positive("PING_INTERVAL", c.PingInterval)
	if c.InboundInterval < 0 {
		problems = append(problems, fmt.Sprintf("%sINBOUND_INTERVAL must not be negative, got %s", EnvPrefix, c.InboundInterval))
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		problems = append(problems, EnvPrefix+"TLS_CERT and "+EnvPrefix+"TLS_KEY must be provided together")
	}
	if c.GRPCClientCAPath != "" && !c.TLSEnabled() {
		problems = append(problems, EnvPrefix+"GRPC_CLIENT_CA requires "+EnvPrefix+"TLS_CERT and "+EnvPrefix+"TLS_KEY")
	}

	e := c.Engine
	atLeast("ENGINE_MIN_CAPACITY", e.MinCapacity, 1)
	if e.MaxCapacity < e.MinCapacity {
		problems = append(problems, fmt.Sprintf("%sENGINE_MAX_CAPACITY %d is less than min %d", EnvPrefix, e.MaxCapacity, e.MinCapacity))
	}
	if e.DefaultCapacity < e.MinCapacity || e.DefaultCapacity > e.MaxCapacity {
		problems = append(problems, fmt.Sprintf("%sENGINE_DEFAULT_CAPACITY %d outside [%d, %d]", EnvPrefix, e.DefaultCapacity, e.MinCapacity, e.MaxCapacity))
	}
	atLeast("ENGINE_MIN_PLAYERS", e.MinPlayers, 1)
	if e.MinPlayers > e.MaxCapacity {
		problems = append(problems, fmt.Sprintf("%sENGINE_MIN_PLAYERS %d exceeds max capacity %d", EnvPrefix, e.MinPlayers, e.MaxCapacity))
	}
	positive("ENGINE_GRACE_WINDOW", e.GraceWindow)
	atLeast("ENGINE_REPLAY_LIMIT", e.ReplayLimit, 0)
	atLeast("ENGINE_HISTORY_LIMIT", e.HistoryLimit, 1)
	atLeast("ENGINE_QUEUE_DEPTH", e.QueueDepth, 1)
	atLeast("ENGINE_OUTBOX_DEPTH", e.OutboxDepth, 1)
	positive("ENGINE_CALL_TIMEOUT", e.CallTimeout)
	atLeast("ENGINE_MAX_RETRIES", e.MaxRetries, 0)
	positive("ENGINE_IDLE_TIMEOUT", e.IdleTimeout)
	positive("ENGINE_TOMBSTONE_TTL", e.TombstoneTTL)

	if c.Auth.TokenLeeway < 0 {
		problems = append(problems, fmt.Sprintf("%sAUTH_TOKEN_LEEWAY must not be negative, got %s", EnvPrefix, c.Auth.TokenLeeway))
	}
	positive("AUTH_CREATE_WINDOW", c.Auth.CreateWindow)
	atLeast("AUTH_CREATE_BURST", c.Auth.CreateBurst, 1)

	positive("SINK_PERSIST_TIMEOUT", c.Sinks.PersistTimeout)
	if c.Sinks.ArchiveDir != "" {
		atLeast("SINK_ARCHIVE_MAX_SESSIONS", c.Sinks.ArchiveMaxSessions, 0)
		positive("SINK_ARCHIVE_SWEEP_INTERVAL", c.Sinks.ArchiveSweepInterval)
		if c.Sinks.ArchiveMaxAge < 0 {
			problems = append(problems, fmt.Sprintf("%sSINK_ARCHIVE_MAX_AGE must not be negative, got %s", EnvPrefix, c.Sinks.ArchiveMaxAge))
		}
	}
	if c.Sinks.RedisAddr != "" {
		positive("SINK_REDIS_TTL", c.Sinks.RedisTTL)
	}
	if c.Sinks.AMQPURL != "" && strings.TrimSpace(c.Sinks.AMQPQueue) == "" {
		problems = append(problems, EnvPrefix+"SINK_AMQP_QUEUE must be set when "+EnvPrefix+"SINK_AMQP_URL is provided")
	}

	if c.Logging.Path != "" {
		atLeast("LOG_MAX_SIZE_MB", c.Logging.MaxSizeMB, 1)
	}
	atLeast("LOG_MAX_BACKUPS", c.Logging.MaxBackups, 0)
	atLeast("LOG_MAX_AGE_DAYS", c.Logging.MaxAgeDays, 0)
	return problems
}

// TLSEnabled reports whether the HTTP listener should serve TLS.
func (c *Config) TLSEnabled() bool {
	return c != nil && c.TLSCertPath != "" && c.TLSKeyPath != ""
}

func environ() map[string]string {
	values := make(map[string]string)
	for _, pair := range os.Environ() {
		key, value, ok := strings.Cut(pair, "=")
		if ok {
			values[key] = value
		}
	}
	return values
}

// nonEmpty drops blank variables so an exported-but-empty value keeps the default.
func nonEmpty(environment map[string]string) map[string]string {
	filtered := make(map[string]string, len(environment))
	for key, value := range environment {
		if strings.TrimSpace(value) == "" {
			continue
		}
		filtered[key] = strings.TrimSpace(value)
	}
	return filtered
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		if item := strings.TrimSpace(value); item != "" {
			trimmed = append(trimmed, item)
		}
	}
	if len(trimmed) == 0 {
		return nil
	}
	return trimmed
}
