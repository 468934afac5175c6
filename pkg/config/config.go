package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"xipher/pkg/validation"
)

type Config struct {
	Node struct {
		UserID string `yaml:"user_id"`
	} `yaml:"node"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal configures both the websocket client used by the call node and
	// the development hub.
	Signal struct {
		URL             string        `yaml:"url"`
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Relay struct {
		Enabled            bool          `yaml:"enabled"`
		URL                string        `yaml:"url"`
		TransactionTimeout time.Duration `yaml:"transaction_timeout"`
		KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
		JoinTimeout        time.Duration `yaml:"join_timeout"`
		FailureThreshold   int           `yaml:"failure_threshold"`
		OpenTimeout        time.Duration `yaml:"open_timeout"`
	} `yaml:"relay"`

	ICE struct {
		STUNServers []string `yaml:"stun_servers"`
		TURN        struct {
			URLs          []string      `yaml:"urls"`
			SharedSecret  string        `yaml:"shared_secret"`
			CredentialTTL time.Duration `yaml:"credential_ttl"`
			RefreshSkew   time.Duration `yaml:"refresh_skew"`
		} `yaml:"turn"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"ice"`

	Call struct {
		RingTimeout          time.Duration `yaml:"ring_timeout"`
		IncomingRingTimeout  time.Duration `yaml:"incoming_ring_timeout"`
		DuplicateOfferWindow time.Duration `yaml:"duplicate_offer_window"`
		CandidateTTL         time.Duration `yaml:"candidate_ttl"`
		CandidateSweep       time.Duration `yaml:"candidate_sweep"`
		MaxGroupSize         int           `yaml:"max_group_size"`
	} `yaml:"call"`

	Health struct {
		StatsInterval      time.Duration `yaml:"stats_interval"`
		SilenceInterval    time.Duration `yaml:"silence_interval"`
		SilenceThreshold   time.Duration `yaml:"silence_threshold"`
		StallSamples       int           `yaml:"stall_samples"`
		MaxSilenceRestarts int           `yaml:"max_silence_restarts"`
		LossWarnRatio      float64       `yaml:"loss_warn_ratio"`
		JitterWarn         time.Duration `yaml:"jitter_warn"`
	} `yaml:"health"`

	Recovery struct {
		RetryInterval     time.Duration `yaml:"retry_interval"`
		Grace             time.Duration `yaml:"grace"`
		MaxAttempts       int           `yaml:"max_attempts"`
		DisconnectedGrace time.Duration `yaml:"disconnected_grace"`
		GroupGrace        time.Duration `yaml:"group_grace"`
	} `yaml:"recovery"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Multiplier   float64       `yaml:"multiplier"`
		Jitter       bool          `yaml:"jitter"`
	} `yaml:"retry"`

	Repository struct {
		Type string `yaml:"type"` // memory | redis
	} `yaml:"repository"`

	// Backup archives the call log to local files and restores it on start.
	Backup struct {
		Enabled        bool          `yaml:"enabled"`
		Directory      string        `yaml:"directory"`
		Interval       time.Duration `yaml:"interval"`
		Retention      time.Duration `yaml:"retention"`
		MaxRecords     int           `yaml:"max_records"`
		RestoreOnStart bool          `yaml:"restore_on_start"`
	} `yaml:"backup"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		CallTTL  time.Duration `yaml:"call_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		Signal struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"signal"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := validation.ValidateNonEmptyString(c.Node.UserID, "node.user_id"); err != nil {
		return err
	}
	if err := validation.ValidateUserID(c.Node.UserID); err != nil {
		return fmt.Errorf("node.user_id: %w", err)
	}

	// Server
	if err := validation.ValidateNonEmptyString(c.Server.Address, "server.address"); err != nil {
		return err
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read/write timeouts must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if err := validation.ValidateWebSocketURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}

	// Relay
	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url must not be empty when relay.enabled=true")
		}
		if err := validation.ValidateWebSocketURL(c.Relay.URL); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
		if c.Relay.TransactionTimeout <= 0 || c.Relay.KeepaliveInterval <= 0 || c.Relay.JoinTimeout <= 0 {
			return fmt.Errorf("relay timeouts must be > 0 when relay.enabled=true")
		}
		if c.Relay.FailureThreshold <= 0 {
			return fmt.Errorf("relay.failure_threshold must be > 0")
		}
	}

	// ICE
	if len(c.ICE.TURN.URLs) > 0 {
		if c.ICE.TURN.SharedSecret == "" {
			return fmt.Errorf("ice.turn.shared_secret must be set when ice.turn.urls is set")
		}
		if c.ICE.TURN.CredentialTTL <= c.ICE.TURN.RefreshSkew {
			return fmt.Errorf("ice.turn.credential_ttl must exceed ice.turn.refresh_skew")
		}
	}
	if c.ICE.PortRange.Min > 0 || c.ICE.PortRange.Max > 0 {
		if c.ICE.PortRange.Min == 0 || c.ICE.PortRange.Max == 0 {
			return fmt.Errorf("ice.port_range.min and max must both be set when one is set")
		}
		if c.ICE.PortRange.Min >= c.ICE.PortRange.Max {
			return fmt.Errorf("ice.port_range.min must be < max")
		}
	}

	// Call
	if c.Call.RingTimeout <= 0 || c.Call.IncomingRingTimeout <= 0 {
		return fmt.Errorf("call ring timeouts must be > 0")
	}
	if c.Call.DuplicateOfferWindow < 0 {
		return fmt.Errorf("call.duplicate_offer_window must be >= 0")
	}
	if c.Call.CandidateTTL <= 0 || c.Call.CandidateSweep <= 0 {
		return fmt.Errorf("call candidate ttl and sweep interval must be > 0")
	}
	if c.Call.MaxGroupSize < 2 {
		return fmt.Errorf("call.max_group_size must be >= 2")
	}

	// Health
	if c.Health.StatsInterval <= 0 || c.Health.SilenceInterval <= 0 || c.Health.SilenceThreshold <= 0 {
		return fmt.Errorf("health intervals must be > 0")
	}
	if c.Health.StallSamples <= 0 {
		return fmt.Errorf("health.stall_samples must be > 0")
	}
	if c.Health.MaxSilenceRestarts < 0 {
		return fmt.Errorf("health.max_silence_restarts must be >= 0")
	}

	// Recovery
	if c.Recovery.RetryInterval <= 0 || c.Recovery.Grace <= 0 {
		return fmt.Errorf("recovery retry_interval and grace must be > 0")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be > 0")
	}
	if c.Recovery.DisconnectedGrace < 0 || c.Recovery.GroupGrace <= 0 {
		return fmt.Errorf("recovery disconnected_grace must be >= 0 and group_grace > 0")
	}

	// Retry
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay")
	}

	// Repository
	switch c.Repository.Type {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("repository.type=redis requires redis.enabled=true")
		}
	default:
		return fmt.Errorf("repository.type must be memory or redis, got %q", c.Repository.Type)
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Directory == "" {
			return fmt.Errorf("backup.directory must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0")
		}
		if c.Backup.Retention < 0 || c.Backup.MaxRecords < 0 {
			return fmt.Errorf("backup.retention and backup.max_records must be >= 0")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requests_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.MessagesPerSecond <= 0 || c.RateLimiting.Signal.Burst <= 0 {
			return fmt.Errorf("rate_limiting.signal messages_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signal.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.signal.max_message_size_bytes must be >= 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}
	cfg.Node.UserID = hostname

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 10 * time.Second

	cfg.Relay.Enabled = false
	cfg.Relay.URL = "ws://localhost:8188"
	cfg.Relay.TransactionTimeout = 10 * time.Second
	cfg.Relay.KeepaliveInterval = 25 * time.Second
	cfg.Relay.JoinTimeout = 6 * time.Second
	cfg.Relay.FailureThreshold = 3
	cfg.Relay.OpenTimeout = 60 * time.Second

	cfg.ICE.STUNServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
	cfg.ICE.TURN.CredentialTTL = 24 * time.Hour
	cfg.ICE.TURN.RefreshSkew = 5 * time.Minute

	cfg.Call.RingTimeout = 45 * time.Second
	cfg.Call.IncomingRingTimeout = 60 * time.Second
	cfg.Call.DuplicateOfferWindow = 1500 * time.Millisecond
	cfg.Call.CandidateTTL = 30 * time.Second
	cfg.Call.CandidateSweep = 10 * time.Second
	cfg.Call.MaxGroupSize = 8

	cfg.Health.StatsInterval = 3 * time.Second
	cfg.Health.SilenceInterval = 2 * time.Second
	cfg.Health.SilenceThreshold = 3 * time.Second
	cfg.Health.StallSamples = 2
	cfg.Health.MaxSilenceRestarts = 2
	cfg.Health.LossWarnRatio = 0.05
	cfg.Health.JitterWarn = 50 * time.Millisecond

	cfg.Recovery.RetryInterval = 4 * time.Second
	cfg.Recovery.Grace = 180 * time.Second
	cfg.Recovery.MaxAttempts = 10
	cfg.Recovery.DisconnectedGrace = 3 * time.Second
	cfg.Recovery.GroupGrace = 45 * time.Second

	cfg.Retry.MaxAttempts = 3
	cfg.Retry.InitialDelay = 250 * time.Millisecond
	cfg.Retry.MaxDelay = 4 * time.Second
	cfg.Retry.Multiplier = 2.0
	cfg.Retry.Jitter = true

	cfg.Repository.Type = "memory"

	cfg.Backup.Enabled = false
	cfg.Backup.Directory = "data/calllog"
	cfg.Backup.Interval = time.Hour
	cfg.Backup.Retention = 7 * 24 * time.Hour
	cfg.Backup.MaxRecords = 1000
	cfg.Backup.RestoreOnStart = true

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.CallTTL = 6 * time.Hour

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "xipher-callnode"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.Signal.MessagesPerSecond = 50
	cfg.RateLimiting.Signal.Burst = 100
	cfg.RateLimiting.Signal.MaxMessageSizeBytes = 256 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("XIPHER_USER_ID"); id != "" {
		c.Node.UserID = id
	}
	if addr := os.Getenv("XIPHER_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("XIPHER_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if addr := os.Getenv("XIPHER_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("XIPHER_RELAY_URL"); url != "" {
		c.Relay.URL = url
		c.Relay.Enabled = true
	}
	if secret := os.Getenv("XIPHER_TURN_SECRET"); secret != "" {
		c.ICE.TURN.SharedSecret = secret
	}
	if addr := os.Getenv("XIPHER_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if dir := os.Getenv("XIPHER_BACKUP_DIR"); dir != "" {
		c.Backup.Directory = dir
		c.Backup.Enabled = true
	}
	if level := os.Getenv("XIPHER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("XIPHER_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if v := os.Getenv("XIPHER_RING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Call.RingTimeout = d
		}
	}
	if v := os.Getenv("XIPHER_RECOVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recovery.MaxAttempts = n
		}
	}
}
