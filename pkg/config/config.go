package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"kioskrtc/pkg/circuitbreaker"
	"kioskrtc/pkg/retry"
	"kioskrtc/pkg/tracing"
	"kioskrtc/pkg/validation"

	"gopkg.in/yaml.v2"
)

const envPrefix = "KIOSKRTC_"

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Endpoint struct {
		Identity string   `yaml:"identity"`
		Role     string   `yaml:"role"`
		Sources  []string `yaml:"sources"`
		// AutoStart makes a sender announce its stream right after login.
		AutoStart bool `yaml:"auto_start"`
	} `yaml:"endpoint"`

	Signaling struct {
		URL              string        `yaml:"url"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		Reconnect        retry.Policy  `yaml:"reconnect"`
	} `yaml:"signaling"`

	Relay struct {
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Peer struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		OperationTimeout    time.Duration `yaml:"operation_timeout"`
		StatsInterval       time.Duration `yaml:"stats_interval"`
		Reconnect           retry.Policy  `yaml:"reconnect"`
		PreferredVideoCodec string        `yaml:"preferred_video_codec"`
		PreferredAudioCodec string        `yaml:"preferred_audio_codec"`
		MaxVideoBitrate     string        `yaml:"max_video_bitrate"`
		MaxAudioBitrate     string        `yaml:"max_audio_bitrate"`
	} `yaml:"peer"`

	Heartbeat struct {
		SendInterval     time.Duration `yaml:"send_interval"`
		WarningThreshold time.Duration `yaml:"warning_threshold"`
		DeadThreshold    time.Duration `yaml:"dead_threshold"`
		CheckInterval    time.Duration `yaml:"check_interval"`
	} `yaml:"heartbeat"`

	OfferRequester struct {
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"offer_requester"`

	Orchestrator struct {
		LoadingDebounce   time.Duration `yaml:"loading_debounce"`
		LoadingTimeout    time.Duration `yaml:"loading_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		QueueSize         int           `yaml:"queue_size"`
	} `yaml:"orchestrator"`

	ControlAPI struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"control_api"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`

		SnapshotTTL    time.Duration         `yaml:"snapshot_ttl"`
		CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Endpoint
	if c.Endpoint.Identity == "" {
		return fmt.Errorf("endpoint.identity must not be empty")
	}
	switch c.Endpoint.Role {
	case "sender", "receiver", "operator":
	default:
		return fmt.Errorf("endpoint.role must be sender, receiver or operator, got %q", c.Endpoint.Role)
	}
	if c.Endpoint.Role == "sender" && len(c.Endpoint.Sources) > 0 {
		return fmt.Errorf("endpoint.sources is only valid for receivers and operators")
	}

	// Signaling
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if err := validation.ValidateURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.PingInterval <= 0 {
		return fmt.Errorf("signaling.ping_interval must be > 0")
	}
	if c.Signaling.PongTimeout <= 0 {
		return fmt.Errorf("signaling.pong_timeout must be > 0")
	}
	if err := validatePolicy("signaling.reconnect", c.Signaling.Reconnect); err != nil {
		return err
	}

	// Peer
	if c.Peer.PortRange.Min > 0 || c.Peer.PortRange.Max > 0 {
		if c.Peer.PortRange.Min == 0 || c.Peer.PortRange.Max == 0 {
			return fmt.Errorf("peer.port_range.min and max must both be set when one is set")
		}
		if c.Peer.PortRange.Min >= c.Peer.PortRange.Max {
			return fmt.Errorf("peer.port_range.min must be < max")
		}
	}
	for i, server := range c.Peer.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("peer.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range server.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("peer.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.Peer.OperationTimeout <= 0 {
		return fmt.Errorf("peer.operation_timeout must be > 0")
	}
	if c.Peer.StatsInterval <= 0 {
		return fmt.Errorf("peer.stats_interval must be > 0")
	}
	if err := validatePolicy("peer.reconnect", c.Peer.Reconnect); err != nil {
		return err
	}

	// Heartbeat
	if c.Heartbeat.SendInterval <= 0 {
		return fmt.Errorf("heartbeat.send_interval must be > 0")
	}
	if c.Heartbeat.WarningThreshold <= 0 {
		return fmt.Errorf("heartbeat.warning_threshold must be > 0")
	}
	if c.Heartbeat.DeadThreshold <= c.Heartbeat.WarningThreshold {
		return fmt.Errorf("heartbeat.dead_threshold must be > warning_threshold")
	}
	if c.Heartbeat.CheckInterval <= 0 {
		return fmt.Errorf("heartbeat.check_interval must be > 0")
	}

	// Offer requester
	if c.OfferRequester.RetryInterval <= 0 {
		return fmt.Errorf("offer_requester.retry_interval must be > 0")
	}

	// Orchestrator
	if c.Orchestrator.LoadingDebounce < 0 {
		return fmt.Errorf("orchestrator.loading_debounce must be >= 0")
	}
	if c.Orchestrator.LoadingTimeout <= c.Orchestrator.LoadingDebounce {
		return fmt.Errorf("orchestrator.loading_timeout must be > loading_debounce")
	}
	if c.Orchestrator.MessagesPerSecond < 0 {
		return fmt.Errorf("orchestrator.messages_per_second must be >= 0")
	}
	if c.Orchestrator.MessagesPerSecond > 0 && c.Orchestrator.Burst <= 0 {
		return fmt.Errorf("orchestrator.burst must be > 0 when messages_per_second is set")
	}

	// Control API
	if c.ControlAPI.Enabled {
		if c.ControlAPI.Address == "" {
			return fmt.Errorf("control_api.address must not be empty when control_api.enabled=true")
		}
		if c.ControlAPI.ShutdownTimeout <= 0 {
			return fmt.Errorf("control_api.shutdown_timeout must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

func validatePolicy(name string, p retry.Policy) error {
	if p.InitialDelay <= 0 {
		return fmt.Errorf("%s.initial_delay must be > 0", name)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%s.max_delay must be >= initial_delay", name)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be >= 1", name)
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return fmt.Errorf("%s.jitter_fraction must be in [0, 1)", name)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
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

	cfg.Endpoint.Identity = "receiver-1"
	cfg.Endpoint.Role = "receiver"
	cfg.Endpoint.Sources = []string{"sender-a", "sender-b"}

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.PingInterval = 10 * time.Second
	cfg.Signaling.PongTimeout = 5 * time.Second
	cfg.Signaling.HandshakeTimeout = 10 * time.Second
	cfg.Signaling.WriteTimeout = 5 * time.Second
	cfg.Signaling.Reconnect = retry.DefaultPolicy()

	cfg.Relay.Address = ":8081"
	cfg.Relay.ShutdownTimeout = 10 * time.Second

	cfg.Peer.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Peer.OperationTimeout = 10 * time.Second
	cfg.Peer.StatsInterval = 2 * time.Second
	cfg.Peer.Reconnect = retry.DefaultPolicy()
	cfg.Peer.PreferredVideoCodec = "video/VP8"
	cfg.Peer.PreferredAudioCodec = "audio/opus"
	cfg.Peer.MaxVideoBitrate = "auto"
	cfg.Peer.MaxAudioBitrate = "auto"

	cfg.Heartbeat.SendInterval = 5 * time.Second
	cfg.Heartbeat.WarningThreshold = 15 * time.Second
	cfg.Heartbeat.DeadThreshold = 30 * time.Second
	cfg.Heartbeat.CheckInterval = time.Second

	cfg.OfferRequester.RetryInterval = 5 * time.Second

	cfg.Orchestrator.LoadingDebounce = 300 * time.Millisecond
	cfg.Orchestrator.LoadingTimeout = 15 * time.Second
	cfg.Orchestrator.MessagesPerSecond = 50
	cfg.Orchestrator.Burst = 100
	cfg.Orchestrator.QueueSize = 128

	cfg.ControlAPI.Enabled = true
	cfg.ControlAPI.Address = "127.0.0.1:8090"
	cfg.ControlAPI.ReadTimeout = 10 * time.Second
	cfg.ControlAPI.WriteTimeout = 10 * time.Second
	cfg.ControlAPI.ShutdownTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "kioskrtc:source-state"
	cfg.Redis.SnapshotTTL = 5 * time.Minute
	cfg.Redis.CircuitBreaker = circuitbreaker.DefaultConfig()

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv(envPrefix + "IDENTITY"); id != "" {
		c.Endpoint.Identity = id
	}
	if role := os.Getenv(envPrefix + "ROLE"); role != "" {
		c.Endpoint.Role = role
	}
	if sources, ok := os.LookupEnv(envPrefix + "SOURCES"); ok {
		c.Endpoint.Sources = splitList(sources)
	}
	if url := os.Getenv(envPrefix + "SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if addr := os.Getenv(envPrefix + "RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if addr := os.Getenv(envPrefix + "CONTROL_API_ADDRESS"); addr != "" {
		c.ControlAPI.Address = addr
	}
	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv(envPrefix + "REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
