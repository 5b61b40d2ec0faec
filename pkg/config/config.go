package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/pkg/retry"
	"consultnet/pkg/tracing"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendBuffer      int           `yaml:"send_buffer"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Rooms struct {
		// WaitingTimeout ends rooms nobody joined; zero disables it.
		WaitingTimeout time.Duration `yaml:"waiting_timeout"`
		EndedRetention time.Duration `yaml:"ended_retention"`
		ReapInterval   time.Duration `yaml:"reap_interval"`
	} `yaml:"rooms"`

	Call struct {
		ServerURL       string        `yaml:"server_url"`
		DisplayName     string        `yaml:"display_name"`
		PeerLossGrace   time.Duration `yaml:"peer_loss_grace"`
		QualityInterval time.Duration `yaml:"quality_interval"`
		Dial            retry.Config  `yaml:"dial"`
	} `yaml:"call"`

	Quality domain.QualityThresholds `yaml:"quality"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing tracing.Config `yaml:"tracing"`

	Redis struct {
		Enabled      bool   `yaml:"enabled"`
		Address      string `yaml:"address"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		PoolSize     int    `yaml:"pool_size"`
		HistoryLimit int64  `yaml:"history_limit"`
	} `yaml:"redis"`

	EventBus struct {
		Enabled   bool   `yaml:"enabled"`
		Channel   string `yaml:"channel"`
		QueueSize int    `yaml:"queue_size"`
	} `yaml:"event_bus"`

	Appointments struct {
		File     string        `yaml:"file"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"appointments"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.read_timeout and server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	if c.Rooms.WaitingTimeout < 0 {
		return fmt.Errorf("rooms.waiting_timeout must be >= 0")
	}
	if c.Rooms.EndedRetention < 0 {
		return fmt.Errorf("rooms.ended_retention must be >= 0")
	}
	if c.Rooms.ReapInterval <= 0 {
		return fmt.Errorf("rooms.reap_interval must be > 0")
	}

	if c.Call.PeerLossGrace <= 0 {
		return fmt.Errorf("call.peer_loss_grace must be > 0")
	}
	if c.Call.QualityInterval <= 0 {
		return fmt.Errorf("call.quality_interval must be > 0")
	}

	if err := validateLimits("quality.good", c.Quality.Good); err != nil {
		return err
	}
	if err := validateLimits("quality.fair", c.Quality.Fair); err != nil {
		return err
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}
	if c.Redis.HistoryLimit <= 0 {
		return fmt.Errorf("redis.history_limit must be > 0")
	}

	if c.EventBus.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("event_bus.enabled requires redis.enabled=true")
		}
		if c.EventBus.Channel == "" {
			return fmt.Errorf("event_bus.channel must not be empty when event_bus.enabled=true")
		}
		if c.EventBus.QueueSize <= 0 {
			return fmt.Errorf("event_bus.queue_size must be > 0 when event_bus.enabled=true")
		}
	}

	if c.Appointments.File != "" && c.Appointments.CacheTTL <= 0 {
		return fmt.Errorf("appointments.cache_ttl must be > 0 when appointments.file is set")
	}

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
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

func validateLimits(section string, l domain.QualityLimits) error {
	if l.MaxPacketLoss < 0 || l.MaxPacketLoss > 1 {
		return fmt.Errorf("%s.max_packet_loss must be within [0, 1]", section)
	}
	if l.MaxRTT < 0 || l.MaxJitter < 0 {
		return fmt.Errorf("%s limits must be >= 0", section)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 54 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.ShutdownTimeout = 10 * time.Second

	cfg.Rooms.WaitingTimeout = 0
	cfg.Rooms.EndedRetention = 5 * time.Minute
	cfg.Rooms.ReapInterval = time.Minute

	cfg.Call.ServerURL = "ws://localhost:8080/ws"
	cfg.Call.PeerLossGrace = 15 * time.Second
	cfg.Call.QualityInterval = 10 * time.Second
	cfg.Call.Dial = retry.DefaultConfig()

	cfg.Quality = domain.QualityThresholds{
		Good: domain.QualityLimits{MaxPacketLoss: 0.02, MaxRTT: 150 * time.Millisecond, MaxJitter: 30 * time.Millisecond},
		Fair: domain.QualityLimits{MaxPacketLoss: 0.08, MaxRTT: 400 * time.Millisecond, MaxJitter: 100 * time.Millisecond},
	}

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.HistoryLimit = 100

	cfg.EventBus.Enabled = false
	cfg.EventBus.Channel = "consultnet:room-events"
	cfg.EventBus.QueueSize = 256

	cfg.Appointments.CacheTTL = 5 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CONSULTNET_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CONSULTNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("CONSULTNET_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if addr := os.Getenv("CONSULTNET_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("CONSULTNET_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if url := os.Getenv("CONSULTNET_SIGNAL_URL"); url != "" {
		c.Call.ServerURL = url
	}
	if file := os.Getenv("CONSULTNET_APPOINTMENTS_FILE"); file != "" {
		c.Appointments.File = file
	}
	if v := os.Getenv("CONSULTNET_WAITING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Rooms.WaitingTimeout = d
		}
	}
	if v := os.Getenv("CONSULTNET_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}
