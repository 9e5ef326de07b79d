package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		PublicURL       string        `yaml:"public_url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Rooms struct {
		IdleTTL         time.Duration `yaml:"idle_ttl"`
		JanitorInterval time.Duration `yaml:"janitor_interval"`
		MaxIDLength     int           `yaml:"max_id_length"`
	} `yaml:"rooms"`

	Client struct {
		SignalURL      string        `yaml:"signal_url"`
		DialAttempts   int           `yaml:"dial_attempts"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		OutputDir      string        `yaml:"output_dir"`
	} `yaml:"client"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ChannelLabel string `yaml:"channel_label"`
	} `yaml:"webrtc"`

	Transfer struct {
		TargetBuffer         int           `yaml:"target_buffer"`
		MinChunkSize         int           `yaml:"min_chunk_size"`
		MaxChunkSize         int           `yaml:"max_chunk_size"`
		PollInterval         time.Duration `yaml:"poll_interval"`
		RandomizeChunkSize   bool          `yaml:"randomize_chunk_size"`
		UseBandwidth         bool          `yaml:"use_bandwidth"`
		DefaultBandwidth     float64       `yaml:"default_bandwidth_bps"`
		CompressionThreshold float64       `yaml:"compression_threshold"`
		KeyExchangeTimeout   time.Duration `yaml:"key_exchange_timeout"`
		SendFileEnd          bool          `yaml:"send_file_end"`
	} `yaml:"transfer"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

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
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConnections      int     `yaml:"max_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Rooms
	if c.Rooms.IdleTTL <= 0 {
		return fmt.Errorf("rooms.idle_ttl must be > 0")
	}
	if c.Rooms.JanitorInterval <= 0 {
		return fmt.Errorf("rooms.janitor_interval must be > 0")
	}
	if c.Rooms.MaxIDLength <= 0 {
		return fmt.Errorf("rooms.max_id_length must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Transfer
	if c.Transfer.MinChunkSize <= 0 {
		return fmt.Errorf("transfer.min_chunk_size must be > 0")
	}
	if c.Transfer.MaxChunkSize < c.Transfer.MinChunkSize {
		return fmt.Errorf("transfer.max_chunk_size must be >= transfer.min_chunk_size")
	}
	if c.Transfer.TargetBuffer < c.Transfer.MinChunkSize {
		return fmt.Errorf("transfer.target_buffer must be >= transfer.min_chunk_size")
	}
	if c.Transfer.PollInterval <= 0 {
		return fmt.Errorf("transfer.poll_interval must be > 0")
	}
	if c.Transfer.CompressionThreshold <= 0 || c.Transfer.CompressionThreshold > 1 {
		return fmt.Errorf("transfer.compression_threshold must be in (0, 1]")
	}
	if c.Transfer.KeyExchangeTimeout <= 0 {
		return fmt.Errorf("transfer.key_exchange_timeout must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
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
		if c.RateLimiting.WebSocket.MaxConnections < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

// LoadFirst tries each path in order and returns the first configuration
// that loads; defaults are returned when none do.
func LoadFirst(paths ...string) (*Config, string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if cfg, err := Load(path); err == nil {
			return cfg, path
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, ""
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":3000"
	cfg.Signal.PublicURL = "http://localhost:3000"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Rooms.IdleTTL = 30 * time.Minute
	cfg.Rooms.JanitorInterval = time.Minute
	cfg.Rooms.MaxIDLength = 256

	cfg.Client.SignalURL = "ws://localhost:3000/ws"
	cfg.Client.DialAttempts = 3
	cfg.Client.RequestTimeout = 10 * time.Second
	cfg.Client.OutputDir = "."

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.ChannelLabel = "file-transfer"

	cfg.Transfer.TargetBuffer = 75000
	cfg.Transfer.MinChunkSize = 10000
	cfg.Transfer.MaxChunkSize = 100000
	cfg.Transfer.PollInterval = 50 * time.Millisecond
	cfg.Transfer.RandomizeChunkSize = true
	cfg.Transfer.UseBandwidth = false
	cfg.Transfer.DefaultBandwidth = 1_000_000
	cfg.Transfer.CompressionThreshold = 0.9
	cfg.Transfer.KeyExchangeTimeout = 30 * time.Second
	cfg.Transfer.SendFileEnd = true

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConnections = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		c.Signal.Address = ":" + port
	}
	if addr := os.Getenv("ZOMBIEFILE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if u := os.Getenv("ZOMBIEFILE_PUBLIC_URL"); u != "" {
		c.Signal.PublicURL = u
	}
	if u := os.Getenv("ZOMBIEFILE_SIGNAL_URL"); u != "" {
		c.Client.SignalURL = u
	}
	if level := os.Getenv("ZOMBIEFILE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("ZOMBIEFILE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if turn := os.Getenv("ZOMBIEFILE_TURN_URL"); turn != "" {
		c.WebRTC.ICEServers = append(c.WebRTC.ICEServers, ICEServer{
			URLs:       []string{turn},
			Username:   os.Getenv("ZOMBIEFILE_TURN_USERNAME"),
			Credential: os.Getenv("ZOMBIEFILE_TURN_PASSWORD"),
		})
	}
}
