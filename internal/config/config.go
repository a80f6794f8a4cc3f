package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the complete server configuration.
	Config struct {
		Bind         string        `yaml:"bind"`
		TCPPort      int           `yaml:"tcp_port"`
		HTTPPort     int           `yaml:"http_port"`
		Timeout      int           `yaml:"timeout"`       // seconds until shutdown, 0 runs forever
		LoginTimeout time.Duration `yaml:"login_timeout"` // 0 disables the handshake deadline
		Telnet       TelnetConfig  `yaml:"telnet"`
		TLS          TLSConfig     `yaml:"tls"`
		HTTP         HTTPConfig    `yaml:"http"`
		Hash         HashConfig    `yaml:"hash"`
		Logger       LoggerConfig  `yaml:"logger"`
		Metrics      MetricsConfig `yaml:"metrics"`
	}

	// TelnetConfig controls option negotiation on raw TCP connections.
	TelnetConfig struct {
		Negotiate bool `yaml:"negotiate"`
	}

	// TLSConfig secures the TCP listener.
	TLSConfig struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	}

	// HTTPConfig controls the HTTP front-end.
	HTTPConfig struct {
		Enabled       bool          `yaml:"enabled"`
		SessionTTL    time.Duration `yaml:"session_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	}

	// HashConfig holds the argon2id parameters used for new registrations.
	HashConfig struct {
		Time      uint32 `yaml:"time"`
		MemoryKiB uint32 `yaml:"memory_kib"`
		Threads   uint8  `yaml:"threads"`
		KeyLen    uint32 `yaml:"key_len"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
	}

	// MetricsConfig names the Prometheus namespace.
	MetricsConfig struct {
		Namespace string `yaml:"namespace"`
	}
)

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Bind:     "0.0.0.0",
		TCPPort:  4000,
		HTTPPort: 4080,
		TLS: TLSConfig{
			CertFile: "data/tls/cert.pem",
			KeyFile:  "data/tls/key.pem",
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			SessionTTL:    30 * time.Second,
			SweepInterval: time.Second,
		},
		Hash: HashConfig{
			Time:      1,
			MemoryKiB: 64 * 1024,
			Threads:   4,
			KeyLen:    32,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Namespace: "parlor",
		},
	}
}

// Load overlays the YAML file at path on the defaults. An empty path yields
// the defaults. Environment placeholders of the form ${NAME:default} are
// resolved before decoding, after loading a .env file when one exists.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = resolveEnv(data)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string
		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}
		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port %d out of range", c.TCPPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.HTTP.SessionTTL <= 0 {
		c.HTTP.SessionTTL = 30 * time.Second
	}
	if c.HTTP.SweepInterval <= 0 {
		c.HTTP.SweepInterval = time.Second
	}
	if c.Hash.Time == 0 || c.Hash.MemoryKiB == 0 || c.Hash.Threads == 0 || c.Hash.KeyLen == 0 {
		return fmt.Errorf("hash parameters must all be positive")
	}
	return nil
}

// TCPAddr is the listen address for direct line connections.
func (c *Config) TCPAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.TCPPort))
}

// HTTPAddr is the listen address for the HTTP front-end.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.HTTPPort))
}

// ShutdownAfter reports the configured run time, or zero to run forever.
func (c *Config) ShutdownAfter() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
