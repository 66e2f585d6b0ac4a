package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable, e.g. TEMPMAIL_PORT.
const EnvPrefix = "TEMPMAIL"

type Config struct {
	// Server configuration
	Port         int    `json:"port" yaml:"port" mapstructure:"port"`
	Mode         string `json:"mode" yaml:"mode" mapstructure:"mode"`
	DataDir      string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path" mapstructure:"database_path"`
	BlobDir      string `json:"blob_dir" yaml:"blob_dir" mapstructure:"blob_dir"`
	BearerToken  string `json:"bearer_token" yaml:"bearer_token" mapstructure:"bearer_token"`
	LogMode      string `json:"log_mode" yaml:"log_mode" mapstructure:"log_mode"`

	// Mail configuration
	Domains              []string `json:"domains" yaml:"domains" mapstructure:"domains"`
	BlockedSenderDomains []string `json:"blocked_sender_domains" yaml:"blocked_sender_domains" mapstructure:"blocked_sender_domains"`
	SMTPEnabled          bool     `json:"smtp_enabled" yaml:"smtp_enabled" mapstructure:"smtp_enabled"`
	SMTPPort             int      `json:"smtp_port" yaml:"smtp_port" mapstructure:"smtp_port"`
	SMTPHostname         string   `json:"smtp_hostname" yaml:"smtp_hostname" mapstructure:"smtp_hostname"`
	MaxMessageBytes      int64    `json:"max_message_bytes" yaml:"max_message_bytes" mapstructure:"max_message_bytes"`
	DKIMVerify           bool     `json:"dkim_verify" yaml:"dkim_verify" mapstructure:"dkim_verify"`

	// Counter store
	KVBackend     string `json:"kv_backend" yaml:"kv_backend" mapstructure:"kv_backend"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" mapstructure:"redis_db"`

	// Retention
	EmailRetentionHours int    `json:"email_retention_hours" yaml:"email_retention_hours" mapstructure:"email_retention_hours"`
	CleanupSchedule     string `json:"cleanup_schedule" yaml:"cleanup_schedule" mapstructure:"cleanup_schedule"`

	// Top senders ranking
	StatsCacheTTL      int `json:"stats_cache_ttl" yaml:"stats_cache_ttl" mapstructure:"stats_cache_ttl"` // seconds
	StatsMaxKeys       int `json:"stats_max_keys" yaml:"stats_max_keys" mapstructure:"stats_max_keys"`
	StatsPageSize      int `json:"stats_page_size" yaml:"stats_page_size" mapstructure:"stats_page_size"`
	StatsBatchSize     int `json:"stats_batch_size" yaml:"stats_batch_size" mapstructure:"stats_batch_size"`
	StatsRetentionSize int `json:"stats_retention_size" yaml:"stats_retention_size" mapstructure:"stats_retention_size"`
	StatsDefaultLimit  int `json:"stats_default_limit" yaml:"stats_default_limit" mapstructure:"stats_default_limit"`
	StatsMaxLimit      int `json:"stats_max_limit" yaml:"stats_max_limit" mapstructure:"stats_max_limit"`

	// Rate limiting
	RateLimitPerMinute      int     `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	RateLimitBurst          int     `json:"rate_limit_burst" yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	SMTPGlobalRate          float64 `json:"smtp_global_rate" yaml:"smtp_global_rate" mapstructure:"smtp_global_rate"`
	SMTPPerIPRate           float64 `json:"smtp_per_ip_rate" yaml:"smtp_per_ip_rate" mapstructure:"smtp_per_ip_rate"`
	SMTPMaxConnections      int     `json:"smtp_max_connections" yaml:"smtp_max_connections" mapstructure:"smtp_max_connections"`
	SMTPMaxConnectionsPerIP int     `json:"smtp_max_connections_per_ip" yaml:"smtp_max_connections_per_ip" mapstructure:"smtp_max_connections_per_ip"`

	// Timeouts (seconds)
	ReadTimeout    int `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   int `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout    int `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	HandlerTimeout int `json:"handler_timeout" yaml:"handler_timeout" mapstructure:"handler_timeout"`

	// Metrics
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path" yaml:"metrics_path" mapstructure:"metrics_path"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":                        3000,
		"mode":                        "simple",
		"data_dir":                    "/var/lib/tempmail",
		"database_path":               "",
		"blob_dir":                    "",
		"bearer_token":                "",
		"log_mode":                    "production",
		"domains":                     []string{"tempmail.local"},
		"blocked_sender_domains":      []string{},
		"smtp_enabled":                true,
		"smtp_port":                   2525,
		"smtp_hostname":               "mx.tempmail.local",
		"max_message_bytes":           26214400,
		"dkim_verify":                 true,
		"kv_backend":                  "sqlite",
		"redis_addr":                  "localhost:6379",
		"redis_password":              "",
		"redis_db":                    0,
		"email_retention_hours":       24,
		"cleanup_schedule":            "@every 15m",
		"stats_cache_ttl":             300,
		"stats_max_keys":              1000,
		"stats_page_size":             1000,
		"stats_batch_size":            50,
		"stats_retention_size":        100,
		"stats_default_limit":         10,
		"stats_max_limit":             100,
		"rate_limit_per_minute":       60,
		"rate_limit_burst":            10,
		"smtp_global_rate":            50,
		"smtp_per_ip_rate":            2,
		"smtp_max_connections":        500,
		"smtp_max_connections_per_ip": 10,
		"read_timeout":                30,
		"write_timeout":               30,
		"idle_timeout":                60,
		"handler_timeout":             25,
		"metrics_enabled":             true,
		"metrics_path":                "/metrics",
	}
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are skipped; variables already set are not overridden.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Set defaults
	for key, value := range Defaults() {
		viper.SetDefault(key, value)
	}

	// Bind environment variables
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicit file, the default search path, or nothing for /dev/null
	configFile := viper.GetString("config")
	if configFile != "/dev/null" {
		if configFile != "" {
			viper.SetConfigFile(configFile)
		} else {
			viper.SetConfigName("tempmail")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			viper.AddConfigPath("/etc/tempmail")
			viper.AddConfigPath("$HOME/.tempmail")
		}

		if err := viper.ReadInConfig(); err != nil {
			// It's okay if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				// Also okay if permission denied when running as service
				if !os.IsPermission(err) {
					return nil, fmt.Errorf("failed to read config: %w", err)
				}
			}
		}
	}

	// Unmarshal into struct
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// normalize lower-cases domains and drops empty entries, which appear when a
// comma separated env value has a trailing comma.
func (c *Config) normalize() {
	c.Domains = cleanDomains(c.Domains)
	c.BlockedSenderDomains = cleanDomains(c.BlockedSenderDomains)
}

func cleanDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		for _, part := range strings.Split(d, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Port)
	}

	if c.Mode != "simple" && c.Mode != "socket" {
		return fmt.Errorf("invalid mode: %s (must be 'simple' or 'socket')", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one domain must be configured")
	}

	switch c.KVBackend {
	case "", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("invalid kv_backend: %s (must be 'memory', 'sqlite' or 'redis')", c.KVBackend)
	}

	if c.SMTPEnabled && (c.SMTPPort < 1 || c.SMTPPort > 65535) {
		return fmt.Errorf("invalid smtp_port number: %d", c.SMTPPort)
	}

	return nil
}

// ResolvedDatabasePath is DatabasePath, or tempmail.db under DataDir.
func (c *Config) ResolvedDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "tempmail.db")
}

// ResolvedBlobDir is BlobDir, or blobs under DataDir.
func (c *Config) ResolvedBlobDir() string {
	if c.BlobDir != "" {
		return c.BlobDir
	}
	return filepath.Join(c.DataDir, "blobs")
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.ToYAML()
	if err != nil {
		return err
	}

	// Write to file
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ToYAML renders the configuration as a tempmail.yaml document.
func (c *Config) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
