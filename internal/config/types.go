package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fabricmon/internal/rules"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration, loaded once at startup.
// Rule changes require a restart; there is no hot reload.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Controller    ControllerConfig    `yaml:"controller"`
	Database      DatabaseConfig      `yaml:"database"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Thresholds    ThresholdConfig     `yaml:"thresholds"`
	Logger        LoggerConfig        `yaml:"logger"`
	Redis         RedisConfig         `yaml:"redis"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Rules         []rules.Rule        `yaml:"rules"`
	Channels      []ChannelConfig     `yaml:"channels"`
}

type ServerConfig struct {
	HTTPPort int    `yaml:"http_port"`
	Host     string `yaml:"host"`
}

type ControllerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	VerifySSL bool   `yaml:"verify_ssl"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type MonitorConfig struct {
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	RetentionDays            int `yaml:"retention_days"`
	RetentionIntervalMinutes int `yaml:"retention_interval_minutes"`
	DispatchQueueSize        int `yaml:"dispatch_queue_size"`
}

// PollInterval returns the collector tick period.
func (m MonitorConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

// RetentionWindow returns how long history rows are kept.
func (m MonitorConfig) RetentionWindow() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

// RetentionInterval returns how often the pruning task runs.
func (m MonitorConfig) RetentionInterval() time.Duration {
	return time.Duration(m.RetentionIntervalMinutes) * time.Minute
}

type ThresholdConfig struct {
	CPUWarning     float64 `yaml:"cpu_warning"`
	CPUCritical    float64 `yaml:"cpu_critical"`
	MemoryWarning  float64 `yaml:"memory_warning"`
	MemoryCritical float64 `yaml:"memory_critical"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr, or file path
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type ElasticsearchConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addresses   []string `yaml:"addresses"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	IndexPrefix string   `yaml:"index_prefix"`
}

// ChannelConfig declares one notification channel. Settings keys depend on
// the type: email (smtp_host, smtp_port, username, password, from, to),
// webhook (url), slack (webhook_url, channel), telegram (bot_token, chat_id),
// discord (bot_token, channel_id).
type ChannelConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Enabled  bool              `yaml:"enabled"`
	Settings map[string]string `yaml:"settings"`
}

// LoadFromFile reads the YAML config. Environment variables referenced as
// ${VAR} inside values are expanded, so credentials can stay out of the file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&config)
	return &config, nil
}

// Load builds a configuration from environment variables only. A .env file
// in the working directory is honored first.
func Load() *Config {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			HTTPPort: getEnvInt("HTTP_PORT", 8080),
			Host:     getEnv("HOST", "0.0.0.0"),
		},
		Controller: ControllerConfig{
			Host:      getEnv("CONTROLLER_HOST", ""),
			Port:      getEnvInt("CONTROLLER_PORT", 443),
			Username:  getEnv("CONTROLLER_USER", ""),
			Password:  getEnv("CONTROLLER_PASSWORD", ""),
			VerifySSL: getEnvBool("CONTROLLER_VERIFY_SSL", false),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "fabricmon.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Monitor: MonitorConfig{
			PollIntervalSeconds:      getEnvInt("POLL_INTERVAL", 60),
			RetentionDays:            getEnvInt("RETENTION_DAYS", 14),
			RetentionIntervalMinutes: getEnvInt("RETENTION_INTERVAL_MINUTES", 60),
			DispatchQueueSize:        getEnvInt("DISPATCH_QUEUE_SIZE", 256),
		},
		Thresholds: ThresholdConfig{
			CPUWarning:     getEnvFloat("CPU_WARNING", 70),
			CPUCritical:    getEnvFloat("CPU_CRITICAL", 90),
			MemoryWarning:  getEnvFloat("MEMORY_WARNING", 75),
			MemoryCritical: getEnvFloat("MEMORY_CRITICAL", 95),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Redis: RedisConfig{
			Enabled:    getEnvBool("REDIS_ENABLED", false),
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			TTLSeconds: getEnvInt("REDIS_TTL", 30),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:     getEnvBool("ES_ENABLED", false),
			Addresses:   getEnvSlice("ES_ADDRESSES", []string{"http://localhost:9200"}),
			Username:    getEnv("ES_USERNAME", ""),
			Password:    getEnv("ES_PASSWORD", ""),
			IndexPrefix: getEnv("ES_INDEX_PREFIX", "fabricmon"),
		},
	}

	setDefaults(config)
	return config
}

func setDefaults(config *Config) {
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 8080
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Controller.Port == 0 {
		config.Controller.Port = 443
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DBName == "" {
		config.Database.DBName = "fabricmon.db"
	}
	if config.Monitor.PollIntervalSeconds == 0 {
		config.Monitor.PollIntervalSeconds = 60
	}
	if config.Monitor.RetentionDays == 0 {
		config.Monitor.RetentionDays = 14
	}
	if config.Monitor.RetentionIntervalMinutes == 0 {
		config.Monitor.RetentionIntervalMinutes = 60
	}
	if config.Monitor.DispatchQueueSize == 0 {
		config.Monitor.DispatchQueueSize = 256
	}
	if config.Thresholds.CPUWarning == 0 {
		config.Thresholds.CPUWarning = 70
	}
	if config.Thresholds.CPUCritical == 0 {
		config.Thresholds.CPUCritical = 90
	}
	if config.Thresholds.MemoryWarning == 0 {
		config.Thresholds.MemoryWarning = 75
	}
	if config.Thresholds.MemoryCritical == 0 {
		config.Thresholds.MemoryCritical = 95
	}
	if config.Logger.Level == "" {
		config.Logger.Level = "info"
	}
	if config.Logger.Output == "" {
		config.Logger.Output = "stdout"
	}
	if config.Redis.TTLSeconds == 0 {
		config.Redis.TTLSeconds = 30
	}
	if config.Elasticsearch.IndexPrefix == "" {
		config.Elasticsearch.IndexPrefix = "fabricmon"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Controller.Host == "" {
		return fmt.Errorf("controller host cannot be empty")
	}
	if c.Controller.Username == "" {
		return fmt.Errorf("controller username cannot be empty")
	}

	validDrivers := map[string]bool{
		"sqlite":   true,
		"mysql":    true,
		"postgres": true,
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty for %s", c.Database.Driver)
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user cannot be empty for %s", c.Database.Driver)
		}
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}

	if c.Monitor.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll interval must be at least 1 second")
	}
	if c.Monitor.RetentionDays < 1 {
		return fmt.Errorf("retention window must be at least 1 day")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logger.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logger.Level)
	}

	if err := rules.ValidateSet(c.Rules); err != nil {
		return err
	}

	channelNames := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel with empty name")
		}
		if channelNames[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		channelNames[ch.Name] = true
	}
	for _, r := range c.Rules {
		for _, ch := range r.Channels {
			if !channelNames[ch] {
				return fmt.Errorf("rule %q references unknown channel %q", r.Name, ch)
			}
		}
	}

	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch addresses cannot be empty when enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty when enabled")
	}

	return nil
}

// TelemetryThresholds converts the config section to the telemetry type.
func (c *Config) TelemetryThresholds() (cpuWarn, cpuCrit, memWarn, memCrit float64) {
	return c.Thresholds.CPUWarning, c.Thresholds.CPUCritical,
		c.Thresholds.MemoryWarning, c.Thresholds.MemoryCritical
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		var result []string
		for _, part := range strings.Split(val, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
