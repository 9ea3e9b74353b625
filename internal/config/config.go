package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config holds all application configuration
// Fields are private to ensure immutability after creation
type Config struct {
	// Subscriber transport
	listenPort int

	// Redis event source
	redisHost    string
	redisPort    int
	keyPrefix    string
	eventChannel string

	// Notification service
	queueDepth  int
	sendTimeout time.Duration
	shardCount  int

	// Logging configuration
	logLevel LogLevel
	logFile  string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{
		listenPort:   7420,
		redisPort:    6379, // Standard Redis port
		keyPrefix:    "block:",
		eventChannel: "blocknotify:events",
		queueDepth:   256,
		sendTimeout:  5 * time.Second,
		shardCount:   64,
	}

	// Redis configuration
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil, fmt.Errorf("REDIS_HOST environment variable is required")
	}
	config.redisHost = host

	if err := intFromEnv("REDIS_PORT", &config.redisPort); err != nil {
		return nil, err
	}
	if prefix := os.Getenv("BLOCK_KEY_PREFIX"); prefix != "" {
		config.keyPrefix = prefix
	}
	if channel := os.Getenv("EVENT_CHANNEL"); channel != "" {
		config.eventChannel = channel
	}

	if err := intFromEnv("LISTEN_PORT", &config.listenPort); err != nil {
		return nil, err
	}

	// Notification service
	if err := intFromEnv("QUEUE_DEPTH", &config.queueDepth); err != nil {
		return nil, err
	}
	if err := intFromEnv("SHARD_COUNT", &config.shardCount); err != nil {
		return nil, err
	}
	timeoutMS := 0
	if err := intFromEnv("SEND_TIMEOUT_MS", &timeoutMS); err != nil {
		return nil, err
	}
	if timeoutMS != 0 {
		config.sendTimeout = time.Duration(timeoutMS) * time.Millisecond
	}

	// Logging configuration
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		return nil, fmt.Errorf("LOG_LEVEL environment variable is required")
	}
	logLevel := LogLevel(levelStr)
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %s (valid: debug, info, warn, error)", levelStr)
	}
	config.logLevel = logLevel

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		return nil, fmt.Errorf("LOG_FILE environment variable is required")
	}
	config.logFile = logFile

	return config, nil
}

// intFromEnv overwrites dst when the variable is set
func intFromEnv(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.redisHost == "" {
		return fmt.Errorf("redis host cannot be empty")
	}

	if !validPort(c.redisPort) {
		return fmt.Errorf("redis port must be between 1 and 65535")
	}

	if !validPort(c.listenPort) {
		return fmt.Errorf("listen port must be between 1 and 65535")
	}

	if c.keyPrefix == "" {
		return fmt.Errorf("block key prefix cannot be empty")
	}

	if c.eventChannel == "" {
		return fmt.Errorf("event channel cannot be empty")
	}

	if c.queueDepth <= 0 {
		return fmt.Errorf("queue depth must be greater than 0")
	}

	if c.sendTimeout <= 0 {
		return fmt.Errorf("send timeout must be greater than 0")
	}

	if c.shardCount <= 0 || c.shardCount&(c.shardCount-1) != 0 {
		return fmt.Errorf("shard count must be a power of two")
	}

	if !isValidLogLevel(c.logLevel) {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.logLevel)
	}

	if c.logFile == "" {
		return fmt.Errorf("log file path cannot be empty")
	}

	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// GetRedisAddr returns the Redis address in host:port format
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.redisHost, c.redisPort)
}

// GetListenAddr returns the subscriber transport address in :port format
func (c *Config) GetListenAddr() string {
	return fmt.Sprintf(":%d", c.listenPort)
}

// GetKeyPrefix returns the block key prefix watched in the Redis keyspace
func (c *Config) GetKeyPrefix() string {
	return c.keyPrefix
}

// GetEventChannel returns the Redis channel carrying explicit block events
func (c *Config) GetEventChannel() string {
	return c.eventChannel
}

// GetQueueDepth returns the per-endpoint queue bound
func (c *Config) GetQueueDepth() int {
	return c.queueDepth
}

// GetSendTimeout returns the per-delivery timeout
func (c *Config) GetSendTimeout() time.Duration {
	return c.sendTimeout
}

// GetShardCount returns the registry shard count
func (c *Config) GetShardCount() int {
	return c.shardCount
}

// GetLogLevel returns the configured log level
func (c *Config) GetLogLevel() LogLevel {
	return c.logLevel
}

// GetLogFile returns the log file path
func (c *Config) GetLogFile() string {
	return c.logFile
}

// IsDebugEnabled returns true if debug logging is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.logLevel == LogLevelDebug
}

// Helper function to validate log levels
func isValidLogLevel(level LogLevel) bool {
	switch level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}
