package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lidarops/fwupgrade/pkg/family"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Device link
	Family    string `mapstructure:"family"`
	LocalAddr string `mapstructure:"local-addr"`

	// Session tuning
	ChunkSize            int           `mapstructure:"chunk-size"`
	CommandTimeout       time.Duration `mapstructure:"command-timeout"`
	TickInterval         time.Duration `mapstructure:"tick-interval"`
	RetryCeiling         int           `mapstructure:"retry-ceiling"`
	ProgressRetryCeiling int           `mapstructure:"progress-retry-ceiling"`
	PollInterval         time.Duration `mapstructure:"poll-interval"`

	// Security limits
	MaxFirmwareSize    int64 `mapstructure:"max-firmware-size"`
	AllowedDeviceTypes []int `mapstructure:"allowed-device-types"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Metrics listener, empty disables it
	MetricsAddr string `mapstructure:"metrics-addr"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/upgrades.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("s3-bucket", "lidar-firmware")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("work-dir", "/tmp/lidarfw")
	viper.SetDefault("family", "livox")
	viper.SetDefault("local-addr", "0.0.0.0:56000")
	viper.SetDefault("chunk-size", 1024)
	viper.SetDefault("command-timeout", 2*time.Second)
	viper.SetDefault("tick-interval", 100*time.Millisecond)
	viper.SetDefault("retry-ceiling", 10)
	viper.SetDefault("progress-retry-ceiling", 0)
	viper.SetDefault("poll-interval", time.Duration(0))
	viper.SetDefault("max-firmware-size", 64*1024*1024)
	viper.SetDefault("allowed-device-types", []int{})
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("metrics-addr", "")

	// Environment variables (will be LIDARFW_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("LIDARFW")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.lidarfw")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if _, err := family.ByName(c.Family); err != nil {
		return fmt.Errorf("family: %w", err)
	}
	if c.LocalAddr == "" {
		return fmt.Errorf("local-addr cannot be empty")
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 1024 {
		return fmt.Errorf("chunk-size must be between 1 and 1024")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command-timeout must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick-interval must be positive")
	}
	if c.TickInterval > c.CommandTimeout {
		return fmt.Errorf("tick-interval must not exceed command-timeout")
	}
	if c.RetryCeiling <= 0 {
		return fmt.Errorf("retry-ceiling must be positive")
	}
	if c.ProgressRetryCeiling < 0 {
		return fmt.Errorf("progress-retry-ceiling must be non-negative")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll-interval must be non-negative")
	}
	if c.MaxFirmwareSize <= 0 {
		return fmt.Errorf("max-firmware-size must be positive")
	}
	for _, t := range c.AllowedDeviceTypes {
		if t < 0 || t > 255 {
			return fmt.Errorf("allowed-device-types: %d is not a device type", t)
		}
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// DeviceTypes returns AllowedDeviceTypes as header device type values.
// Call Validate first.
func (c *Config) DeviceTypes() []uint8 {
	out := make([]uint8, 0, len(c.AllowedDeviceTypes))
	for _, t := range c.AllowedDeviceTypes {
		out = append(out, uint8(t))
	}
	return out
}
