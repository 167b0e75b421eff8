package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/mogilefs/mogclient/pkg/errors"
)

// Configuration represents the complete client configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Client     ClientConfig     `yaml:"client"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`
	LogFile   string `yaml:"log_file"`
}

// ClientConfig represents the settings of one domain-scoped client
type ClientConfig struct {
	Domain   string `yaml:"domain" validate:"required"`
	Root     string `yaml:"root"`
	ReadOnly bool   `yaml:"readonly"`

	// GetFileDataTimeout bounds connect plus header parse for each replica attempt.
	GetFileDataTimeout time.Duration `yaml:"get_file_data_timeout" validate:"gt=0"`

	// BigFileThreshold is the file size above which StoreFile switches to a
	// bulk transfer, e.g. "64KiB".
	BigFileThreshold string `yaml:"big_file_threshold"`

	ListLimit int `yaml:"list_limit" validate:"gt=0"`
}

// TrackerConfig represents tracker connection settings
type TrackerConfig struct {
	Hosts          []string      `yaml:"hosts" validate:"dive,hostname_port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	// DeadHostTimeout is how long a host that failed to connect is skipped.
	DeadHostTimeout time.Duration `yaml:"dead_host_timeout" validate:"gt=0"`
}

// MetadataConfig represents the direct metadata database used by the fast path
type MetadataConfig struct {
	Direct   bool           `yaml:"direct"`
	Type     string         `yaml:"type" validate:"oneof=sqlite postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig represents SQLite settings
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig represents PostgreSQL settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`

	// Port serves /metrics when non-zero.
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
	Path string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		Client: ClientConfig{
			GetFileDataTimeout: 5 * time.Second,
			BigFileThreshold:   "64KiB",
			ListLimit:          1000,
		},
		Tracker: TrackerConfig{
			Hosts:           []string{"127.0.0.1:7001"},
			ConnectTimeout:  3 * time.Second,
			RequestTimeout:  5 * time.Second,
			DeadHostTimeout: 5 * time.Second,
		},
		Metadata: MetadataConfig{
			Direct: false,
			Type:   "sqlite",
			Postgres: PostgresConfig{
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "mogilefs",
				Labels:    map[string]string{},
				Path:      "/metrics",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from MOGILEFS_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("MOGILEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("MOGILEFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("MOGILEFS_DOMAIN"); val != "" {
		c.Client.Domain = val
	}
	if val := os.Getenv("MOGILEFS_ROOT"); val != "" {
		c.Client.Root = val
	}
	if val := os.Getenv("MOGILEFS_READONLY"); val != "" {
		c.Client.ReadOnly = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGILEFS_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigLoad, "invalid MOGILEFS_TIMEOUT %q", val).WithCause(err)
		}
		c.Client.GetFileDataTimeout = d
	}
	if val := os.Getenv("MOGILEFS_BIG_FILE_THRESHOLD"); val != "" {
		c.Client.BigFileThreshold = val
	}
	if val := os.Getenv("MOGILEFS_LIST_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Client.ListLimit = n
		}
	}
	if val := os.Getenv("MOGILEFS_TRACKERS"); val != "" {
		var hosts []string
		for _, h := range strings.Split(val, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		c.Tracker.Hosts = hosts
	}
	if val := os.Getenv("MOGILEFS_METADATA_DIRECT"); val != "" {
		c.Metadata.Direct = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MOGILEFS_METADATA_SQLITE_PATH"); val != "" {
		c.Metadata.SQLite.Path = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = validator.New()

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.NewError(errors.ErrCodeConfigValidation, err.Error()).WithCause(err)
	}

	if _, err := c.BigFileThresholdBytes(); err != nil {
		return err
	}

	if c.Metadata.Direct {
		switch c.Metadata.Type {
		case "sqlite":
			if c.Metadata.SQLite.Path == "" {
				return errors.NewError(errors.ErrCodeConfigValidation, "metadata.sqlite.path is required")
			}
		case "postgres":
			if c.Metadata.Postgres.Host == "" || c.Metadata.Postgres.Database == "" {
				return errors.NewError(errors.ErrCodeConfigValidation, "metadata.postgres host and database are required")
			}
		}
	} else if len(c.Tracker.Hosts) == 0 {
		return errors.NewError(errors.ErrCodeConfigValidation, "at least one tracker host is required")
	}

	return nil
}

// BigFileThresholdBytes parses Client.BigFileThreshold.
func (c *Configuration) BigFileThresholdBytes() (int64, error) {
	if c.Client.BigFileThreshold == "" {
		return DefaultBigFileThreshold, nil
	}
	n, err := humanize.ParseBytes(c.Client.BigFileThreshold)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeConfigValidation, "invalid big_file_threshold %q", c.Client.BigFileThreshold).WithCause(err)
	}
	return int64(n), nil
}

// DefaultBigFileThreshold is the size above which files are sent in bulk.
const DefaultBigFileThreshold = 0x10000
