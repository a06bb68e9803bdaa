// Package config loads the sagaflowd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/petrijr/sagaflow/internal/logging"
	"github.com/petrijr/sagaflow/pkg/schema"
	"gopkg.in/yaml.v3"
)

const (
	defaultStorageDriver     = "memory"
	defaultQueueDriver       = "memory"
	defaultRedisPrefix       = "sagaflow:"
	defaultMongoDatabase     = "sagaflow"
	defaultMongoCollection   = "queue_tasks"
	defaultTickInterval      = time.Second
	defaultOrphanGracePeriod = time.Minute
	defaultMetricsAddr       = ":9090"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the sagaflowd configuration file.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Logging   logging.Config  `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StorageConfig selects where workflow and action instances live.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver"`
	// DSN is the data source name passed to sql.Open.
	DSN string `yaml:"dsn"`
}

// QueueConfig selects the task queue that feeds async workers.
type QueueConfig struct {
	// Driver is one of memory, sqlite, postgres, redis, mongo.
	Driver string `yaml:"driver"`
	// DSN is a SQL data source name, a redis:// URL or a mongodb:// URI.
	// SQL queues default to the storage DSN.
	DSN string `yaml:"dsn"`
	// Prefix namespaces redis keys.
	Prefix string `yaml:"prefix"`
	// Database and Collection locate the mongo task collection.
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	OrphanGracePeriod time.Duration `yaml:"orphan_grace_period"`
}

// WorkflowsConfig lists glob patterns of YAML workflow definition files.
type WorkflowsConfig struct {
	Sources []string `yaml:"sources"`
}

type MetricsConfig struct {
	// Addr is where /metrics is served.
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

func driverSchema() *schema.Schema {
	return schema.Object(
		schema.Required("storage", schema.Object(
			schema.Required("driver", schema.String(schema.OneOf("memory", "sqlite", "postgres"))),
			schema.Optional("dsn", schema.String()),
		)),
		schema.Required("queue", schema.Object(
			schema.Required("driver", schema.String(schema.OneOf("memory", "sqlite", "postgres", "redis", "mongo"))),
			schema.Optional("dsn", schema.String()),
		)),
	)
}

// SetDefaults sets default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = defaultStorageDriver
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = defaultQueueDriver
	}
	if c.Queue.DSN == "" && c.Queue.Driver == c.Storage.Driver {
		c.Queue.DSN = c.Storage.DSN
	}
	if c.Queue.Prefix == "" {
		c.Queue.Prefix = defaultRedisPrefix
	}
	if c.Queue.Database == "" {
		c.Queue.Database = defaultMongoDatabase
	}
	if c.Queue.Collection == "" {
		c.Queue.Collection = defaultMongoCollection
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = defaultTickInterval
	}
	if c.Scheduler.OrphanGracePeriod == 0 {
		c.Scheduler.OrphanGracePeriod = defaultOrphanGracePeriod
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaultMetricsAddr
	}
	c.Logging.SetDefaults()
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	doc := map[string]any{
		"storage": map[string]any{"driver": c.Storage.Driver, "dsn": c.Storage.DSN},
		"queue":   map[string]any{"driver": c.Queue.Driver, "dsn": c.Queue.DSN},
	}
	var problems []string
	problems = append(problems, schema.Validate(doc, driverSchema())...)

	if c.Storage.Driver == "memory" && c.Queue.Driver != "memory" {
		problems = append(problems, "the memory storage driver only works with the memory queue driver")
	}
	if c.Storage.Driver != "memory" && c.Queue.Driver == "memory" {
		problems = append(problems, "the memory queue driver only works with the memory storage driver")
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		problems = append(problems, fmt.Sprintf("storage driver '%s' requires a dsn", c.Storage.Driver))
	}
	if c.Queue.Driver != "memory" && c.Queue.DSN == "" {
		problems = append(problems, fmt.Sprintf("queue driver '%s' requires a dsn", c.Queue.Driver))
	}
	if c.Scheduler.Interval < 0 {
		problems = append(problems, "scheduler interval must be positive")
	}
	if c.Scheduler.OrphanGracePeriod < 0 {
		problems = append(problems, "scheduler orphan_grace_period must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		problems = append(problems, "logging "+err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LoadConfig reads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var config Config
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
