// Package sqlcommon holds configuration shared by the sql datastore engines.
package sqlcommon

import (
	"time"

	"github.com/hannigan/hannigan/pkg/logger"
)

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Logger logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithLogger returns a DatastoreOption that sets the logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(config *Config) {
		config.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that caps open connections.
// Purge workers share the pool; the cap bounds their concurrent load.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(config *Config) {
		config.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that caps idle connections.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(config *Config) {
		config.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets the maximum
// idle time of a connection.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(config *Config) {
		config.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets the maximum
// lifetime of a connection.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(config *Config) {
		config.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that enables the prometheus
// DBStats collector for the datastore.
func WithMetrics() DatastoreOption {
	return func(config *Config) {
		config.ExportMetrics = true
	}
}

// NewConfig returns a Config with defaults applied and the given options.
func NewConfig(opts ...DatastoreOption) *Config {
	config := &Config{
		Logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}
