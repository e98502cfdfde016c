/*
 * Courier
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config reads and validates the courier YAML configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"

	"github.com/gravitational/courier/lib/defaults"
)

// Duration is a time.Duration that unmarshals from a string like "30s".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler. ghodss/yaml routes YAML values
// through JSON, so this covers the YAML form too.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return trace.Wrap(err)
	}
	switch v := value.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return trace.BadParameter("invalid duration %q: %v", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	default:
		return trace.BadParameter("invalid duration %v", value)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// FileConfig is the top-level structure of the configuration file. Field
// tags are JSON because ghodss/yaml decodes YAML through JSON.
type FileConfig struct {
	// Listen configures the HTTP listener.
	Listen ListenConfig `json:"listen,omitempty"`
	// PublicURL is the externally visible base URL of this service, used to
	// mint workflow and exchange ids.
	PublicURL string `json:"public_url"`
	// Storage selects and configures the backend.
	Storage StorageConfig `json:"storage,omitempty"`
	// Log configures logging.
	Log LogConfig `json:"log,omitempty"`
	// LastError tunes the persistence rate of exchange failure records.
	LastError LastErrorConfig `json:"last_error,omitempty"`
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	Addr string `json:"addr,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c ListenConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// StorageConfig selects the backend.
type StorageConfig struct {
	// Type is "memory" or "mongodb".
	Type string `json:"type,omitempty"`
	// Mongo configures the mongodb backend.
	Mongo MongoConfig `json:"mongo,omitempty"`
}

// MongoConfig configures the mongodb backend.
type MongoConfig struct {
	URI                string `json:"uri,omitempty"`
	Database           string `json:"database,omitempty"`
	Collection         string `json:"collection,omitempty"`
	WorkflowCollection string `json:"workflow_collection,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Severity is debug, info, warn or error.
	Severity string `json:"severity,omitempty"`
	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// LastErrorConfig tunes how often exchange processing failures are
// persisted on the record.
type LastErrorConfig struct {
	// MaxFreeUpdates is the number of exchange writes that may record a
	// lastError without rate limiting.
	MaxFreeUpdates uint64 `json:"max_free_updates,omitempty"`
	// MinInterval is the minimum spacing between persisted lastError
	// updates once the free budget is spent.
	MinInterval Duration `json:"min_interval,omitempty"`
}

// ReadFile loads and validates the configuration file at path.
func ReadFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses and validates YAML configuration from reader.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err, "failed to read config")
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults checks and sets defaults.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.PublicURL == "" {
		return trace.BadParameter("missing parameter public_url")
	}
	if c.Listen.Addr == "" {
		c.Listen.Addr = defaults.HTTPListenAddr
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = defaults.HTTPListenPort
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return trace.BadParameter("invalid listen port %d", c.Listen.Port)
	}
	switch c.Storage.Type {
	case "":
		c.Storage.Type = defaults.BackendType
	case "memory":
	case "mongodb":
		if c.Storage.Mongo.URI == "" {
			return trace.BadParameter("storage type mongodb requires storage.mongo.uri")
		}
	default:
		return trace.BadParameter("unsupported storage type %q", c.Storage.Type)
	}
	switch c.Log.Severity {
	case "", "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("unsupported log severity %q", c.Log.Severity)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return trace.BadParameter("unsupported log format %q", c.Log.Format)
	}
	if c.LastError.MaxFreeUpdates == 0 {
		c.LastError.MaxFreeUpdates = defaults.LastErrorFreeUpdates
	}
	if c.LastError.MinInterval == 0 {
		c.LastError.MinInterval = Duration(defaults.LastErrorMinInterval)
	}
	return nil
}

// BuildLogger constructs the process logger described by the log section.
func (c LogConfig) BuildLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.Severity {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
