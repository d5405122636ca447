// Package config provides configuration loading for the pattern bank
// service.
package config

import (
	"fmt"
	"time"

	"github.com/quantmesh/patternbank/internal/bank"
	"github.com/quantmesh/patternbank/internal/embeddings"
	"github.com/quantmesh/patternbank/internal/feedbus"
	"github.com/quantmesh/patternbank/internal/logging"
	"github.com/quantmesh/patternbank/internal/spike"
	"github.com/quantmesh/patternbank/internal/store"
	"github.com/quantmesh/patternbank/internal/telemetry"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Logging    logging.Config            `koanf:"logging"`
	Bank       bank.ServiceConfig        `koanf:"bank"`
	Embeddings embeddings.ProviderConfig `koanf:"embeddings"`
	Store      StoreConfig               `koanf:"store"`
	Spike      spike.Config              `koanf:"spike"`
	Retry      store.RetryConfig         `koanf:"retry"`
	Telemetry  telemetry.Config          `koanf:"telemetry"`
	Feedbus    feedbus.Config            `koanf:"feedbus"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `koanf:"addr"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects and configures the storage backends. Badger is
// always the authoritative record store; Index picks the vector index
// beside it.
type StoreConfig struct {
	// Index is the vector index backend: "chromem" (embedded, default)
	// or "qdrant" (external).
	Index string `koanf:"index"`

	Badger  store.EmbeddedConfig `koanf:"badger"`
	Chromem store.ChromemConfig  `koanf:"chromem"`
	Qdrant  store.QdrantConfig   `koanf:"qdrant"`
}

// ApplyDefaults fills zero-valued fields across all sections.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8900"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	c.Logging.ApplyDefaults()
	c.Bank.ApplyDefaults()
	c.Spike.ApplyDefaults()
	c.Retry.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
	c.Feedbus.ApplyDefaults()

	if c.Store.Index == "" {
		c.Store.Index = "chromem"
	}
	if c.Store.Badger.Path == "" {
		c.Store.Badger.Path = "~/.local/share/patternbank/badger"
	}
	c.Store.Badger.ApplyDefaults()
	c.Store.Chromem.ApplyDefaults()
	if c.Store.Chromem.Path == "" {
		c.Store.Chromem.Path = "~/.local/share/patternbank/index"
	}
	c.Store.Qdrant.ApplyDefaults()
	if c.Store.Qdrant.VectorSize == 0 {
		c.Store.Qdrant.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.Store.Index {
	case "chromem":
	case "qdrant":
		if err := c.Store.Qdrant.Validate(); err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
	default:
		return fmt.Errorf("unknown vector index backend %q (want chromem or qdrant)", c.Store.Index)
	}
	if err := c.Store.Badger.Validate(); err != nil {
		return fmt.Errorf("badger: %w", err)
	}
	return nil
}
