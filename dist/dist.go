// Package dist coordinates data-parallel training across processes on a
// single machine. Each rank runs the same program; rank 0 hosts the
// rendezvous socket, reduces gradients, and writes checkpoints.
package dist

import (
	"fmt"
	"os"
	"strconv"

	"sftkit/nn"
)

// Config identifies one process within a training group.
type Config struct {
	Rank       int
	LocalRank  int
	WorldSize  int
	MasterAddr string
	MasterPort int
}

// FromEnv reads the torchrun-style environment. When RANK is unset the
// run is treated as single-process.
func FromEnv() (Config, error) {
	if os.Getenv("RANK") == "" {
		return Config{WorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: 29500}, nil
	}
	cfg := Config{MasterAddr: "127.0.0.1", MasterPort: 29500}
	var err error
	if cfg.Rank, err = envInt("RANK"); err != nil {
		return Config{}, err
	}
	if cfg.LocalRank, err = envInt("LOCAL_RANK"); err != nil {
		return Config{}, err
	}
	if cfg.WorldSize, err = envInt("WORLD_SIZE"); err != nil {
		return Config{}, err
	}
	if addr := os.Getenv("MASTER_ADDR"); addr != "" {
		cfg.MasterAddr = addr
	}
	if port := os.Getenv("MASTER_PORT"); port != "" {
		if cfg.MasterPort, err = strconv.Atoi(port); err != nil {
			return Config{}, fmt.Errorf("dist: bad MASTER_PORT %q: %w", port, err)
		}
	}
	return cfg, cfg.Validate()
}

func envInt(key string) (int, error) {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0, fmt.Errorf("dist: bad %s %q: %w", key, os.Getenv(key), err)
	}
	return v, nil
}

// Validate checks rank bounds.
func (c Config) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("dist: world size %d must be at least 1", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("dist: rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	return nil
}

// Distributed reports whether more than one process participates.
func (c Config) Distributed() bool { return c.WorldSize > 1 }

// IsMaster reports whether this rank owns logging and checkpoints.
func (c Config) IsMaster() bool { return c.Rank == 0 }

// Backend performs the collective operations the trainer needs.
type Backend interface {
	// AllReduce replaces buf on every rank with the element-wise mean
	// across ranks.
	AllReduce(buf []float32) error
	// Broadcast replaces buf on every rank with rank 0's contents.
	Broadcast(buf []float32) error
	// Barrier blocks until every rank reaches it.
	Barrier() error
	Close() error
}

// Coordinator binds a process config to a backend.
type Coordinator struct {
	Config
	backend Backend
}

// Connect establishes the group. Single-process configs get a no-op
// backend and never touch the network.
func Connect(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Distributed() {
		return &Coordinator{Config: cfg, backend: noopBackend{}}, nil
	}
	b, err := newSocketBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("dist: connect rank %d: %w", cfg.Rank, err)
	}
	return &Coordinator{Config: cfg, backend: b}, nil
}

// SyncGrads averages every trainable gradient across ranks.
func (c *Coordinator) SyncGrads(params []*nn.Parameter) error {
	if !c.Distributed() {
		return nil
	}
	for _, p := range params {
		if !p.Trainable || !p.HasGrad() {
			continue
		}
		if err := c.backend.AllReduce(p.Grad()); err != nil {
			return fmt.Errorf("dist: sync %s: %w", p.Name, err)
		}
	}
	return nil
}

// SyncParams broadcasts rank 0's parameter values so every rank holds an
// identical replica. Frozen parameters are included; a replica diverging
// anywhere breaks gradient averaging.
func (c *Coordinator) SyncParams(params []*nn.Parameter) error {
	if !c.Distributed() {
		return nil
	}
	for _, p := range params {
		if err := c.backend.Broadcast(p.Data); err != nil {
			return fmt.Errorf("dist: broadcast %s: %w", p.Name, err)
		}
	}
	return nil
}

// AllReduce averages buf across ranks in place.
func (c *Coordinator) AllReduce(buf []float32) error { return c.backend.AllReduce(buf) }

// Broadcast copies rank 0's buf to every rank in place.
func (c *Coordinator) Broadcast(buf []float32) error { return c.backend.Broadcast(buf) }

// Barrier blocks until every rank arrives.
func (c *Coordinator) Barrier() error { return c.backend.Barrier() }

// Close tears down the group.
func (c *Coordinator) Close() error { return c.backend.Close() }

type noopBackend struct{}

func (noopBackend) AllReduce([]float32) error { return nil }
func (noopBackend) Broadcast([]float32) error { return nil }
func (noopBackend) Barrier() error            { return nil }
func (noopBackend) Close() error              { return nil }
