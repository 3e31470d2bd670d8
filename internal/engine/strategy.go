package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/accelrt/internal/driver"
)

// Strategy is the per-hardware-generation part of the engine: how commands
// are reserved and published, and how completions are discovered. One
// instance serves exactly one queue pair.
type Strategy interface {
	Name() string

	// Open allocates the queue pair the strategy will drive.
	Open(drv driver.Driver, depth int) (driver.QueuePair, error)

	// Reserve obtains one SQ slot. It returns driver.ErrQueueFull when the
	// queue is transiently full.
	Reserve(drv driver.Driver, qp driver.QueuePair) (driver.Reservation, error)

	// Commit publishes cmd into a reservation obtained from Reserve.
	Commit(drv driver.Driver, res driver.Reservation, cmd driver.Command) error

	// Harvest returns completions, waiting up to timeout for the first.
	Harvest(ctx context.Context, drv driver.Driver, qp driver.QueuePair, timeout time.Duration, max int) ([]driver.Report, error)

	// Close releases the queue pair.
	Close(drv driver.Driver, qp driver.QueuePair) error
}

// Factory creates a fresh Strategy instance.
type Factory func() Strategy

// StrategyInfo describes a registered strategy.
type StrategyInfo struct {
	Name string `json:"name"`
}

// Registry holds the strategies available for engine construction, keyed by
// hardware generation name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// BuiltinRegistry returns a registry with every strategy in this package.
func BuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(StrategyCQReport, func() Strategy { return &cqReport{} })
	r.Register(StrategyHeadPoll, func() Strategy { return &headPoll{} })
	return r
}

// Register adds a strategy factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve returns a new instance of the named strategy. An empty name
// selects StrategyCQReport.
func (r *Registry) Resolve(name string) (Strategy, error) {
	if name == "" {
		name = StrategyCQReport
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q is not registered", name)
	}
	return f(), nil
}

// List returns the registered strategies sorted by name.
func (r *Registry) List() []StrategyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StrategyInfo, 0, len(r.factories))
	for name := range r.factories {
		infos = append(infos, StrategyInfo{Name: name})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
