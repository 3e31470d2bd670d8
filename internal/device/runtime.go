package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/accelrt/internal/driver"
	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
)

// Runtime holds the opened devices keyed by index.
type Runtime struct {
	registry *engine.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	devices map[int]*Device
	closed  bool
}

// NewRuntime creates an empty runtime resolving strategies from reg.
func NewRuntime(reg *engine.Registry, logger *slog.Logger) *Runtime {
	if reg == nil {
		reg = engine.BuiltinRegistry()
	}
	return &Runtime{
		registry: reg,
		logger:   logger,
		devices:  make(map[int]*Device),
	}
}

// Open opens device index over drv.
func (r *Runtime) Open(index int, drv driver.Driver, opts Options) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("open device %d: %w", index, model.ErrClosed)
	}
	if _, ok := r.devices[index]; ok {
		return nil, fmt.Errorf("device %d already open", index)
	}

	d, err := Open(index, drv, r.registry, opts, r.logger)
	if err != nil {
		return nil, err
	}
	r.devices[index] = d
	return d, nil
}

// Device returns the opened device with the given index.
func (r *Runtime) Device(index int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[index]
	return d, ok
}

// Devices returns the opened devices ordered by index.
func (r *Runtime) Devices() []*Device {
	r.mu.RLock()
	list := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Index() < list[j].Index() })
	return list
}

// Strategies lists the strategies devices can be opened with.
func (r *Runtime) Strategies() []engine.StrategyInfo {
	return r.registry.List()
}

// Close closes every device. Further Opens fail.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, d := range r.Devices() {
		if err := d.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("runtime closed", "devices", len(r.devices))
	return errors.Join(errs...)
}
