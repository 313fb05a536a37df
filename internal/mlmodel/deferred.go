package mlmodel

import (
	"context"
	"fmt"
	"sync"
)

// Deferred loads a model the first time it is needed and keeps it until
// Unload. A failed load is not remembered, so the next Get retries.
type Deferred struct {
	path   string
	units  ComputeUnits
	loader Loader

	mu    sync.Mutex
	model Model
}

func NewDeferred(loader Loader, path string, units ComputeUnits) *Deferred {
	return &Deferred{path: path, units: units, loader: loader}
}

// Path returns the artifact path the handle loads from.
func (d *Deferred) Path() string { return d.path }

// Get returns the loaded model, loading it on first use.
func (d *Deferred) Get(ctx context.Context) (Model, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model != nil {
		return d.model, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := d.loader.Load(ctx, d.path, d.units)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", d.path, err)
	}
	d.model = m
	return m, nil
}

func (d *Deferred) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model != nil
}

// Unload closes the model if it is loaded. Calling it on an unloaded
// handle is a no-op.
func (d *Deferred) Unload() error {
	d.mu.Lock()
	m := d.model
	d.model = nil
	d.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
