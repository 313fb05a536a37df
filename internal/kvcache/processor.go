// Package kvcache runs the cache update model for each stage off the
// critical path. Each stage index has at most one task in flight; the
// pipeline waits on that index only right before it runs the stage again.
package kvcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/signpost"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

var ErrTaskPending = errors.New("kvcache: task pending")

// Store is the part of the tensor store the processor writes through.
type Store interface {
	Scratch(stage int, descs []mlmodel.FeatureDesc) (tensor.Map, error)
	Commit(stage int, role mlmodel.Role, src *tensor.Buffer) error
}

// ModelSource yields the cache update model, loading it on first use.
type ModelSource interface {
	Get(ctx context.Context) (mlmodel.Model, error)
}

type task struct {
	done chan struct{}
	err  error
}

type Processor struct {
	model ModelSource
	store Store
	log   logger.Logger
	sink  signpost.Sink

	mu    sync.Mutex
	tasks map[int]*task
}

func New(model ModelSource, store Store, log logger.Logger, sink signpost.Sink) *Processor {
	if log == nil {
		log = logger.Discard()
	}
	return &Processor{
		model: model,
		store: store,
		log:   log,
		sink:  signpost.OrNop(sink),
		tasks: make(map[int]*task),
	}
}

// Submit starts the cache update for stage using the inputs and outputs of
// the call that just ran. schema supplies the roles of those features. The
// previous task for the same index must have been observed with Wait.
//
// The task outlives ctx cancellation so that an abandoned sequence never
// leaves a cache half written; ctx values are kept.
func (p *Processor) Submit(ctx context.Context, stage int, schema mlmodel.Description, inputs, outputs tensor.Map) error {
	p.mu.Lock()
	if _, busy := p.tasks[stage]; busy {
		p.mu.Unlock()
		return fmt.Errorf("%w: stage %d", ErrTaskPending, stage)
	}
	t := &task{done: make(chan struct{})}
	p.tasks[stage] = t
	p.mu.Unlock()

	sources := make(map[mlmodel.Role]*tensor.Buffer, 4)
	for _, r := range []mlmodel.Role{mlmodel.RoleKeyCache, mlmodel.RoleValueCache} {
		if f, ok := schema.InputByRole(r); ok {
			sources[r] = inputs[f.Name]
		}
	}
	for _, r := range []mlmodel.Role{mlmodel.RoleNewKey, mlmodel.RoleNewValue} {
		if f, ok := schema.OutputByRole(r); ok {
			sources[r] = outputs[f.Name]
		}
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(t.done)
		t.err = p.run(runCtx, stage, sources)
		if t.err != nil {
			p.log.Warn("cache update failed", "stage", stage, "error", t.err)
		}
	}()
	return nil
}

func (p *Processor) run(ctx context.Context, stage int, sources map[mlmodel.Role]*tensor.Buffer) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in cache update: %v", rec)
		}
	}()
	span := p.sink.Begin(signpost.CacheUpdate, "stage", stage)
	defer span.End()

	m, err := p.model.Get(ctx)
	if err != nil {
		return err
	}
	desc := m.Description()
	inputs := make(tensor.Map, len(desc.Inputs))
	for _, f := range desc.Inputs {
		buf := sources[f.Role]
		if buf == nil {
			return fmt.Errorf("cache model input %q: stage has no %s feature", f.Name, f.Role)
		}
		inputs[f.Name] = buf
	}
	outputs, err := p.store.Scratch(stage, desc.Outputs)
	if err != nil {
		return err
	}
	if err := mlmodel.SafePredict(ctx, m, inputs, outputs); err != nil {
		return err
	}
	for _, f := range desc.Outputs {
		if err := p.store.Commit(stage, f.Role, outputs[f.Name]); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the task for stage completes and returns its error. It
// returns nil when nothing is outstanding. If ctx ends first the task stays
// registered and the context error is returned.
func (p *Processor) Wait(ctx context.Context, stage int) error {
	p.mu.Lock()
	t, ok := p.tasks[stage]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	if p.tasks[stage] == t {
		delete(p.tasks, stage)
	}
	p.mu.Unlock()
	if t.err != nil {
		return fmt.Errorf("cache update for stage %d: %w", stage, t.err)
	}
	return nil
}

// WaitAll waits for every outstanding task and joins their errors.
func (p *Processor) WaitAll(ctx context.Context) error {
	p.mu.Lock()
	stages := make([]int, 0, len(p.tasks))
	for i := range p.tasks {
		stages = append(stages, i)
	}
	p.mu.Unlock()
	slices.Sort(stages)

	var errs []error
	for _, i := range stages {
		if err := p.Wait(ctx, i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of tasks not yet observed with Wait.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
