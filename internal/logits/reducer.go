// Package logits reduces the sharded vocabulary logits of the last stage to
// a single token id through the logit processor model.
package logits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/signpost"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

var ErrShardCount = errors.New("logits: shard count does not match reducer inputs")

// ModelSource yields the reducer model, loading it on first use.
type ModelSource interface {
	Get(ctx context.Context) (mlmodel.Model, error)
}

// Reducer keeps its index and output buffers across calls. It is safe for
// concurrent use, though calls are serialised.
type Reducer struct {
	model ModelSource
	sink  signpost.Sink

	mu      sync.Mutex
	desc    mlmodel.Description
	index   *tensor.Buffer
	outputs tensor.Map
	token   *tensor.Buffer
}

func New(model ModelSource, sink signpost.Sink) *Reducer {
	return &Reducer{model: model, sink: signpost.OrNop(sink)}
}

// Argmax returns the global token id with the highest logit at position
// index of the window. shards must be in shard order. Ties resolve to the
// lowest token id.
func (r *Reducer) Argmax(ctx context.Context, shards []*tensor.Buffer, index int) (int, error) {
	span := r.sink.Begin(signpost.LogitsArgmax, "index", index)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.model.Get(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.bind(m.Description()); err != nil {
		return 0, err
	}

	slots := r.desc.InputsByRole(mlmodel.RoleLogits)
	if len(slots) != len(shards) {
		return 0, fmt.Errorf("%w: got %d shards, reducer takes %d", ErrShardCount, len(shards), len(slots))
	}
	inputs := make(tensor.Map, len(slots)+1)
	for i, f := range slots {
		inputs[f.Name] = shards[i]
	}
	r.index.Set(0, float32(index))
	inputs[r.index.Name()] = r.index

	if err := mlmodel.SafePredict(ctx, m, inputs, r.outputs); err != nil {
		return 0, fmt.Errorf("logit reducer: %w", err)
	}
	return int(r.token.At(0)), nil
}

// bind allocates the index and output buffers the first time a model
// description is seen.
func (r *Reducer) bind(desc mlmodel.Description) error {
	if r.index != nil && r.desc.Name == desc.Name {
		return nil
	}
	idx, ok := desc.InputByRole(mlmodel.RoleIndex)
	if !ok {
		return fmt.Errorf("logit reducer %q has no %s input", desc.Name, mlmodel.RoleIndex)
	}
	tok, ok := desc.OutputByRole(mlmodel.RoleToken)
	if !ok {
		return fmt.Errorf("logit reducer %q has no %s output", desc.Name, mlmodel.RoleToken)
	}
	index, err := tensor.New(idx.Name, idx.DType, idx.Shape)
	if err != nil {
		return err
	}
	outputs := make(tensor.Map, len(desc.Outputs))
	for _, f := range desc.Outputs {
		buf, err := tensor.New(f.Name, f.DType, f.Shape)
		if err != nil {
			return err
		}
		outputs[f.Name] = buf
	}
	r.desc = desc
	r.index = index
	r.outputs = outputs
	r.token = outputs[tok.Name]
	return nil
}
