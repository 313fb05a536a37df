package pipeline

import (
	"context"
	"iter"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/signpost"
	"github.com/samcharles93/chunkllm/internal/tensorstore"
)

// Predict returns a single-use sequence of predictions for tokens. The first
// InputLength tokens seed the window; every later prompt token is replayed as
// its own element without latency, then up to maxNewTokens tokens are
// generated. Generation stops after a token listed in eosTokenIDs.
//
// The sequence holds the pipeline exclusively while it is being ranged over.
// Execution errors are yielded once as the final element.
func (p *Pipeline) Predict(ctx context.Context, tokens []int, maxNewTokens int, eosTokenIDs []int) (iter.Seq2[Prediction, error], error) {
	if !p.isLoaded() {
		return nil, ErrNotLoaded
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyPrompt
	}
	prompt := slices.Clone(tokens)
	eos := slices.Clone(eosTokenIDs)
	maxNewTokens = max(maxNewTokens, 0)

	var consumed atomic.Bool
	return func(yield func(Prediction, error) bool) {
		if consumed.Swap(true) {
			yield(Prediction{}, ErrSequenceConsumed)
			return
		}
		p.run.Lock()
		defer p.run.Unlock()

		cfg, ok := p.Config()
		if !ok {
			yield(Prediction{}, ErrNotLoaded)
			return
		}
		d := decoder{p: p, cfg: cfg, prompt: prompt, limit: len(prompt) + maxNewTokens, eos: eos}
		if err := d.run(ctx, yield); err != nil {
			yield(Prediction{}, err)
		}
	}, nil
}

type decoder struct {
	p      *Pipeline
	cfg    InferenceConfig
	prompt []int
	limit  int
	eos    []int
}

// run drives the decode loop. It returns an error only when the consumer is
// still listening.
func (d *decoder) run(ctx context.Context, yield func(Prediction, error) bool) error {
	p, W := d.p, d.cfg.InputLength

	if err := p.cache.WaitAll(context.WithoutCancel(ctx)); err != nil {
		p.log.Warn("discarding cache update errors from an earlier sequence", "error", err)
	}
	p.store.Reset()

	running := slices.Clone(d.prompt[:min(W, len(d.prompt))])
	next := len(running)

	for len(running) < d.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		stepStart := time.Now()
		span := p.sink.Begin(signpost.Step, "length", len(running))

		L := len(running)
		start := ((L - 1) / W) * W
		window := tensorstore.Window{Tokens: running[start:L], Start: start}
		stageTimes, err := d.forward(ctx, window, L%W == 0)
		if err != nil {
			span.End()
			return err
		}

		if next < len(d.prompt) {
			span.End()
			end := min(next+W, len(d.prompt))
			for _, tok := range d.prompt[next:end] {
				running = append(running, tok)
				if !yield(Prediction{Token: tok, Tokens: slices.Clone(running), Replay: true}, nil) {
					return nil
				}
			}
			next = end
			continue
		}

		logitStart := time.Now()
		shards := p.store.OutputByRole(len(p.stages)-1, mlmodel.RoleLogits)
		tok, err := p.reducer.Argmax(ctx, shards, L-1-start)
		if err != nil {
			span.End()
			return err
		}
		running = append(running, tok)
		lat := &Latency{Step: time.Since(stepStart), Stages: stageTimes, Logits: time.Since(logitStart)}
		span.End()

		if !yield(Prediction{Token: tok, Tokens: slices.Clone(running), Latency: lat}, nil) {
			return nil
		}
		if slices.Contains(d.eos, tok) {
			return nil
		}
	}
	return nil
}

// forward runs every stage once over window. When boundary is set the window
// is full and each cache stage gets a new cache update task.
func (d *decoder) forward(ctx context.Context, window tensorstore.Window, boundary bool) ([]time.Duration, error) {
	p := d.p
	times := make([]time.Duration, len(p.stages))
	for i, st := range p.stages {
		wait := p.sink.Begin(signpost.CacheWait, "stage", i)
		err := p.cache.Wait(ctx, i)
		wait.End()
		if err != nil {
			return nil, &StageError{Index: i, Err: err}
		}

		t0 := time.Now()
		inputs, err := p.store.FeatureProvider(i, st.desc.Inputs, window)
		if err != nil {
			return nil, &StageError{Index: i, Err: err}
		}
		outputs, err := p.store.OutputBackings(i, st.desc.Outputs)
		if err != nil {
			return nil, &StageError{Index: i, Err: err}
		}

		span := p.sink.Begin(signpost.StagePredict, "stage", i)
		err = mlmodel.SafePredict(ctx, st.model, inputs, outputs)
		span.End()
		if err != nil {
			return nil, &StageError{Index: i, Err: err}
		}
		if err := p.store.Update(i, outputs); err != nil {
			return nil, &StageError{Index: i, Err: err}
		}
		times[i] = time.Since(t0)

		if boundary && st.hasCache() {
			if err := p.cache.Submit(ctx, i, st.desc, inputs, outputs); err != nil {
				return nil, &StageError{Index: i, Err: err}
			}
		}
	}
	return times, nil
}
