package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

const (
	fakeWindow = 2
	fakeCache  = 4
	fakeHidden = 2
	fakeShard  = 2
)

// fakeModel is a stage or auxiliary model whose behaviour is a closure.
type fakeModel struct {
	desc    mlmodel.Description
	predict func(ctx context.Context, in, out tensor.Map) error
	onClose func()
}

func (m *fakeModel) Description() mlmodel.Description { return m.desc }

func (m *fakeModel) Predict(ctx context.Context, in, out tensor.Map) error {
	return m.predict(ctx, in, out)
}

func (m *fakeModel) Close() error {
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

func f32(name string, role mlmodel.Role, shape ...int) mlmodel.FeatureDesc {
	return mlmodel.FeatureDesc{Name: name, Role: role, DType: tensor.Float32, Shape: shape}
}

func i32(name string, role mlmodel.Role, shape ...int) mlmodel.FeatureDesc {
	return mlmodel.FeatureDesc{Name: name, Role: role, DType: tensor.Int32, Shape: shape}
}

func shardDescs() []mlmodel.FeatureDesc {
	a := f32("logits_0", mlmodel.RoleLogits, 1, fakeWindow, fakeShard)
	b := f32("logits_1", mlmodel.RoleLogits, 1, fakeWindow, fakeShard)
	b.ShardIndex = 1
	return []mlmodel.FeatureDesc{b, a}
}

// cacheCall is one cache model invocation. stage is recovered from the
// identity of the key cache buffer it was handed.
type cacheCall struct {
	key        *tensor.Buffer
	start, end time.Time
}

// world is a fake backend plus instrumentation for a model directory.
type world struct {
	t      *testing.T
	dir    string
	stages int

	mu        sync.Mutex
	loads     map[string]int
	open      int
	failPath  string
	stageErr  map[int]error
	cacheErr  error
	token     int
	cacheCall []cacheCall
	// seen holds the buffers each stage call was handed and vals a copy of
	// their contents at call time.
	seen map[int][]tensor.Map
	vals map[int][]map[string][]float32
}

func newWorld(t *testing.T, stages int, names ...string) *world {
	t.Helper()
	w := &world{
		t:        t,
		dir:      t.TempDir(),
		stages:   stages,
		loads:    map[string]int{},
		stageErr: map[int]error{},
		token:    7,
		seen:     map[int][]tensor.Map{},
		vals:     map[int][]map[string][]float32{},
	}
	if len(names) == 0 {
		for i := range stages {
			names = append(names, "modelA_chunk"+string(rune('0'+i))+".mlmodelc")
		}
		names = append(names, DefaultCacheProcessor, DefaultLogitProcessor)
	}
	for _, n := range names {
		require.NoError(t, os.Mkdir(filepath.Join(w.dir, n), 0o755))
	}
	return w
}

func (w *world) Load(_ context.Context, path string, _ mlmodel.ComputeUnits) (mlmodel.Model, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	name := filepath.Base(path)
	if path == w.failPath {
		return nil, errors.New("corrupt weights")
	}
	w.loads[name]++
	w.open++
	m := w.model(name)
	m.onClose = func() {
		w.mu.Lock()
		w.open--
		w.mu.Unlock()
	}
	return m, nil
}

func (w *world) openCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *world) record(stage int, in, out tensor.Map) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := tensor.Map{}
	for k, v := range in {
		snap["in/"+k] = v
	}
	for k, v := range out {
		snap["out/"+k] = v
	}
	w.seen[stage] = append(w.seen[stage], snap)
	w.vals[stage] = append(w.vals[stage], vals)
}

func contents(b *tensor.Buffer) []float32 {
	v := make([]float32, b.Len())
	b.ReadFloat32(v, 0)
	return v
}

func (w *world) model(name string) *fakeModel {
	switch name {
	case DefaultCacheProcessor:
		return w.cacheModel()
	case DefaultLogitProcessor:
		return w.reducerModel()
	}
	var idx int
	for i := range w.stages {
		if name == "modelA_chunk"+string(rune('0'+i))+".mlmodelc" {
			idx = i
		}
	}
	if idx == 0 {
		return w.embedModel()
	}
	return w.blockModel(idx, idx == w.stages-1)
}

func (w *world) embedModel() *fakeModel {
	desc := mlmodel.Description{
		Name: "embed",
		Inputs: []mlmodel.FeatureDesc{
			i32("input_ids", mlmodel.RoleTokens, 1, fakeWindow),
			i32("position_ids", mlmodel.RolePositions, 1, fakeWindow),
		},
		Outputs: []mlmodel.FeatureDesc{f32("hidden_states", mlmodel.RoleHidden, 1, fakeWindow, fakeHidden)},
	}
	return &fakeModel{desc: desc, predict: func(_ context.Context, in, out tensor.Map) error {
		w.record(0, in, out)
		w.mu.Lock()
		err := w.stageErr[0]
		w.mu.Unlock()
		if err != nil {
			return err
		}
		for i := range fakeWindow {
			out["hidden_states"].Set(i*fakeHidden, in["input_ids"].At(i))
			out["hidden_states"].Set(i*fakeHidden+1, in["position_ids"].At(i))
		}
		return nil
	}}
}

func (w *world) blockModel(idx int, last bool) *fakeModel {
	desc := mlmodel.Description{
		Name: "block",
		Inputs: []mlmodel.FeatureDesc{
			f32("hidden_states", mlmodel.RoleHidden, 1, fakeWindow, fakeHidden),
			f32("causal_mask", mlmodel.RoleMask, 1, 1, fakeWindow, fakeCache+fakeWindow),
			f32("k_cache", mlmodel.RoleKeyCache, 1, fakeCache, fakeHidden),
			f32("v_cache", mlmodel.RoleValueCache, 1, fakeCache, fakeHidden),
		},
		Outputs: []mlmodel.FeatureDesc{
			f32("hidden_states", mlmodel.RoleHidden, 1, fakeWindow, fakeHidden),
			f32("new_k", mlmodel.RoleNewKey, 1, fakeWindow, fakeHidden),
			f32("new_v", mlmodel.RoleNewValue, 1, fakeWindow, fakeHidden),
		},
	}
	if last {
		desc.Outputs = append(desc.Outputs, shardDescs()...)
	}
	return &fakeModel{desc: desc, predict: func(_ context.Context, in, out tensor.Map) error {
		w.record(idx, in, out)
		w.mu.Lock()
		err := w.stageErr[idx]
		w.mu.Unlock()
		if err != nil {
			return err
		}
		for _, name := range []string{"hidden_states", "new_k", "new_v"} {
			if err := out[name].CopyFrom(in["hidden_states"]); err != nil {
				return err
			}
		}
		return nil
	}}
}

func (w *world) cacheModel() *fakeModel {
	desc := mlmodel.Description{
		Name: "cache-processor",
		Inputs: []mlmodel.FeatureDesc{
			f32("k_cache", mlmodel.RoleKeyCache, 1, fakeCache, fakeHidden),
			f32("v_cache", mlmodel.RoleValueCache, 1, fakeCache, fakeHidden),
			f32("new_k", mlmodel.RoleNewKey, 1, fakeWindow, fakeHidden),
			f32("new_v", mlmodel.RoleNewValue, 1, fakeWindow, fakeHidden),
		},
		Outputs: []mlmodel.FeatureDesc{
			f32("k_out", mlmodel.RoleKeyCache, 1, fakeCache, fakeHidden),
			f32("v_out", mlmodel.RoleValueCache, 1, fakeCache, fakeHidden),
		},
	}
	return &fakeModel{desc: desc, predict: func(_ context.Context, in, out tensor.Map) error {
		call := cacheCall{key: in["k_cache"], start: time.Now()}
		time.Sleep(time.Millisecond)
		w.mu.Lock()
		err := w.cacheErr
		w.mu.Unlock()
		if err != nil {
			return err
		}
		n := fakeWindow * fakeHidden
		for _, p := range [][3]string{{"k_cache", "new_k", "k_out"}, {"v_cache", "new_v", "v_out"}} {
			old, fresh, dst := in[p[0]].Float32s(), in[p[1]].Float32s(), out[p[2]].Float32s()
			copy(dst, old[n:])
			copy(dst[len(dst)-n:], fresh)
		}
		call.end = time.Now()
		w.mu.Lock()
		w.cacheCall = append(w.cacheCall, call)
		w.mu.Unlock()
		return nil
	}}
}

func (w *world) reducerModel() *fakeModel {
	inputs := append(shardDescs(), i32("argmax_index", mlmodel.RoleIndex, 1))
	desc := mlmodel.Description{
		Name:    "logit-processor",
		Inputs:  inputs,
		Outputs: []mlmodel.FeatureDesc{i32("next_token", mlmodel.RoleToken, 1)},
	}
	return &fakeModel{desc: desc, predict: func(_ context.Context, in, out tensor.Map) error {
		w.mu.Lock()
		tok := w.token
		w.mu.Unlock()
		out["next_token"].Set(0, float32(tok))
		return nil
	}}
}

func (w *world) pipeline(opts Options) *Pipeline {
	w.t.Helper()
	opts.Loader = w
	p, err := New(w.dir, opts)
	require.NoError(w.t, err)
	return p
}

func (w *world) loaded(opts Options) *Pipeline {
	w.t.Helper()
	p := w.pipeline(opts)
	require.NoError(w.t, p.Load(context.Background()))
	w.t.Cleanup(func() { _ = p.Close() })
	return p
}
