// Package tensorstore owns every tensor buffer exchanged between pipeline
// stages. Buffers are allocated on first use of a (stage, feature) pair and
// the same storage is handed back for as long as the declared shape holds.
package tensorstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

var (
	ErrShapeMismatch  = fmt.Errorf("tensorstore: %w", tensor.ErrShapeMismatch)
	ErrMissingFeature = errors.New("tensorstore: missing feature")
)

// MaskValue is written into attention mask slots that must not be attended.
const MaskValue = -1e4

// Window is the slice of the running token sequence fed to one forward pass.
// Start is the absolute position of Tokens[0].
type Window struct {
	Tokens []int
	Start  int
}

type slot struct {
	desc mlmodel.FeatureDesc
	buf  *tensor.Buffer
}

type stageBuffers struct {
	inputs  map[string]slot
	outputs map[string]slot
	scratch map[string]slot
	current tensor.Map
}

func newStageBuffers() *stageBuffers {
	return &stageBuffers{
		inputs:  make(map[string]slot),
		outputs: make(map[string]slot),
		scratch: make(map[string]slot),
	}
}

// Store is safe for concurrent use.
type Store struct {
	log logger.Logger

	mu     sync.Mutex
	stages map[int]*stageBuffers
	bytes  int64
	count  int
}

func New(log logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{log: log, stages: make(map[int]*stageBuffers)}
}

func (s *Store) stage(i int) *stageBuffers {
	sb, ok := s.stages[i]
	if !ok {
		sb = newStageBuffers()
		s.stages[i] = sb
	}
	return sb
}

// acquire returns the buffer for f in m, allocating it on first use.
func (s *Store) acquire(stage int, kind string, m map[string]slot, f mlmodel.FeatureDesc) (*tensor.Buffer, error) {
	if sl, ok := m[f.Name]; ok {
		if !sl.buf.Matches(f.DType, f.Shape) {
			return nil, fmt.Errorf("%w: stage %d %s %q is %s, now declared %s%s",
				ErrShapeMismatch, stage, kind, f.Name, sl.buf, f.DType, f.Shape)
		}
		return sl.buf, nil
	}
	buf, err := tensor.New(f.Name, f.DType, f.Shape)
	if err != nil {
		return nil, fmt.Errorf("stage %d %s %q: %w", stage, kind, f.Name, err)
	}
	m[f.Name] = slot{desc: f, buf: buf}
	s.bytes += int64(buf.Bytes())
	s.count++
	s.log.Debug("allocated buffer",
		"stage", stage,
		"kind", kind,
		"feature", f.Name,
		"shape", f.Shape.String(),
		"size", humanize.IBytes(uint64(buf.Bytes())),
		"total", humanize.IBytes(uint64(s.bytes)),
	)
	return buf, nil
}

// FeatureProvider fills the stage inputs for one window. Token, position and
// mask buffers are rewritten in place, hidden state is the previous stage's
// output buffer, and cache inputs are the stage's persistent cache buffers.
func (s *Store) FeatureProvider(stage int, inputs []mlmodel.FeatureDesc, w Window) (tensor.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb := s.stage(stage)
	out := make(tensor.Map, len(inputs))
	for _, f := range inputs {
		if f.Role == mlmodel.RoleHidden {
			buf, err := s.previousHidden(stage, f)
			if err != nil {
				return nil, err
			}
			out[f.Name] = buf
			continue
		}

		buf, err := s.acquire(stage, "input", sb.inputs, f)
		if err != nil {
			return nil, err
		}
		switch f.Role {
		case mlmodel.RoleTokens:
			err = writeTokens(buf, w)
		case mlmodel.RolePositions:
			err = writePositions(buf, w)
		case mlmodel.RoleMask:
			err = writeMask(buf, w)
		case mlmodel.RoleKeyCache, mlmodel.RoleValueCache:
		default:
			err = fmt.Errorf("%w: stage %d input %q has role %s with no provider", ErrMissingFeature, stage, f.Name, f.Role)
		}
		if err != nil {
			return nil, err
		}
		out[f.Name] = buf
	}
	return out, nil
}

func (s *Store) previousHidden(stage int, f mlmodel.FeatureDesc) (*tensor.Buffer, error) {
	prev, ok := s.stages[stage-1]
	if stage == 0 || !ok || prev.current == nil {
		return nil, fmt.Errorf("%w: stage %d needs hidden state from stage %d", ErrMissingFeature, stage, stage-1)
	}
	for name, sl := range prev.outputs {
		if sl.desc.Role != mlmodel.RoleHidden {
			continue
		}
		buf := prev.current[name]
		if buf == nil {
			break
		}
		if !buf.Matches(f.DType, f.Shape) {
			return nil, fmt.Errorf("%w: stage %d input %q wants %s%s, stage %d produced %s",
				ErrShapeMismatch, stage, f.Name, f.DType, f.Shape, stage-1, buf)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: stage %d produced no hidden state", ErrMissingFeature, stage-1)
}

func windowLength(buf *tensor.Buffer, w Window) (int, error) {
	n := buf.Shape().Dim(-1)
	if len(w.Tokens) > n {
		return 0, fmt.Errorf("%w: window of %d tokens exceeds %s", ErrShapeMismatch, len(w.Tokens), buf)
	}
	return n, nil
}

func writeTokens(buf *tensor.Buffer, w Window) error {
	n, err := windowLength(buf, w)
	if err != nil {
		return err
	}
	for i := range n {
		v := 0
		if i < len(w.Tokens) {
			v = w.Tokens[i]
		}
		buf.Set(i, float32(v))
	}
	return nil
}

func writePositions(buf *tensor.Buffer, w Window) error {
	n, err := windowLength(buf, w)
	if err != nil {
		return err
	}
	for i := range n {
		buf.Set(i, float32(w.Start+i))
	}
	return nil
}

// writeMask fills a [..., W, C+W] causal mask. The first C columns address
// the cache, which holds the newest min(Start, C) positions right aligned.
// The last W columns address the window itself.
func writeMask(buf *tensor.Buffer, w Window) error {
	shape := buf.Shape()
	rows, cols := shape.Dim(-2), shape.Dim(-1)
	cache := cols - rows
	if rows <= 0 || cache < 0 || len(w.Tokens) > rows {
		return fmt.Errorf("%w: mask %s cannot cover a window of %d", ErrShapeMismatch, buf, len(w.Tokens))
	}
	firstValid := cache - min(w.Start, cache)
	for i := range rows {
		base := i * cols
		for j := range cols {
			v := float32(MaskValue)
			if j < cache {
				if j >= firstValid {
					v = 0
				}
			} else if j-cache <= i {
				v = 0
			}
			buf.Set(base+j, v)
		}
	}
	return nil
}

// OutputBackings returns the long-lived buffers a stage writes its outputs
// into.
func (s *Store) OutputBackings(stage int, outputs []mlmodel.FeatureDesc) (tensor.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb := s.stage(stage)
	out := make(tensor.Map, len(outputs))
	for _, f := range outputs {
		buf, err := s.acquire(stage, "output", sb.outputs, f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = buf
	}
	return out, nil
}

// Update records outputs as the stage's current state. Only buffers handed
// out by OutputBackings are accepted.
func (s *Store) Update(stage int, outputs tensor.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb := s.stage(stage)
	current := make(tensor.Map, len(outputs))
	for name, buf := range outputs {
		sl, ok := sb.outputs[name]
		if !ok || sl.buf != buf {
			return fmt.Errorf("%w: stage %d output %q is not a store backing", ErrMissingFeature, stage, name)
		}
		current[name] = buf
	}
	sb.current = current
	return nil
}

// Outputs returns the stage outputs recorded by the last Update.
func (s *Store) Outputs(stage int) tensor.Map {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.stages[stage]
	if !ok || sb.current == nil {
		return nil
	}
	out := make(tensor.Map, len(sb.current))
	for k, v := range sb.current {
		out[k] = v
	}
	return out
}

// OutputByRole returns the current outputs of a stage carrying role, in
// shard order.
func (s *Store) OutputByRole(stage int, role mlmodel.Role) []*tensor.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.stages[stage]
	if !ok || sb.current == nil {
		return nil
	}
	var descs []mlmodel.FeatureDesc
	for name, sl := range sb.outputs {
		if _, live := sb.current[name]; live {
			descs = append(descs, sl.desc)
		}
	}
	ordered := mlmodel.Description{Outputs: descs}.OutputsByRole(role)
	out := make([]*tensor.Buffer, len(ordered))
	for i, f := range ordered {
		out[i] = sb.current[f.Name]
	}
	return out
}

// Scratch returns per-stage buffers for an auxiliary model to write into.
func (s *Store) Scratch(stage int, descs []mlmodel.FeatureDesc) (tensor.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb := s.stage(stage)
	out := make(tensor.Map, len(descs))
	for _, f := range descs {
		buf, err := s.acquire(stage, "scratch", sb.scratch, f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = buf
	}
	return out, nil
}

// Commit copies src into the stage's input buffer carrying role.
func (s *Store) Commit(stage int, role mlmodel.Role, src *tensor.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb, ok := s.stages[stage]
	if ok {
		for _, sl := range sb.inputs {
			if sl.desc.Role != role {
				continue
			}
			if err := sl.buf.CopyFrom(src); err != nil {
				return fmt.Errorf("commit stage %d %s: %w", stage, role, errors.Join(ErrShapeMismatch, err))
			}
			return nil
		}
	}
	return fmt.Errorf("%w: stage %d has no %s input", ErrMissingFeature, stage, role)
}

// Reset zeroes every buffer in place. Storage identity is preserved.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sb := range s.stages {
		for _, m := range []map[string]slot{sb.inputs, sb.outputs, sb.scratch} {
			for _, sl := range m {
				sl.buf.Zero()
			}
		}
		sb.current = nil
	}
}

// Release drops every buffer. The store can be used again afterwards and
// will allocate fresh storage.
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 {
		s.log.Debug("released buffers", "count", s.count, "size", humanize.IBytes(uint64(s.bytes)))
	}
	s.stages = make(map[int]*stageBuffers)
	s.bytes = 0
	s.count = 0
}

// Stats reports the number of live buffers and their total size in bytes.
func (s *Store) Stats() (count int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.bytes
}
