// Package cpu is the reference backend. It executes artifacts on the host
// with plain float32 kernels and validates every call against the manifest.
package cpu

import (
	"context"
	"fmt"

	"github.com/samcharles93/chunkllm/internal/artifact"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

const Name = "cpu"

// Kinds understood by this backend.
const (
	KindEmbedding   = "embedding"
	KindBlock       = "block"
	KindHead        = "head"
	KindCacheUpdate = "cache_update"
	KindArgmax      = "argmax"
)

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string {
	return Name
}

// Load opens the artifact at path and binds the kernel for its kind. The
// requested compute units are accepted and ignored: everything runs on the
// host.
func (b *Backend) Load(ctx context.Context, path string, _ mlmodel.ComputeUnits) (mlmodel.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := artifact.Open(path)
	if err != nil {
		return nil, err
	}
	desc := f.Manifest.Description()
	k, err := newKernel(f, desc)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &model{file: f, desc: desc, kernel: k}, nil
}

type kernel interface {
	run(ctx context.Context, in, out bound) error
}

func newKernel(f *artifact.File, desc mlmodel.Description) (kernel, error) {
	switch desc.Kind {
	case KindEmbedding:
		return newEmbedding(f, desc)
	case KindBlock:
		return newBlock(f, desc)
	case KindHead:
		return newHead(f, desc)
	case KindCacheUpdate:
		return newCacheUpdate(desc)
	case KindArgmax:
		return newArgmax(desc)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", artifact.ErrInvalidManifest, desc.Kind)
	}
}

type model struct {
	file   *artifact.File
	desc   mlmodel.Description
	kernel kernel
}

func (m *model) Description() mlmodel.Description {
	return m.desc
}

func (m *model) Predict(ctx context.Context, inputs, outputs tensor.Map) error {
	in, err := bind(m.desc.Inputs, inputs, "input")
	if err != nil {
		return err
	}
	out, err := bind(m.desc.Outputs, outputs, "output")
	if err != nil {
		return err
	}
	return m.kernel.run(ctx, in, out)
}

func (m *model) Close() error {
	return m.file.Close()
}

// bound holds the buffers of one call keyed by role, in declaration order
// (shard order for logits).
type bound map[mlmodel.Role][]*tensor.Buffer

func (b bound) one(r mlmodel.Role) *tensor.Buffer {
	if bufs := b[r]; len(bufs) > 0 {
		return bufs[0]
	}
	return nil
}

func bind(descs []mlmodel.FeatureDesc, m tensor.Map, side string) (bound, error) {
	out := make(bound, len(descs))
	schema := mlmodel.Description{Inputs: descs}
	for _, d := range descs {
		if _, done := out[d.Role]; done {
			continue
		}
		for _, f := range schema.InputsByRole(d.Role) {
			buf, ok := m[f.Name]
			if !ok || buf == nil {
				return nil, fmt.Errorf("%w: missing %s %q", tensor.ErrShapeMismatch, side, f.Name)
			}
			if !buf.Matches(f.DType, f.Shape) {
				return nil, fmt.Errorf("%w: %s %q is %s, want %s%s", tensor.ErrShapeMismatch, side, f.Name, buf, f.DType, f.Shape)
			}
			out[d.Role] = append(out[d.Role], buf)
		}
	}
	return out, nil
}

// feature returns the first feature with role r or an error naming it.
func feature(descs []mlmodel.FeatureDesc, r mlmodel.Role, kind string) (mlmodel.FeatureDesc, error) {
	for _, f := range descs {
		if f.Role == r {
			return f, nil
		}
	}
	return mlmodel.FeatureDesc{}, fmt.Errorf("%w: %s model needs a %s feature", artifact.ErrInvalidManifest, kind, r)
}

func weight(f *artifact.File, name string, rows, cols int) (tensor.Mat, error) {
	w, err := f.Weight(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if w.R != rows || w.C != cols {
		return tensor.Mat{}, fmt.Errorf("%w: weight %q is %dx%d, want %dx%d", artifact.ErrInvalidManifest, name, w.R, w.C, rows, cols)
	}
	return w, nil
}
