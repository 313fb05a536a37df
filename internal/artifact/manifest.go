// Package artifact reads and writes compiled model artifacts. An artifact is
// a directory named <name>.mlmodelc holding a JSON manifest and a flat
// little-endian float32 weight file.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

const (
	Ext          = ".mlmodelc"
	ManifestFile = "model.json"
	WeightsFile  = "weights.bin"
)

var (
	ErrCorruptArtifact = errors.New("artifact: corrupt artifact")
	ErrInvalidManifest = errors.New("artifact: invalid manifest")
)

// Params are the shape constants a kernel needs beyond its feature list.
type Params struct {
	Hidden int     `json:"hidden,omitempty"`
	Vocab  int     `json:"vocab,omitempty"`
	Window int     `json:"window,omitempty"`
	Cache  int     `json:"cache,omitempty"`
	Eps    float32 `json:"eps,omitempty"`
}

// WeightInfo locates one weight matrix inside weights.bin. Offset is in
// bytes and must be 4-byte aligned.
type WeightInfo struct {
	Name   string       `json:"name"`
	Shape  tensor.Shape `json:"shape"`
	Offset int64        `json:"offset"`
}

func (w WeightInfo) size() int64 { return int64(w.Shape.Elements()) * 4 }

type Manifest struct {
	Name    string                `json:"name"`
	Kind    string                `json:"kind"`
	Inputs  []mlmodel.FeatureDesc `json:"inputs"`
	Outputs []mlmodel.FeatureDesc `json:"outputs"`
	Params  Params                `json:"params"`
	Weights []WeightInfo          `json:"weights,omitempty"`
}

// Description converts the manifest into the backend neutral schema.
func (m Manifest) Description() mlmodel.Description {
	return mlmodel.Description{
		Name:    m.Name,
		Kind:    m.Kind,
		Inputs:  cloneDescs(m.Inputs),
		Outputs: cloneDescs(m.Outputs),
	}
}

func cloneDescs(in []mlmodel.FeatureDesc) []mlmodel.FeatureDesc {
	out := make([]mlmodel.FeatureDesc, len(in))
	for i, f := range in {
		f.Shape = f.Shape.Clone()
		out[i] = f
	}
	return out
}

// Validate checks the structural rules every manifest must satisfy.
func (m Manifest) Validate() error {
	if m.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidManifest)
	}
	seen := make(map[string]struct{}, len(m.Inputs)+len(m.Outputs))
	check := func(side string, descs []mlmodel.FeatureDesc) error {
		for _, f := range descs {
			if f.Name == "" {
				return fmt.Errorf("%w: unnamed %s feature", ErrInvalidManifest, side)
			}
			if !f.Role.Valid() {
				return fmt.Errorf("%w: %s feature %q has unknown role %q", ErrInvalidManifest, side, f.Name, f.Role)
			}
			if f.DType.Size() == 0 {
				return fmt.Errorf("%w: %s feature %q has no dtype", ErrInvalidManifest, side, f.Name)
			}
			if f.Shape.Elements() <= 0 {
				return fmt.Errorf("%w: %s feature %q has shape %s", ErrInvalidManifest, side, f.Name, f.Shape)
			}
			key := side + "/" + f.Name
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: duplicate %s feature %q", ErrInvalidManifest, side, f.Name)
			}
			seen[key] = struct{}{}
		}
		return nil
	}
	if err := check("input", m.Inputs); err != nil {
		return err
	}
	if err := check("output", m.Outputs); err != nil {
		return err
	}
	for _, w := range m.Weights {
		if w.Offset < 0 || w.Offset%4 != 0 {
			return fmt.Errorf("%w: weight %q offset %d", ErrInvalidManifest, w.Name, w.Offset)
		}
		if w.Shape.Elements() <= 0 {
			return fmt.Errorf("%w: weight %q has shape %s", ErrInvalidManifest, w.Name, w.Shape)
		}
	}
	return nil
}

// ReadManifest decodes and validates dir/model.json.
func ReadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
