// Package mlmodel describes compiled model artifacts and the execution
// contract shared by every backend.
package mlmodel

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/chunkllm/internal/tensor"
)

// Role tags what a feature carries so callers never infer it from a name.
type Role string

const (
	RoleTokens     Role = "tokens"
	RolePositions  Role = "positions"
	RoleMask       Role = "mask"
	RoleHidden     Role = "hidden"
	RoleKeyCache   Role = "key_cache"
	RoleValueCache Role = "value_cache"
	RoleNewKey     Role = "new_key"
	RoleNewValue   Role = "new_value"
	RoleLogits     Role = "logits"
	RoleIndex      Role = "index"
	RoleToken      Role = "token"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleTokens, RolePositions, RoleMask, RoleHidden,
		RoleKeyCache, RoleValueCache, RoleNewKey, RoleNewValue,
		RoleLogits, RoleIndex, RoleToken:
		return true
	default:
		return false
	}
}

// FeatureDesc declares one named input or output of a model.
type FeatureDesc struct {
	Name  string       `json:"name"`
	Role  Role         `json:"role"`
	DType tensor.DType `json:"dtype"`
	Shape tensor.Shape `json:"shape"`
	// ShardIndex orders logits shards; ignored for other roles.
	ShardIndex int `json:"shard_index,omitempty"`
}

func (f FeatureDesc) String() string {
	return fmt.Sprintf("%s(%s %s%s)", f.Name, f.Role, f.DType, f.Shape)
}

// Description is the declared schema of a model.
type Description struct {
	Name    string
	Kind    string
	Inputs  []FeatureDesc
	Outputs []FeatureDesc
}

// InputByRole returns the first input with the given role.
func (d Description) InputByRole(r Role) (FeatureDesc, bool) {
	return firstByRole(d.Inputs, r)
}

// OutputByRole returns the first output with the given role.
func (d Description) OutputByRole(r Role) (FeatureDesc, bool) {
	return firstByRole(d.Outputs, r)
}

// InputsByRole returns every input with the given role ordered by ShardIndex.
func (d Description) InputsByRole(r Role) []FeatureDesc {
	return allByRole(d.Inputs, r)
}

// OutputsByRole returns every output with the given role ordered by ShardIndex.
func (d Description) OutputsByRole(r Role) []FeatureDesc {
	return allByRole(d.Outputs, r)
}

func firstByRole(descs []FeatureDesc, r Role) (FeatureDesc, bool) {
	for _, f := range descs {
		if f.Role == r {
			return f, true
		}
	}
	return FeatureDesc{}, false
}

func allByRole(descs []FeatureDesc, r Role) []FeatureDesc {
	var out []FeatureDesc
	for _, f := range descs {
		if f.Role == r {
			out = append(out, f)
		}
	}
	slices.SortStableFunc(out, func(a, b FeatureDesc) int {
		return a.ShardIndex - b.ShardIndex
	})
	return out
}

// ComputeUnits is the placement policy requested when loading a model.
type ComputeUnits int

const (
	CPUOnly ComputeUnits = iota
	CPUAndGPU
	CPUAndNeuralEngine
	All
)

func (c ComputeUnits) String() string {
	switch c {
	case CPUOnly:
		return "cpu_only"
	case CPUAndGPU:
		return "cpu_and_gpu"
	case CPUAndNeuralEngine:
		return "cpu_and_ne"
	case All:
		return "all"
	default:
		return fmt.Sprintf("compute_units(%d)", int(c))
	}
}

// ParseComputeUnits accepts the names produced by ComputeUnits.String.
func ParseComputeUnits(s string) (ComputeUnits, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu_only", "cpu":
		return CPUOnly, nil
	case "cpu_and_gpu", "gpu":
		return CPUAndGPU, nil
	case "cpu_and_ne", "ane", "ne":
		return CPUAndNeuralEngine, nil
	case "all", "":
		return All, nil
	default:
		return All, fmt.Errorf("unknown compute units %q", s)
	}
}

// Model is a loaded, executable artifact. Predict reads inputs and writes
// into the caller supplied outputs; neither map may be retained after the
// call returns. Implementations must allow concurrent Predict calls.
type Model interface {
	Description() Description
	Predict(ctx context.Context, inputs, outputs tensor.Map) error
	Close() error
}

// Loader opens compiled artifacts.
type Loader interface {
	Load(ctx context.Context, path string, units ComputeUnits) (Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, path string, units ComputeUnits) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, path string, units ComputeUnits) (Model, error) {
	return f(ctx, path, units)
}

// SafePredict calls m.Predict and converts a panic into an error.
func SafePredict(ctx context.Context, m Model, inputs, outputs tensor.Map) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Predict: %v", rec)
		}
	}()
	return m.Predict(ctx, inputs, outputs)
}
