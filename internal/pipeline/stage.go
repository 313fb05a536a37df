package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
)

// State is the lifecycle state of a stage.
type State int

const (
	Unloaded State = iota
	Loaded
)

func (s State) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "unloaded"
}

// Stage owns one compiled chunk and at most one loaded handle for it. Its
// index and artifact are fixed at construction.
type Stage struct {
	index int
	path  string
	units mlmodel.ComputeUnits

	state State
	model mlmodel.Model
	desc  mlmodel.Description
}

func newStage(index int, path string, units mlmodel.ComputeUnits) *Stage {
	return &Stage{index: index, path: path, units: units}
}

// placement is the compute policy for stage i: the first stage may contain
// operations the accelerator cannot run.
func placement(i int) mlmodel.ComputeUnits {
	if i == 0 {
		return mlmodel.CPUOnly
	}
	return mlmodel.CPUAndNeuralEngine
}

func (s *Stage) Index() int                  { return s.index }
func (s *Stage) Path() string                { return s.path }
func (s *Stage) Units() mlmodel.ComputeUnits { return s.units }
func (s *Stage) State() State                { return s.state }

// Load opens the artifact. Loading a loaded stage is a no-op.
func (s *Stage) Load(ctx context.Context, loader mlmodel.Loader) error {
	if s.state == Loaded {
		return nil
	}
	m, err := loader.Load(ctx, s.path, s.units)
	if err != nil {
		return &ArtifactError{Path: s.path, Err: err}
	}
	s.model = m
	s.desc = m.Description()
	s.state = Loaded
	return nil
}

// Unload closes the handle. Unloading an unloaded stage is a no-op.
func (s *Stage) Unload() error {
	if s.state == Unloaded {
		return nil
	}
	m := s.model
	s.model = nil
	s.state = Unloaded
	if err := m.Close(); err != nil {
		return fmt.Errorf("unload stage %d: %w", s.index, err)
	}
	return nil
}

// hasCache reports whether the stage reads a cache and emits new entries
// for it.
func (s *Stage) hasCache() bool {
	_, k := s.desc.InputByRole(mlmodel.RoleKeyCache)
	_, nk := s.desc.OutputByRole(mlmodel.RoleNewKey)
	return k && nk
}

// StageInfo is a read-only snapshot of a stage.
type StageInfo struct {
	Index   int                   `json:"index"`
	Name    string                `json:"name"`
	Path    string                `json:"path"`
	Units   string                `json:"compute_units"`
	State   string                `json:"state"`
	Cache   bool                  `json:"cache"`
	Inputs  []mlmodel.FeatureDesc `json:"inputs,omitempty"`
	Outputs []mlmodel.FeatureDesc `json:"outputs,omitempty"`
}

func (s *Stage) info() StageInfo {
	return StageInfo{
		Index:   s.index,
		Name:    filepath.Base(s.path),
		Path:    s.path,
		Units:   s.units.String(),
		State:   s.state.String(),
		Cache:   s.state == Loaded && s.hasCache(),
		Inputs:  s.desc.Inputs,
		Outputs: s.desc.Outputs,
	}
}
