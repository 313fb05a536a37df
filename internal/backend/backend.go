// Package backend selects the model execution backend used to load stage
// and auxiliary artifacts.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
)

const (
	CPU  = "cpu"
	ANE  = "ane"
	Auto = "auto"
)

type Backend interface {
	mlmodel.Loader
	Name() string
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, ANE, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or ane)", backend)
	}
}

// New returns the backend for name. Auto picks the accelerator when this
// build has one and falls back to the CPU otherwise.
func New(name string) (Backend, error) {
	n, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch n {
	case CPU:
		return newCPU()
	case ANE:
		return newANE()
	default:
		if Has(ANE) {
			return newANE()
		}
		return newCPU()
	}
}

// Has reports whether the named backend can be used in this build.
func Has(name string) bool {
	switch name {
	case CPU:
		return true
	case ANE:
		return aneEnabled
	default:
		return false
	}
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{CPU}
	if Has(ANE) {
		entries = append(entries, ANE)
	}
	return strings.Join(entries, ",")
}
