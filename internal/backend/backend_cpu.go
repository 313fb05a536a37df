package backend

import (
	"errors"

	"github.com/samcharles93/chunkllm/internal/backend/cpu"
)

const aneEnabled = false

var errAcceleratorUnavailable = errors.New("ane backend not available in this build")

func newCPU() (Backend, error) {
	return cpu.New(), nil
}

func newANE() (Backend, error) {
	return nil, errAcceleratorUnavailable
}
