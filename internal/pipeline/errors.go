package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedInferenceConfiguration = errors.New("pipeline: unsupported inference configuration")
	ErrModelChunksNotFound               = errors.New("pipeline: model chunks not found")
	ErrAmbiguousModelPath                = errors.New("pipeline: ambiguous model path")
	ErrAuxiliaryModelNotFound            = errors.New("pipeline: auxiliary model not found")
	ErrNotLoaded                         = errors.New("pipeline: not loaded")
	ErrEmptyPrompt                       = errors.New("pipeline: empty prompt")
	ErrSequenceConsumed                  = errors.New("pipeline: prediction sequence already consumed")
)

// AmbiguousModelPathError lists the model prefixes found in a directory when
// no prefix was given to choose between them.
type AmbiguousModelPathError struct {
	Candidates []string
}

func (e *AmbiguousModelPathError) Error() string {
	return fmt.Sprintf("%v: found %s; pass a prefix", ErrAmbiguousModelPath, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousModelPathError) Is(target error) bool {
	return target == ErrAmbiguousModelPath
}

// ArtifactError reports a compiled artifact that could not be loaded.
type ArtifactError struct {
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("load artifact %s: %v", e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

// StageError reports a failure while executing one stage, including a
// failed cache update observed before the stage ran.
type StageError struct {
	Index int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d: %v", e.Index, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
