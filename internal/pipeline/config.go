package pipeline

import (
	"fmt"

	"github.com/samcharles93/chunkllm/internal/mlmodel"
)

// InferenceConfig holds the shape constants derived from the loaded stages.
// It never changes after Load.
type InferenceConfig struct {
	InputLength int                   `json:"input_length"`
	CacheLength int                   `json:"cache_length"`
	VocabSize   int                   `json:"vocab_size"`
	LogitShards []mlmodel.FeatureDesc `json:"logit_shards"`
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedInferenceConfiguration, fmt.Sprintf(format, args...))
}

// deriveConfig inspects the declared features of loaded stages.
func deriveConfig(stages []*Stage) (InferenceConfig, error) {
	if len(stages) == 0 {
		return InferenceConfig{}, unsupported("no stages")
	}
	tokens, ok := stages[0].desc.InputByRole(mlmodel.RoleTokens)
	if !ok {
		return InferenceConfig{}, unsupported("stage 0 declares no token input")
	}
	cfg := InferenceConfig{InputLength: tokens.Shape.Dim(-1)}
	if cfg.InputLength <= 0 {
		return InferenceConfig{}, unsupported("token input %s has no window length", tokens)
	}

	for _, st := range stages {
		for _, f := range st.desc.Inputs {
			switch f.Role {
			case mlmodel.RoleTokens, mlmodel.RolePositions:
				if f.Shape.Dim(-1) != cfg.InputLength {
					return InferenceConfig{}, unsupported("stage %d %s has window %d, want %d", st.index, f, f.Shape.Dim(-1), cfg.InputLength)
				}
			case mlmodel.RoleMask:
				if f.Shape.Dim(-2) != cfg.InputLength {
					return InferenceConfig{}, unsupported("stage %d mask %s does not match window %d", st.index, f, cfg.InputLength)
				}
			case mlmodel.RoleKeyCache, mlmodel.RoleValueCache:
				n := f.Shape.Dim(-2)
				if cfg.CacheLength == 0 {
					cfg.CacheLength = n
				} else if n != cfg.CacheLength {
					return InferenceConfig{}, unsupported("stage %d cache %s, other stages use %d", st.index, f, cfg.CacheLength)
				}
			}
		}
	}

	last := stages[len(stages)-1]
	cfg.LogitShards = last.desc.OutputsByRole(mlmodel.RoleLogits)
	if len(cfg.LogitShards) == 0 {
		return InferenceConfig{}, unsupported("stage %d declares no logits outputs", last.index)
	}
	for i, f := range cfg.LogitShards {
		if f.ShardIndex != i {
			return InferenceConfig{}, unsupported("logits shard indices are not 0..%d", len(cfg.LogitShards)-1)
		}
		if f.Shape.Dim(-2) != cfg.InputLength {
			return InferenceConfig{}, unsupported("logits %s does not cover window %d", f, cfg.InputLength)
		}
		cfg.VocabSize += f.Shape.Dim(-1)
	}
	return cfg, nil
}
