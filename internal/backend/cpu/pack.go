package cpu

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/chunkllm/internal/artifact"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

// Feature names used by packed models.
const (
	FeatureTokens    = "input_ids"
	FeaturePositions = "position_ids"
	FeatureMask      = "causal_mask"
	FeatureHidden    = "hidden_states"
	FeatureKeyCache  = "k_cache"
	FeatureValCache  = "v_cache"
	FeatureNewKey    = "new_k"
	FeatureNewValue  = "new_v"
	FeatureIndex     = "argmax_index"
	FeatureToken     = "next_token"
)

// PackConfig describes a randomly initialised demo model. Stage 0 embeds
// tokens, the last stage projects to logits and every stage in between is
// an attention block with its own cache.
type PackConfig struct {
	Prefix         string
	Stages         int
	Window         int
	Cache          int
	Hidden         int
	Vocab          int
	Shards         int
	Seed           int64
	CacheProcessor string
	LogitProcessor string
}

func DefaultPackConfig() PackConfig {
	return PackConfig{
		Prefix:         "demo_",
		Stages:         3,
		Window:         8,
		Cache:          32,
		Hidden:         32,
		Vocab:          256,
		Shards:         2,
		Seed:           1,
		CacheProcessor: "cache-processor" + artifact.Ext,
		LogitProcessor: "logit-processor" + artifact.Ext,
	}
}

func (c PackConfig) validate() error {
	switch {
	case c.Stages < 2:
		return errors.New("pack: need at least 2 stages")
	case c.Window <= 0 || c.Cache <= 0 || c.Hidden <= 0:
		return errors.New("pack: window, cache and hidden must be positive")
	case c.Shards <= 0 || c.Vocab < c.Shards:
		return errors.New("pack: vocab must be at least the shard count")
	case c.CacheProcessor == "" || c.LogitProcessor == "":
		return errors.New("pack: auxiliary model names are required")
	}
	return nil
}

// Pack writes the demo model into dir and returns the artifact paths in
// stage order followed by the cache and logit processors.
func Pack(dir string, cfg PackConfig) ([]string, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	W, C, H := cfg.Window, cfg.Cache, cfg.Hidden
	f16 := func(name string, role mlmodel.Role, shape ...int) mlmodel.FeatureDesc {
		return mlmodel.FeatureDesc{Name: name, Role: role, DType: tensor.Float16, Shape: shape}
	}
	i32 := func(name string, role mlmodel.Role, shape ...int) mlmodel.FeatureDesc {
		return mlmodel.FeatureDesc{Name: name, Role: role, DType: tensor.Int32, Shape: shape}
	}
	hidden := f16(FeatureHidden, mlmodel.RoleHidden, 1, W, H)
	var shards []mlmodel.FeatureDesc
	for s := range cfg.Shards {
		width := cfg.Vocab / cfg.Shards
		if s == cfg.Shards-1 {
			width = cfg.Vocab - width*(cfg.Shards-1)
		}
		d := f16(fmt.Sprintf("logits_%d", s), mlmodel.RoleLogits, 1, W, width)
		d.ShardIndex = s
		shards = append(shards, d)
	}
	params := artifact.Params{Hidden: H, Vocab: cfg.Vocab, Window: W, Cache: C, Eps: defaultEps}

	var paths []string
	write := func(name string, m artifact.Manifest, weights []artifact.Weight) error {
		m.Name = name
		m.Params = params
		path := filepath.Join(dir, name+artifact.Ext)
		if err := artifact.Write(path, m, weights); err != nil {
			return fmt.Errorf("pack %s: %w", name, err)
		}
		paths = append(paths, path)
		return nil
	}
	seed := cfg.Seed
	randWeight := func(name string, rows, cols int, scale float32) artifact.Weight {
		m := tensor.NewMat(rows, cols)
		tensor.FillRand(&m, seed, scale)
		seed++
		return artifact.Weight{Info: artifact.WeightInfo{Name: name, Shape: tensor.Shape{rows, cols}}, Data: m.Data}
	}
	ones := func(name string, n int) artifact.Weight {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return artifact.Weight{Info: artifact.WeightInfo{Name: name, Shape: tensor.Shape{n}}, Data: data}
	}

	for i := range cfg.Stages {
		name := fmt.Sprintf("%schunk%d", cfg.Prefix, i)
		var err error
		switch {
		case i == 0:
			err = write(name, artifact.Manifest{
				Kind: KindEmbedding,
				Inputs: []mlmodel.FeatureDesc{
					i32(FeatureTokens, mlmodel.RoleTokens, 1, W),
					i32(FeaturePositions, mlmodel.RolePositions, 1, W),
				},
				Outputs: []mlmodel.FeatureDesc{hidden},
			}, []artifact.Weight{randWeight("embed", cfg.Vocab, H, 2)})
		case i == cfg.Stages-1:
			err = write(name, artifact.Manifest{
				Kind:    KindHead,
				Inputs:  []mlmodel.FeatureDesc{hidden},
				Outputs: shards,
			}, []artifact.Weight{ones("norm", H), randWeight("lm_head", cfg.Vocab, H, 2)})
		default:
			err = write(name, artifact.Manifest{
				Kind: KindBlock,
				Inputs: []mlmodel.FeatureDesc{
					hidden,
					f16(FeatureMask, mlmodel.RoleMask, 1, 1, W, C+W),
					f16(FeatureKeyCache, mlmodel.RoleKeyCache, 1, C, H),
					f16(FeatureValCache, mlmodel.RoleValueCache, 1, C, H),
				},
				Outputs: []mlmodel.FeatureDesc{
					hidden,
					f16(FeatureNewKey, mlmodel.RoleNewKey, 1, W, H),
					f16(FeatureNewValue, mlmodel.RoleNewValue, 1, W, H),
				},
			}, []artifact.Weight{
				ones("norm", H),
				randWeight("wq", H, H, 0.5),
				randWeight("wk", H, H, 0.5),
				randWeight("wv", H, H, 0.5),
				randWeight("wo", H, H, 0.5),
			})
		}
		if err != nil {
			return nil, err
		}
	}

	err := write(trimExt(cfg.CacheProcessor), artifact.Manifest{
		Kind: KindCacheUpdate,
		Inputs: []mlmodel.FeatureDesc{
			f16(FeatureKeyCache, mlmodel.RoleKeyCache, 1, C, H),
			f16(FeatureValCache, mlmodel.RoleValueCache, 1, C, H),
			f16(FeatureNewKey, mlmodel.RoleNewKey, 1, W, H),
			f16(FeatureNewValue, mlmodel.RoleNewValue, 1, W, H),
		},
		Outputs: []mlmodel.FeatureDesc{
			f16(FeatureKeyCache+"_out", mlmodel.RoleKeyCache, 1, C, H),
			f16(FeatureValCache+"_out", mlmodel.RoleValueCache, 1, C, H),
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	reducerInputs := append([]mlmodel.FeatureDesc{}, shards...)
	reducerInputs = append(reducerInputs, i32(FeatureIndex, mlmodel.RoleIndex, 1))
	err = write(trimExt(cfg.LogitProcessor), artifact.Manifest{
		Kind:    KindArgmax,
		Inputs:  reducerInputs,
		Outputs: []mlmodel.FeatureDesc{i32(FeatureToken, mlmodel.RoleToken, 1)},
	}, nil)
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
