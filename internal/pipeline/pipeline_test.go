package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/chunkllm/internal/backend/cpu"
	"github.com/samcharles93/chunkllm/internal/signpost"
	"github.com/samcharles93/chunkllm/internal/tensor"
)

func collect(t *testing.T, p *Pipeline, prompt []int, maxNew int, eos []int) ([]Prediction, error) {
	t.Helper()
	seq, err := p.Predict(context.Background(), prompt, maxNew, eos)
	require.NoError(t, err)
	var out []Prediction
	for pred, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, pred)
	}
	return out, nil
}

func TestNewDiscoversStages(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.pipeline(Options{})
	require.Equal(t, "modelA_", p.Prefix())
	stages := p.Stages()
	require.Len(t, stages, 2)
	require.Equal(t, "cpu_only", stages[0].Units)
	require.Equal(t, "cpu_and_ne", stages[1].Units)
	require.Equal(t, "unloaded", stages[1].State)
}

func TestNewAmbiguousPrefix(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 0,
		"modelA_chunk0.mlmodelc", "modelA_chunk1.mlmodelc", "modelB_chunk0.mlmodelc",
		DefaultCacheProcessor, DefaultLogitProcessor)

	_, err := New(w.dir, Options{Loader: w})
	require.ErrorIs(t, err, ErrAmbiguousModelPath)
	var amb *AmbiguousModelPathError
	require.ErrorAs(t, err, &amb)
	require.Equal(t, []string{"modelA_", "modelB_"}, amb.Candidates)

	p, err := New(w.dir, Options{Loader: w, Prefix: "modelA"})
	require.NoError(t, err)
	require.Len(t, p.Stages(), 2)

	p, err = New(w.dir, Options{Loader: w, Prefix: "modelB_"})
	require.NoError(t, err)
	require.Len(t, p.Stages(), 1)
}

func TestNewMissingArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []string
		want  error
	}{
		{"no chunks", []string{DefaultCacheProcessor, DefaultLogitProcessor}, ErrModelChunksNotFound},
		{"gap", []string{"m_chunk0.mlmodelc", "m_chunk2.mlmodelc", DefaultCacheProcessor, DefaultLogitProcessor}, ErrModelChunksNotFound},
		{"no cache processor", []string{"m_chunk0.mlmodelc", DefaultLogitProcessor}, ErrAuxiliaryModelNotFound},
		{"no logit processor", []string{"m_chunk0.mlmodelc", DefaultCacheProcessor}, ErrAuxiliaryModelNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := newWorld(t, 0, tc.files...)
			_, err := New(w.dir, Options{Loader: w})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPredictRequiresLoadAndPrompt(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.pipeline(Options{})
	_, err := p.Predict(context.Background(), []int{1}, 1, nil)
	require.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, p.Load(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	_, err = p.Predict(context.Background(), nil, 1, nil)
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestLoadDerivesConfig(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 3)
	p := w.pipeline(Options{})
	_, ok := p.Config()
	require.False(t, ok)

	var progress []LoadProgress
	p.onLoad = func(lp LoadProgress) { progress = append(progress, lp) }
	require.NoError(t, p.Load(context.Background()))
	t.Cleanup(func() { _ = p.Close() })

	cfg, ok := p.Config()
	require.True(t, ok)
	require.Equal(t, fakeWindow, cfg.InputLength)
	require.Equal(t, fakeCache, cfg.CacheLength)
	require.Equal(t, 2*fakeShard, cfg.VocabSize)
	require.Equal(t, []string{"logits_0", "logits_1"}, []string{cfg.LogitShards[0].Name, cfg.LogitShards[1].Name})

	require.Len(t, progress, 3+3+2)
	require.Equal(t, PassWarm, progress[0].Pass)
	require.Equal(t, PassFull, progress[3].Pass)
	require.Equal(t, LoadProgress{Pass: PassAux, Path: filepath.Join(w.dir, DefaultLogitProcessor), Done: 2, Total: 2}, progress[7])

	stages := p.Stages()
	require.Equal(t, "loaded", stages[0].State)
	require.False(t, stages[0].Cache)
	require.True(t, stages[2].Cache)
}

func TestLoadIsIdempotent(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.loaded(Options{})
	require.NoError(t, p.Load(context.Background()))

	require.Equal(t, 2, w.loads["modelA_chunk0.mlmodelc"])
	require.Equal(t, 2, w.loads["modelA_chunk1.mlmodelc"])
	require.Equal(t, 1, w.loads[DefaultCacheProcessor])
	require.Equal(t, 1, w.loads[DefaultLogitProcessor])
	require.Equal(t, 4, w.openCount())

	preds, err := collect(t, p, []int{1, 2, 3}, 2, nil)
	require.NoError(t, err)
	require.Len(t, preds, 3)
	require.Equal(t, 4, w.openCount())

	require.NoError(t, p.Close())
	require.Zero(t, w.openCount())
	require.Zero(t, p.Stats().Buffers)
}

func TestLoadFailureLeavesNothingLoaded(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	w.failPath = filepath.Join(w.dir, DefaultLogitProcessor)
	p := w.pipeline(Options{})

	err := p.Load(context.Background())
	var artErr *ArtifactError
	require.ErrorAs(t, err, &artErr)
	require.Equal(t, w.failPath, artErr.Path)
	require.Zero(t, w.openCount())
	_, ok := p.Config()
	require.False(t, ok)
	for _, st := range p.Stages() {
		require.Equal(t, "unloaded", st.State)
	}
}

func TestLoadUnsupportedConfiguration(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 1)
	p := w.pipeline(Options{})
	err := p.Load(context.Background())
	require.ErrorIs(t, err, ErrUnsupportedInferenceConfiguration)
	require.Zero(t, w.openCount())
}

func TestPredictReplaysPromptThenStopsOnEOS(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	w.token = 99
	p := w.loaded(Options{})

	preds, err := collect(t, p, []int{10, 11, 12, 13}, 2, []int{99})
	require.NoError(t, err)

	got := make([]int, len(preds))
	for i, pr := range preds {
		got[i] = pr.Token
	}
	require.Equal(t, []int{12, 13, 99}, got)
	require.True(t, preds[0].Replay)
	require.Nil(t, preds[0].Latency)
	require.Nil(t, preds[1].Latency)
	require.False(t, preds[2].Replay)
	require.NotNil(t, preds[2].Latency)
	require.Len(t, preds[2].Latency.Stages, 2)
	require.Equal(t, []int{10, 11, 12, 13, 99}, preds[2].Tokens)
}

func TestPredictElementCounts(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 3)
	p := w.loaded(Options{})

	for promptLen := 1; promptLen <= 7; promptLen++ {
		for _, maxNew := range []int{0, 1, 4} {
			prompt := make([]int, promptLen)
			for i := range prompt {
				prompt[i] = i + 1
			}
			preds, err := collect(t, p, prompt, maxNew, nil)
			require.NoError(t, err)

			replays, gens := 0, 0
			for i, pr := range preds {
				if pr.Replay {
					replays++
					require.Nil(t, pr.Latency)
				} else {
					gens++
					require.NotNil(t, pr.Latency)
				}
				require.Len(t, pr.Tokens, min(promptLen, fakeWindow)+i+1)
			}
			require.Equal(t, max(0, promptLen-fakeWindow), replays, "prompt %d max %d", promptLen, maxNew)
			require.Equal(t, maxNew, gens, "prompt %d max %d", promptLen, maxNew)
		}
	}
}

func TestPredictTokensAreFreshSlices(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.loaded(Options{})
	preds, err := collect(t, p, []int{1, 2}, 3, nil)
	require.NoError(t, err)
	require.Len(t, preds, 3)
	preds[0].Tokens[0] = 42
	require.Equal(t, 1, preds[1].Tokens[0])
	require.Equal(t, 1, preds[2].Tokens[0])
}

func TestPredictSequenceIsSingleUse(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.loaded(Options{})
	seq, err := p.Predict(context.Background(), []int{1, 2}, 1, nil)
	require.NoError(t, err)

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 1, n)

	for _, err := range seq {
		require.ErrorIs(t, err, ErrSequenceConsumed)
	}
}

func TestPredictWindowsAndPositions(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	w.token = 5
	p := w.loaded(Options{})
	_, err := collect(t, p, []int{1, 2, 3}, 2, nil)
	require.NoError(t, err)

	var windows, positions [][]float32
	for _, call := range w.vals[0] {
		windows = append(windows, call["in/input_ids"])
		positions = append(positions, call["in/position_ids"])
	}
	want := [][]float32{{1, 2}, {3, 0}, {3, 5}}
	if diff := cmp.Diff(want, windows); diff != "" {
		t.Fatalf("windows (-want +got):\n%s", diff)
	}
	require.Equal(t, [][]float32{{0, 1}, {2, 3}, {2, 3}}, positions)
}

func TestBuffersAreReusedAcrossSteps(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 3)
	p := w.loaded(Options{})
	_, err := collect(t, p, []int{1, 2, 3, 4, 5}, 4, nil)
	require.NoError(t, err)
	_, err = collect(t, p, []int{6, 7}, 2, nil)
	require.NoError(t, err)

	for stage, calls := range w.seen {
		require.Greater(t, len(calls), 1)
		for _, call := range calls[1:] {
			for name, buf := range call {
				require.Same(t, calls[0][name], buf, "stage %d %s", stage, name)
			}
		}
	}
	for _, call := range w.seen[1] {
		require.Same(t, w.seen[0][0]["out/hidden_states"], call["in/hidden_states"])
	}
}

func TestCacheUpdatesNeverOverlapPerStage(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 3)
	p := w.loaded(Options{})
	_, err := collect(t, p, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, 6, nil)
	require.NoError(t, err)
	require.NoError(t, p.cache.WaitAll(context.Background()))

	byStage := map[*tensor.Buffer][]cacheCall{}
	for _, c := range w.cacheCall {
		byStage[c.key] = append(byStage[c.key], c)
	}
	require.Len(t, byStage, 2)
	for _, calls := range byStage {
		// Full windows end at lengths 2, 4, ..., 14.
		require.Len(t, calls, 7)
		slices.SortFunc(calls, func(a, b cacheCall) int { return a.start.Compare(b.start) })
		for k := 1; k < len(calls); k++ {
			require.False(t, calls[k].start.Before(calls[k-1].end), "task %d started before task %d finished", k, k-1)
		}
	}
}

func TestCacheStateReachesNextWindow(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.loaded(Options{})
	_, err := collect(t, p, []int{1, 2, 3, 4}, 1, nil)
	require.NoError(t, err)

	w.mu.Lock()
	calls := w.vals[1]
	w.mu.Unlock()
	require.Len(t, calls, 2)
	require.Equal(t, make([]float32, fakeCache*fakeHidden), calls[0]["in/k_cache"])
	// After the first window the newest cache rows hold its hidden states:
	// token in column 0, position in column 1.
	require.Equal(t, []float32{0, 0, 0, 0, 1, 0, 2, 1}, calls[1]["in/k_cache"])
	mask := calls[1]["in/causal_mask"][:fakeCache+fakeWindow]
	require.Equal(t, []float32{-1e4, -1e4, 0, 0, 0, -1e4}, mask)
}

func TestStageErrorEndsSequence(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	boom := errors.New("boom")
	p := w.loaded(Options{})
	w.stageErr[1] = boom

	preds, err := collect(t, p, []int{1, 2, 3}, 2, nil)
	require.Empty(t, preds)
	require.ErrorIs(t, err, boom)
	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 1, se.Index)
}

func TestCacheErrorSurfacesAtNextWait(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	boom := errors.New("cache exploded")
	w.cacheErr = boom
	p := w.loaded(Options{})

	preds, err := collect(t, p, []int{1, 2, 3, 4}, 2, nil)
	require.ErrorIs(t, err, boom)
	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 1, se.Index)
	// The first window's update fails; it is observed before stage 1 runs on
	// the replayed window, after both replay elements were emitted.
	require.Len(t, preds, 2)
	require.True(t, preds[1].Replay)
}

func TestPredictObservesCancellation(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.loaded(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	seq, err := p.Predict(ctx, []int{1, 2}, 10, nil)
	require.NoError(t, err)

	var got []Prediction
	var last error
	for pred, err := range seq {
		if err != nil {
			last = err
			break
		}
		got = append(got, pred)
		cancel()
	}
	require.Len(t, got, 1)
	require.ErrorIs(t, last, context.Canceled)
}

func TestAbandonedSequenceDoesNotBlockNextOne(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	p := w.loaded(Options{})
	seq, err := p.Predict(context.Background(), []int{1, 2, 3, 4, 5}, 3, nil)
	require.NoError(t, err)
	for range seq {
		break
	}
	preds, err := collect(t, p, []int{1, 2}, 2, nil)
	require.NoError(t, err)
	require.Len(t, preds, 2)
}

func TestTelemetryIntervals(t *testing.T) {
	t.Parallel()

	w := newWorld(t, 2)
	var rec signpost.Recorder
	p := w.loaded(Options{Sink: &rec})
	_, err := collect(t, p, []int{1, 2, 3}, 2, nil)
	require.NoError(t, err)

	require.Equal(t, 2, rec.Count(signpost.LoadWarm))
	require.Equal(t, 2, rec.Count(signpost.LoadFull))
	require.Equal(t, 3, rec.Count(signpost.Step))
	require.Equal(t, 6, rec.Count(signpost.StagePredict))
	require.Equal(t, 6, rec.Count(signpost.CacheWait))
	require.Equal(t, 2, rec.Count(signpost.LogitsArgmax))
}

func TestReferenceBackendEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := cpu.DefaultPackConfig()
	cfg.Window = 4
	cfg.Cache = 8
	cfg.Hidden = 8
	cfg.Vocab = 32
	cfg.Stages = 4
	_, err := cpu.Pack(dir, cfg)
	require.NoError(t, err)

	p, err := New(dir, Options{Backend: "cpu"})
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background()))
	t.Cleanup(func() { _ = p.Close() })

	conf, _ := p.Config()
	require.Equal(t, 4, conf.InputLength)
	require.Equal(t, 8, conf.CacheLength)
	require.Equal(t, 32, conf.VocabSize)

	prompt := []int{1, 5, 9, 13, 17, 21}
	first, err := collect(t, p, prompt, 12, nil)
	require.NoError(t, err)
	second, err := collect(t, p, prompt, 12, nil)
	require.NoError(t, err)
	require.Len(t, first, 2+12)

	tokens := func(preds []Prediction) []int { return preds[len(preds)-1].Tokens }
	require.Equal(t, tokens(first), tokens(second))
	for _, tok := range tokens(first) {
		require.GreaterOrEqual(t, tok, 0)
		require.Less(t, tok, 32)
	}
}
