// Package pipeline runs a model split into sequentially executed stages. It
// loads the stages, derives the window and cache geometry from their
// declared features, and drives the decode loop that feeds the tensor store,
// the asynchronous cache processor and the logit reducer.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/chunkllm/internal/artifact"
	"github.com/samcharles93/chunkllm/internal/backend"
	"github.com/samcharles93/chunkllm/internal/kvcache"
	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/logits"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/signpost"
	"github.com/samcharles93/chunkllm/internal/tensorstore"
)

const (
	DefaultCacheProcessor = "cache-processor" + artifact.Ext
	DefaultLogitProcessor = "logit-processor" + artifact.Ext
)

// Load passes reported through Options.OnProgress.
const (
	PassWarm = "warm"
	PassFull = "full"
	PassAux  = "aux"
)

// LoadProgress is reported once per artifact per pass.
type LoadProgress struct {
	Pass  string
	Path  string
	Done  int
	Total int
}

type Options struct {
	// Prefix selects the model when a directory holds several.
	Prefix         string
	CacheProcessor string
	LogitProcessor string

	// Loader opens artifacts. When nil the backend named by Backend is used.
	Loader  mlmodel.Loader
	Backend string

	Logger     logger.Logger
	Sink       signpost.Sink
	OnProgress func(LoadProgress)
}

// Stats is a point in time view of pipeline resources.
type Stats struct {
	Buffers           int   `json:"buffers"`
	BufferBytes       int64 `json:"buffer_bytes"`
	PendingCacheTasks int   `json:"pending_cache_tasks"`
}

type Pipeline struct {
	dir    string
	prefix string
	log    logger.Logger
	sink   signpost.Sink
	loader mlmodel.Loader
	onLoad func(LoadProgress)

	stages     []*Stage
	cacheModel *mlmodel.Deferred
	logitModel *mlmodel.Deferred
	store      *tensorstore.Store
	cache      *kvcache.Processor
	reducer    *logits.Reducer

	// run serialises Load, Close and sequence iteration.
	run sync.Mutex

	mu     sync.Mutex
	loaded bool
	cfg    InferenceConfig
	infos  []StageInfo
}

// New discovers the stages in dir and wires the pipeline. Nothing is loaded
// until Load.
func New(dir string, opts Options) (*Pipeline, error) {
	paths, prefix, err := Discover(dir, opts.Prefix)
	if err != nil {
		return nil, err
	}

	cacheName := opts.CacheProcessor
	if cacheName == "" {
		cacheName = DefaultCacheProcessor
	}
	logitName := opts.LogitProcessor
	if logitName == "" {
		logitName = DefaultLogitProcessor
	}
	cachePath := filepath.Join(dir, cacheName)
	logitPath := filepath.Join(dir, logitName)
	for _, p := range []string{cachePath, logitPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrAuxiliaryModelNotFound, p)
		}
	}

	loader := opts.Loader
	if loader == nil {
		b, err := backend.New(opts.Backend)
		if err != nil {
			return nil, err
		}
		loader = b
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	sink := signpost.OrNop(opts.Sink)

	p := &Pipeline{
		dir:        dir,
		prefix:     prefix,
		log:        log.With("component", "pipeline"),
		sink:       sink,
		loader:     loader,
		onLoad:     opts.OnProgress,
		cacheModel: mlmodel.NewDeferred(loader, cachePath, mlmodel.CPUAndNeuralEngine),
		logitModel: mlmodel.NewDeferred(loader, logitPath, mlmodel.CPUAndNeuralEngine),
		store:      tensorstore.New(log),
	}
	for i, path := range paths {
		p.stages = append(p.stages, newStage(i, path, placement(i)))
	}
	p.cache = kvcache.New(p.cacheModel, p.store, log, sink)
	p.reducer = logits.New(p.logitModel, sink)
	p.snapshot()
	return p, nil
}

func (p *Pipeline) Dir() string    { return p.dir }
func (p *Pipeline) Prefix() string { return p.prefix }

func (p *Pipeline) progress(pass, path string, done, total int) {
	if p.onLoad != nil {
		p.onLoad(LoadProgress{Pass: pass, Path: path, Done: done, Total: total})
	}
}

// Load warms every stage (load then unload), loads every stage for good,
// loads both auxiliary models and derives the inference configuration. A
// second call is a no-op. On failure nothing is left loaded.
func (p *Pipeline) Load(ctx context.Context) (err error) {
	p.run.Lock()
	defer p.run.Unlock()

	if p.isLoaded() {
		return nil
	}
	start := time.Now()
	defer func() {
		if err != nil {
			if uerr := p.unloadAll(); uerr != nil {
				p.log.Warn("unload after failed load", "error", uerr)
			}
		}
		p.snapshot()
	}()

	n := len(p.stages)
	for i, st := range p.stages {
		span := p.sink.Begin(signpost.LoadWarm, "stage", i)
		err := st.Load(ctx, p.loader)
		if err == nil {
			err = st.Unload()
		}
		span.End()
		if err != nil {
			return err
		}
		p.progress(PassWarm, st.path, i+1, n)
	}

	for i, st := range p.stages {
		span := p.sink.Begin(signpost.LoadFull, "stage", i)
		err := st.Load(ctx, p.loader)
		span.End()
		if err != nil {
			return err
		}
		p.log.Debug("stage loaded", "stage", i, "path", st.path, "units", st.units.String(), "kind", st.desc.Kind)
		p.progress(PassFull, st.path, i+1, n)
	}

	for i, d := range []*mlmodel.Deferred{p.cacheModel, p.logitModel} {
		if _, err := d.Get(ctx); err != nil {
			return &ArtifactError{Path: d.Path(), Err: err}
		}
		p.progress(PassAux, d.Path(), i+1, 2)
	}

	cfg, err := deriveConfig(p.stages)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.loaded = true
	p.mu.Unlock()

	p.log.Info("pipeline loaded",
		"stages", n,
		"input_length", cfg.InputLength,
		"cache_length", cfg.CacheLength,
		"vocab", cfg.VocabSize,
		"shards", len(cfg.LogitShards),
		"elapsed", time.Since(start),
	)
	return nil
}

func (p *Pipeline) isLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// unloadAll closes every stage and auxiliary model concurrently.
func (p *Pipeline) unloadAll() error {
	var g errgroup.Group
	for _, st := range p.stages {
		g.Go(st.Unload)
	}
	g.Go(p.cacheModel.Unload)
	g.Go(p.logitModel.Unload)
	return g.Wait()
}

// Config returns the derived configuration once Load has succeeded.
func (p *Pipeline) Config() (InferenceConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.loaded
}

// Stages returns a snapshot of every stage in order, taken after the last
// Load or Close.
func (p *Pipeline) Stages() []StageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StageInfo(nil), p.infos...)
}

// snapshot must be called with p.run held.
func (p *Pipeline) snapshot() {
	infos := make([]StageInfo, len(p.stages))
	for i, st := range p.stages {
		infos[i] = st.info()
	}
	p.mu.Lock()
	p.infos = infos
	p.mu.Unlock()
}

func (p *Pipeline) Stats() Stats {
	buffers, bytes := p.store.Stats()
	return Stats{Buffers: buffers, BufferBytes: bytes, PendingCacheTasks: p.cache.Pending()}
}

// Close waits for outstanding cache updates, unloads everything and frees
// all buffers. The pipeline can be loaded again afterwards.
func (p *Pipeline) Close() error {
	p.run.Lock()
	defer p.run.Unlock()

	if err := p.cache.WaitAll(context.Background()); err != nil {
		p.log.Warn("cache updates failed during close", "error", err)
	}
	err := p.unloadAll()
	p.store.Release()
	p.snapshot()

	p.mu.Lock()
	p.loaded = false
	p.cfg = InferenceConfig{}
	p.mu.Unlock()
	return err
}
