package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/pipeline"
	"github.com/samcharles93/chunkllm/internal/signpost"
)

// openPipeline discovers and loads the model selected by the shared model
// flags. Load progress is drawn on stderr when it is a terminal.
func openPipeline(ctx context.Context, sink signpost.Sink) (*pipeline.Pipeline, error) {
	log := logger.FromContext(ctx)
	dir, err := resolveModelDir(modelDir)
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	opts := pipeline.Options{
		Prefix:         prefix,
		CacheProcessor: cacheProcessor,
		LogitProcessor: logitProcessor,
		Backend:        backendName,
		Logger:         log,
		Sink:           signpost.Multi(signpost.Log(log), signpost.OrNop(sink)),
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		opts.OnProgress = func(p pipeline.LoadProgress) {
			if bar == nil || p.Done == 1 {
				bar = progressbar.NewOptions(p.Total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription(fmt.Sprintf("loading (%s)", p.Pass)),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(p.Done)
		}
	}

	p, err := pipeline.New(dir, opts)
	if err != nil {
		return nil, err
	}
	if err := p.Load(ctx); err != nil {
		return nil, err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return p, nil
}
