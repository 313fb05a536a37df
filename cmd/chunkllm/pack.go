package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/chunkllm/internal/artifact"
	"github.com/samcharles93/chunkllm/internal/backend/cpu"
	"github.com/samcharles93/chunkllm/internal/logger"
)

func packCmd() *cli.Command {
	def := cpu.DefaultPackConfig()
	var (
		out    string
		cfg    = def
		stages int64
		window int64
		cache  int64
		hidden int64
		vocab  int64
		shards int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Write a randomly initialised demo model for the cpu backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Required: true, Destination: &out},
			&cli.StringFlag{Name: "prefix", Usage: "chunk name prefix", Value: def.Prefix, Destination: &cfg.Prefix},
			&cli.Int64Flag{Name: "stages", Usage: "number of chunks", Value: int64(def.Stages), Destination: &stages},
			&cli.Int64Flag{Name: "window", Usage: "tokens per window", Value: int64(def.Window), Destination: &window},
			&cli.Int64Flag{Name: "cache", Usage: "cache positions per stage", Value: int64(def.Cache), Destination: &cache},
			&cli.Int64Flag{Name: "hidden", Usage: "hidden size", Value: int64(def.Hidden), Destination: &hidden},
			&cli.Int64Flag{Name: "vocab", Usage: "vocabulary size", Value: int64(def.Vocab), Destination: &vocab},
			&cli.Int64Flag{Name: "shards", Usage: "logits shards", Value: int64(def.Shards), Destination: &shards},
			&cli.Int64Flag{Name: "seed", Usage: "weight seed", Value: def.Seed, Destination: &cfg.Seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg.Stages, cfg.Window, cfg.Cache = int(stages), int(window), int(cache)
			cfg.Hidden, cfg.Vocab, cfg.Shards = int(hidden), int(vocab), int(shards)

			paths, err := cpu.Pack(out, cfg)
			if err != nil {
				return err
			}
			var total int64
			for _, p := range paths {
				n, err := artifact.Size(p)
				if err != nil {
					return err
				}
				total += n
				log.Debug("wrote artifact", "path", p, "size", humanize.IBytes(uint64(n)))
			}
			log.Info("packed demo model",
				"dir", filepath.Clean(out),
				"artifacts", len(paths),
				"size", humanize.IBytes(uint64(total)),
			)
			fmt.Println(filepath.Clean(out))
			return nil
		},
	}
}
