package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/chunkllm/internal/logger"
)

func runCmd() *cli.Command {
	var (
		tokens     string
		maxNew     int64
		eos        []int64
		jsonOutput bool
		showReplay bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate tokens from a prompt of token ids",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "tokens",
				Aliases:     []string{"t"},
				Usage:       "prompt token ids, comma separated (reads stdin when empty)",
				Destination: &tokens,
			},
			&cli.Int64Flag{
				Name:        "max-new-tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       32,
				Destination: &maxNew,
			},
			&cli.Int64SliceFlag{
				Name:        "eos",
				Usage:       "token ids that end generation",
				Destination: &eos,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print one JSON object per prediction",
				Destination: &jsonOutput,
			},
			&cli.BoolFlag{
				Name:        "show-replay",
				Usage:       "also print replayed prompt tokens",
				Destination: &showReplay,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg)
			applyGenerationConfig(cmd, cfg, &maxNew, &eos)

			if strings.TrimSpace(tokens) == "" {
				b, err := readStdin()
				if err != nil {
					return err
				}
				tokens = b
			}
			prompt, err := parseTokens(tokens)
			if err != nil {
				return err
			}
			if len(prompt) == 0 {
				return errors.New("run: no prompt tokens given (use --tokens or stdin)")
			}

			p, err := openPipeline(ctx, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := p.Close(); err != nil {
					log.Warn("close pipeline", "error", err)
				}
			}()

			seq, err := p.Predict(ctx, prompt, int(maxNew), toInts(eos))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			start := time.Now()
			var generated int
			var stepTotal time.Duration
			for pred, err := range seq {
				if err != nil {
					return err
				}
				if !pred.Replay {
					generated++
					stepTotal += pred.Latency.Step
				}
				switch {
				case jsonOutput:
					if err := enc.Encode(pred); err != nil {
						return err
					}
				case pred.Replay && !showReplay:
				default:
					fmt.Printf("%d ", pred.Token)
				}
			}
			if !jsonOutput {
				fmt.Println()
			}

			elapsed := time.Since(start)
			args := []any{
				"prompt_tokens", len(prompt),
				"generated", generated,
				"elapsed", elapsed,
			}
			if generated > 0 {
				args = append(args,
					"mean_step", stepTotal/time.Duration(generated),
					"tokens_per_second", humanize.FtoaWithDigits(float64(generated)/elapsed.Seconds(), 2),
				)
			}
			buffers := p.Stats()
			args = append(args, "buffer_bytes", humanize.IBytes(uint64(buffers.BufferBytes)))
			log.Info("generation finished", args...)
			return nil
		},
	}
}

func readStdin() (string, error) {
	st, err := os.Stdin.Stat()
	if err != nil || st.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return string(b), nil
}
