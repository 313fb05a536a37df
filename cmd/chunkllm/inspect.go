package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/chunkllm/internal/artifact"
	"github.com/samcharles93/chunkllm/internal/logger"
	"github.com/samcharles93/chunkllm/internal/mlmodel"
	"github.com/samcharles93/chunkllm/internal/pipeline"
)

var (
	cellStyle        = lipgloss.NewStyle().Padding(0, 1)
	headerStyle      = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	rightStyle       = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor = "#705090"
)

func inspectCmd() *cli.Command {
	var jsonOutput bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Load a model and print its stages and derived configuration",
		Flags: append(modelFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &jsonOutput,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, LoadConfig())

			p, err := openPipeline(ctx, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := p.Close(); err != nil {
					log.Warn("close pipeline", "error", err)
				}
			}()

			cfg, _ := p.Config()
			stages := p.Stages()
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"dir":    p.Dir(),
					"prefix": p.Prefix(),
					"config": cfg,
					"stages": stages,
				})
			}

			fmt.Printf("model:  %s (prefix %q)\n", p.Dir(), p.Prefix())
			fmt.Printf("window: %d  cache: %d  vocab: %d in %d shards\n\n",
				cfg.InputLength, cfg.CacheLength, cfg.VocabSize, len(cfg.LogitShards))
			fmt.Println(stageTable(stages))
			return nil
		},
	}
}

func stageTable(stages []pipeline.StageInfo) string {
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("#", "artifact", "units", "cache", "size", "inputs", "outputs").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0 || col == 4:
				return rightStyle
			default:
				return cellStyle
			}
		})
	for _, st := range stages {
		size := "?"
		if n, err := artifact.Size(st.Path); err == nil {
			size = humanize.IBytes(uint64(n))
		}
		cache := ""
		if st.Cache {
			cache = "yes"
		}
		t.Row(strconv.Itoa(st.Index), st.Name, st.Units, cache, size,
			features(st.Inputs), features(st.Outputs))
	}
	return t.String()
}

func features(descs []mlmodel.FeatureDesc) string {
	lines := make([]string, len(descs))
	for i, d := range descs {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
