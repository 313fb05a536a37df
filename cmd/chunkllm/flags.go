package main

import "github.com/urfave/cli/v3"

var (
	modelDir       string
	prefix         string
	backendName    string
	cacheProcessor string
	logitProcessor string
	logLevel       string
	logFormat      string
	debug          bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-dir",
			Aliases:     []string{"m"},
			Usage:       "directory holding <prefix>chunk<N>.mlmodelc artifacts",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "prefix",
			Usage:       "chunk name prefix when the directory holds several models",
			Destination: &prefix,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, ane)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "cache-processor",
			Usage:       "cache processor artifact name",
			Destination: &cacheProcessor,
		},
		&cli.StringFlag{
			Name:        "logit-processor",
			Usage:       "logit processor artifact name",
			Destination: &logitProcessor,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
