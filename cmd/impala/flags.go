package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/samuelfneumann/goimpala/logger"
	"github.com/urfave/cli/v3"
)

var (
	configPath string
	outputDir  string
	logLevel   string
	logFormat  string
)

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to a YAML learner configuration",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "checkpoint root directory, overrides the configuration",
			Destination: &outputDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error), overrides the configuration",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (text, json)",
			Value:       "text",
			Destination: &logFormat,
		},
	}
}

// newLogger returns the logger selected by the logging flags, falling
// back to level when no level flag is given
func newLogger(w io.Writer, level string) (logger.Logger, error) {
	if logLevel != "" {
		level = logLevel
	}
	l, err := logger.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(logFormat) {
	case "", "text":
		return logger.Text(w, l), nil
	case "json":
		return logger.JSON(w, l), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}
}
