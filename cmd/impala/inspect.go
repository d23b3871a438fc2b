package main

import (
	"context"
	"fmt"
	"os"

	"github.com/samuelfneumann/goimpala/experiment/checkpointer"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func inspectCmd() *cli.Command {
	var (
		root  string
		index int64
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the manifest of a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "checkpoint root directory",
				Value:       "output",
				Destination: &root,
			},
			&cli.IntFlag{
				Name:        "index",
				Aliases:     []string{"i"},
				Usage:       "checkpoint index",
				Required:    true,
				Destination: &index,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			manifest, err := checkpointer.NewStore(root).ReadManifest(int(index))
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(manifest)
		},
	}
}
