// Package main implements the lake-core ingestion pipeline CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nucleus/lake-core/internal/config"
	"github.com/nucleus/lake-core/internal/logging"
	"github.com/nucleus/lake-core/internal/pipeline"
	"github.com/nucleus/lake-core/internal/state"
)

func main() {
	var (
		configPath string
		jsonLogs   bool
	)

	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Incrementally ingest configured sources into the lake and build the silver layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Initialize(jsonLogs); err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer logging.Sync()

			path, err := config.Resolve(configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logging.L().Infow("loaded configuration", "path", path)

			store, err := state.Open(cfg.StateDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			orch, err := pipeline.New(cfg, store)
			if err != nil {
				return err
			}
			_, err = orch.Run(context.Background())
			return err
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the pipeline config file")
	root.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON structured logs")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
