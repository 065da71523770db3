// Package main provides the entry point for the jobset evaluator.
// Usage: evaluate <project> <jobset>
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/narvanalabs/buildfarm/internal/declarative"
	"github.com/narvanalabs/buildfarm/internal/eval"
	"github.com/narvanalabs/buildfarm/internal/inputs"
	"github.com/narvanalabs/buildfarm/internal/nixstore"
	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	log := logger.FromEnv()

	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <project> <jobset>\n", os.Args[0])
		os.Exit(1)
	}
	project, jobset := os.Args[1], os.Args[2]

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	storeCfg := postgres.DefaultConfig(cfg.DatabaseDSN)
	db, err := postgres.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	nix := nixstore.NewClient(&nixstore.Config{
		Substituter:  cfg.Substituter,
		FetchTimeout: cfg.FetchTimeout,
	}, log.Logger)

	resolver := inputs.NewResolver(db, nix, log.Logger)
	runner := eval.NewExecRunner(cfg.Evaluator, cfg.EvalTimeout, cfg.Trace, log.Logger)
	bootstrap := declarative.NewBootstrapper(db, resolver, log.Logger)

	evaluator := eval.New(db, resolver, runner, eval.Config{
		DryRun:     cfg.DryRun,
		MaxRuntime: cfg.MaxRuntime,
	}, log.Logger)

	if cfg.DryRun {
		log.Info("dry run enabled, no state will be written")
	}

	if err := evaluator.Run(context.Background(), project, jobset, bootstrap); err != nil {
		log.Error("evaluation run failed",
			"project", project,
			"jobset", jobset,
			"error", err,
		)
		os.Exit(1)
	}
}
