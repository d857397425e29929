package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/indexer"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/spf13/cobra"
)

// newServeCmd runs the engine as a long-lived process: an initial
// incremental scan of every enabled repository, followed by starting the
// RepositoryWatcher on every repository with auto_reindex set, blocking
// until SIGINT/SIGTERM.
func newServeCmd(app func() *App) *cobra.Command {
	var skipInitialScan bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: initial scan, then watch repositories for changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !skipInitialScan {
				job := a.jobForRepositories(a.Registry.List())
				if len(job.Repositories) > 0 {
					a.Logger.Info("starting initial scan", "repositories", len(job.Repositories))
					if err := a.Orch.Start(ctx, job); err != nil {
						return fmt.Errorf("start initial scan: %w", err)
					}
				}
			}

			started := 0
			for _, repo := range a.Registry.List() {
				if !repo.Enabled || !repo.AutoReindex {
					continue
				}
				if err := a.Watch.Start(ctx, repo.Name); err != nil {
					a.Logger.Error("start watcher", "repository", repo.Name, "error", err)
					continue
				}
				started++
			}
			a.Logger.Info("watching repositories", "count", started)

			<-ctx.Done()
			a.Logger.Info("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
			defer cancel()
			if err := a.Orch.Stop(stopCtx); err != nil {
				a.Logger.Error("stop orchestrator", "error", err)
			}
			a.Watch.StopAll()
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipInitialScan, "skip-initial-scan", false, "start the watcher without an initial incremental scan")
	return cmd
}

// jobForRepositories builds an IndexJob covering every enabled, non-excluded
// repository in repos, incremental mode, both kinds.
func (a *App) jobForRepositories(repos []config.Repository) indexer.IndexJob {
	var targets []indexer.RepositoryTarget
	for _, r := range repos {
		if !r.Enabled || r.Excluded {
			continue
		}
		targets = append(targets, indexer.RepositoryTarget{
			Name:            r.Name,
			RootPath:        r.Path,
			Priority:        priorityFor(r.Priority),
			IncludePatterns: r.IncludePatterns,
			ExcludePatterns: r.ExcludePatterns,
		})
	}
	return indexer.IndexJob{
		Repositories: targets,
		Kinds:        []metadata.IndexKind{metadata.KindLexical, metadata.KindVector},
		Mode:         indexer.ModeIncremental,
		MaxFileSize:  a.Cfg.Indexer.MaxFileSize,
		ChunkSize:    a.Cfg.Indexer.ChunkSize,
		ChunkOverlap: a.Cfg.Indexer.ChunkOverlap,
		Embedder:     a.Embedder,
		VectorStore:  a.Store,
	}
}
