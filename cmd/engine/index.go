package main

import (
	"fmt"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/spf13/cobra"
)

// newIndexCmd implements the indexing surface's reindex operation (§6): it
// starts a run and returns once the orchestrator has accepted the job
// (RunHandle in §6 is the orchestrator's own Status(), polled by `status`).
func newIndexCmd(app func() *App) *cobra.Command {
	var (
		repoNames []string
		force     bool
		kindFlag  string
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Start an indexing run over one or more repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()

			repos := a.Registry.List()
			if len(repoNames) > 0 {
				repos = filterRepos(repos, repoNames)
				if len(repos) != len(repoNames) {
					return fmt.Errorf("one or more repositories not found: %v", repoNames)
				}
			}

			job := a.jobForRepositories(repos)
			if len(job.Repositories) == 0 {
				return fmt.Errorf("no enabled, non-excluded repositories to index")
			}

			kinds, err := parseKinds(kindFlag)
			if err != nil {
				return err
			}
			job.Kinds = kinds

			if force {
				if err := a.Orch.ForceReindex(cmd.Context(), job); err != nil {
					return fmt.Errorf("force reindex: %w", err)
				}
			} else {
				if err := a.Orch.Start(cmd.Context(), job); err != nil {
					return fmt.Errorf("start indexing: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "indexing started for %d repositor(ies); use `engine status` to follow progress\n", len(job.Repositories))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&repoNames, "repo", nil, "repository names to index (default: all enabled repositories)")
	cmd.Flags().BoolVar(&force, "force", false, "force a full rebuild instead of an incremental run")
	cmd.Flags().StringVar(&kindFlag, "kind", "both", "index kind: lexical, vector, or both")

	return cmd
}

func filterRepos(repos []config.Repository, names []string) []config.Repository {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []config.Repository
	for _, r := range repos {
		if wanted[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

func parseKinds(kind string) ([]metadata.IndexKind, error) {
	switch kind {
	case "lexical":
		return []metadata.IndexKind{metadata.KindLexical}, nil
	case "vector":
		return []metadata.IndexKind{metadata.KindVector}, nil
	case "both", "":
		return []metadata.IndexKind{metadata.KindLexical, metadata.KindVector}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q (want lexical, vector, or both)", kind)
	}
}

// newStopIndexCmd implements the indexing surface's stop_indexing operation.
func newStopIndexCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request cancellation of a running indexing run",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			if err := a.Orch.Stop(cmd.Context()); err != nil {
				return fmt.Errorf("stop indexing: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "indexing stopped")
			return nil
		},
	}
}
