package main

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/ferg-cod3s/conexus-engine/internal/indexer"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/spf13/cobra"
)

// newStatusCmd implements indexing_status() and repositories() (§6).
func newStatusCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show indexing progress and registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			out := cmd.OutOrStdout()

			state, progress := a.Orch.Status()
			lastIndexTime, _, err := a.Meta.GetState(cmd.Context(), metadata.StateLastIndexTime)
			if err != nil {
				return fmt.Errorf("read last index time: %w", err)
			}

			fmt.Fprintf(out, "state: %s  last_index_time: %s\n", state, orDash(lastIndexTime))
			for kind, p := range progress {
				fmt.Fprintf(out, "  %-8s running=%-5t repos=%d/%d files=%d/%d mode=%s current=%s\n",
					kind, p.IsRunning, p.RepositoriesCompleted, p.RepositoriesTotal,
					p.FilesProcessed, p.FilesTotal, p.Mode, orDash(p.CurrentRepository))
			}

			watchStatus := a.Watch.Status()

			fmt.Fprintln(out, "\nrepositories:")
			for _, repo := range a.Registry.List() {
				fileCount := countFiles(cmd.Context(), a.walker(), repo.Path, repo.IncludePatterns, repo.ExcludePatterns)

				lexStat, _, _ := a.Meta.GetStat(cmd.Context(), repo.Name, metadata.KindLexical)
				vecStat, _, _ := a.Meta.GetStat(cmd.Context(), repo.Name, metadata.KindVector)

				fmt.Fprintf(out, "  %-20s enabled=%-5t auto_reindex=%-5t priority=%-6s files_on_disk=%d\n",
					repo.Name, repo.Enabled, repo.AutoReindex, repo.Priority, fileCount)
				if lexStat != nil {
					fmt.Fprintf(out, "    lexical: %d files indexed, last run %.2fs\n", lexStat.TotalFilesIndexed, lexStat.LastRunSeconds)
				}
				if vecStat != nil {
					fmt.Fprintf(out, "    vector:  %d files indexed, last run %.2fs\n", vecStat.TotalFilesIndexed, vecStat.LastRunSeconds)
				}
				if ws, ok := watchStatus.Repositories[repo.Name]; ok {
					fmt.Fprintf(out, "    watcher: state=%s pending=%d debounce=%ds\n", ws.State, ws.PendingCount, ws.DebounceSeconds)
				}
			}

			return nil
		},
	}
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// walker builds a throwaway FileWalker for ad hoc file counts; status is a
// low-frequency CLI invocation, not a hot path, so a fresh walker per call
// is simpler than threading the orchestrator's through App.
func (a *App) walker() *indexer.FileWalker {
	return indexer.NewFileWalker()
}

func countFiles(ctx context.Context, w *indexer.FileWalker, root string, includePatterns, excludePatterns []string) int {
	count := 0
	_ = w.Walk(ctx, root, includePatterns, excludePatterns, func(path string, info fs.FileInfo) error {
		count++
		return nil
	})
	return count
}
