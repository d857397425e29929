package main

import (
	"fmt"
	"strings"

	"github.com/ferg-cod3s/conexus-engine/internal/search"
	"github.com/spf13/cobra"
)

// newSearchCmd implements the search surface's three operations (§6):
// search_lexical, search_semantic, and search_hybrid, selected by --mode.
func newSearchCmd(app func() *App) *cobra.Command {
	var (
		mode         string
		limit        int
		repos        []string
		fileTypes    []string
		folderFilter string
		minScore     float32
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a lexical, semantic, or hybrid search over indexed repositories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()

			req := search.SearchRequest{
				Query:        args[0],
				Mode:         search.Mode(mode),
				Limit:        limit,
				Repositories: repos,
				FileTypes:    fileTypes,
				FolderFilter: folderFilter,
				MinScore:     minScore,
			}

			resp, err := a.Search.Search(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			out := cmd.OutOrStdout()
			if resp.Degraded != nil {
				fmt.Fprintf(out, "degraded: %s backend unavailable (%s)\n", resp.Degraded.Backend, resp.Degraded.Reason)
			}
			fmt.Fprintf(out, "%d result(s) for %q (%s)\n", resp.TotalResults, resp.Query, resp.SearchType)
			for i, r := range resp.Results {
				fmt.Fprintf(out, "%2d. %s  [score=%.4f lexical=%.4f vector=%.4f]\n", i+1, r.RelativePath, r.Score, r.LexicalScore, r.VectorScore)
				if snippet := strings.TrimSpace(r.Snippet); snippet != "" {
					fmt.Fprintf(out, "    %s\n", strings.ReplaceAll(snippet, "\n", "\n    "))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "hybrid", "search mode: lexical, semantic, or hybrid")
	cmd.Flags().IntVar(&limit, "limit", search.DefaultLimit, "maximum number of results")
	cmd.Flags().StringSliceVar(&repos, "repo", nil, "restrict results to these repositories")
	cmd.Flags().StringSliceVar(&fileTypes, "file-type", nil, "restrict results to these file extensions")
	cmd.Flags().StringVar(&folderFilter, "folder", "", "restrict results to a repository-relative path prefix")
	cmd.Flags().Float32Var(&minScore, "min-score", 0, "drop results scoring below this threshold")

	return cmd
}
