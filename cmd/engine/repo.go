package main

import (
	"fmt"

	"github.com/ferg-cod3s/conexus-engine/internal/config"
	"github.com/ferg-cod3s/conexus-engine/internal/indexer"
	"github.com/ferg-cod3s/conexus-engine/internal/metadata"
	"github.com/ferg-cod3s/conexus-engine/internal/validation"
	"github.com/spf13/cobra"
)

// newRepoCmd groups the registry surface's operations (§6): add_repository,
// remove_repository, update_repository, bulk_update, and a `list` helper
// over RepoRegistry.List.
func newRepoCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage the repository registry",
	}
	cmd.AddCommand(
		newRepoListCmd(app),
		newRepoAddCmd(app),
		newRepoRemoveCmd(app),
		newRepoUpdateCmd(app),
		newRepoBulkUpdateCmd(app),
	)
	return cmd
}

func newRepoListCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			out := cmd.OutOrStdout()
			for _, repo := range a.Registry.List() {
				fmt.Fprintf(out, "%-20s path=%-40s enabled=%-5t auto_reindex=%-5t priority=%s\n",
					repo.Name, repo.Path, repo.Enabled, repo.AutoReindex, repo.Priority)
			}
			return nil
		},
	}
}

func newRepoAddCmd(app func() *App) *cobra.Command {
	var (
		path        string
		priority    string
		enabled     bool
		autoReindex bool
		includes    []string
		excludes    []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validation.ValidateRepositoryName(name); err != nil {
				return err
			}
			cleanPath, err := validation.SanitizePath(path)
			if err != nil {
				return fmt.Errorf("repository path: %w", err)
			}

			a := app()
			repo := config.Repository{
				Name:            name,
				Path:            cleanPath,
				Enabled:         enabled,
				Priority:        config.Priority(priority),
				AutoReindex:     autoReindex,
				IncludePatterns: includes,
				ExcludePatterns: excludes,
			}
			if err := a.Registry.AddRepository(repo); err != nil {
				return fmt.Errorf("add repository: %w", err)
			}
			if err := a.persistRegistry(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %q at %s\n", name, cleanPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "absolute path to the repository root")
	cmd.Flags().StringVar(&priority, "priority", string(config.PriorityMedium), "indexing priority: high, medium, or low")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the repository participates in indexing")
	cmd.Flags().BoolVar(&autoReindex, "auto-reindex", false, "whether the watcher should track this repository")
	cmd.Flags().StringSliceVar(&includes, "include", nil, "include patterns (default: global patterns)")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "additional exclude patterns, appended to the global set")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func newRepoRemoveCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a repository and remove its documents from both backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a := app()

			if err := a.Orch.PurgeRepository(cmd.Context(), a.purgeJob(), name); err != nil {
				return fmt.Errorf("purge repository documents: %w", err)
			}
			if err := a.Registry.RemoveRepository(name); err != nil {
				return fmt.Errorf("remove repository: %w", err)
			}
			if err := a.persistRegistry(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %q (files on disk untouched)\n", name)
			return nil
		},
	}
}

func newRepoUpdateCmd(app func() *App) *cobra.Command {
	var (
		enabled     string
		excluded    string
		priority    string
		autoReindex string
		excludes    []string
	)

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a repository's registry settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a := app()

			repo, ok := a.Registry.Get(name)
			if !ok {
				return fmt.Errorf("repository %q not found", name)
			}

			if enabled != "" {
				repo.Enabled = enabled == "true"
			}
			if excluded != "" {
				repo.Excluded = excluded == "true"
			}
			if priority != "" {
				repo.Priority = config.Priority(priority)
			}
			if autoReindex != "" {
				repo.AutoReindex = autoReindex == "true"
			}
			if len(excludes) > 0 {
				repo.ExcludePatterns = excludes
			}

			if err := a.Registry.UpdateRepository(repo); err != nil {
				return fmt.Errorf("update repository: %w", err)
			}
			if err := a.persistRegistry(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %q\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&enabled, "enabled", "", "true or false")
	cmd.Flags().StringVar(&excluded, "excluded", "", "true or false")
	cmd.Flags().StringVar(&priority, "priority", "", "high, medium, or low")
	cmd.Flags().StringVar(&autoReindex, "auto-reindex", "", "true or false")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "replace the repository's exclude patterns")

	return cmd
}

func newRepoBulkUpdateCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:       "bulk-update <action>",
		Short:     "Apply a bulk action to every registered repository",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"enable_all", "disable_all", "lock_all", "unlock_all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()

			repos, err := applyBulkAction(a.Registry.List(), args[0])
			if err != nil {
				return err
			}
			if err := a.Registry.BulkUpdate(repos); err != nil {
				return fmt.Errorf("bulk update: %w", err)
			}
			if err := a.persistRegistry(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s to %d repositor(ies)\n", args[0], len(repos))
			return nil
		},
	}
}

// applyBulkAction maps a bulk_update action onto a copy of repos: enable_all
// and disable_all toggle Enabled, lock_all and unlock_all toggle Excluded
// (the field that already gates writes without affecting search visibility).
func applyBulkAction(repos []config.Repository, action string) ([]config.Repository, error) {
	out := make([]config.Repository, len(repos))
	copy(out, repos)

	switch action {
	case "enable_all":
		for i := range out {
			out[i].Enabled = true
		}
	case "disable_all":
		for i := range out {
			out[i].Enabled = false
		}
	case "lock_all":
		for i := range out {
			out[i].Excluded = true
		}
	case "unlock_all":
		for i := range out {
			out[i].Excluded = false
		}
	default:
		return nil, fmt.Errorf("unknown bulk action %q", action)
	}
	return out, nil
}

// persistRegistry writes the registry's current repository set back to the
// config file, so registry surface mutations survive a process restart.
func (a *App) persistRegistry() error {
	a.Cfg.Repositories = a.Registry.List()
	if err := config.Save(a.Cfg, a.ConfigPath); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

// purgeJob builds the minimal IndexJob PurgeRepository needs: both kinds,
// this App's vector store and embedder.
func (a *App) purgeJob() indexer.IndexJob {
	return indexer.IndexJob{
		Kinds:       []metadata.IndexKind{metadata.KindLexical, metadata.KindVector},
		Embedder:    a.Embedder,
		VectorStore: a.Store,
	}
}
