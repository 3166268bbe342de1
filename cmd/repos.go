package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesm/action-status/config"
	"github.com/wesm/action-status/internal/api"
	"github.com/wesm/action-status/internal/collection"
	"github.com/wesm/action-status/internal/credentials"
	"github.com/wesm/action-status/internal/models"
)

type repositoryStore interface {
	GetRepositoryByFullName(ctx context.Context, fullName string) (*models.Repository, error)
	SaveRepository(ctx context.Context, repo models.Repository) error
}

type repositoryLookup interface {
	GetRepository(ctx context.Context, owner, name string) (*api.RepositoryInfo, error)
}

// trackRepository stores owner/name unless it is already tracked. When lookup is
// non-nil the repository must exist and its canonical owner and name are used.
func trackRepository(ctx context.Context, store repositoryStore, lookup repositoryLookup, fullName, workflow string, branches []string) (models.Repository, bool, error) {
	owner, name, err := models.ParseRepositoryString(fullName)
	if err != nil {
		return models.Repository{}, false, err
	}

	if lookup != nil {
		info, err := lookup.GetRepository(ctx, owner, name)
		if err != nil {
			return models.Repository{}, false, fmt.Errorf("failed to look up %s: %w", fullName, err)
		}
		owner, name = info.Owner, info.Name
	}

	existing, err := store.GetRepositoryByFullName(ctx, owner+"/"+name)
	if err != nil {
		return models.Repository{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	repo := models.NewRepository(owner, name, workflow, branches...)
	if err := store.SaveRepository(ctx, repo); err != nil {
		return models.Repository{}, false, fmt.Errorf("failed to save %s: %w", fullName, err)
	}
	return repo, true, nil
}

// newLookup returns an API client when a token is available and nil otherwise
func newLookup(cfg *config.Config) (repositoryLookup, error) {
	token, err := tokenProvider(cfg).GetToken(cfg.GitHubUser, cfg.KeyringServer)
	if errors.Is(err, credentials.ErrAuthUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	client, err := api.NewGitHubClient(token, api.WithBaseURL(cfg.APIURL))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newAddRepoCmd(v *viper.Viper) *cobra.Command {
	var (
		workflow string
		branches []string
	)
	cmd := &cobra.Command{
		Use:   "add-repo OWNER/NAME",
		Short: "Track a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			lookup, err := newLookup(cfg)
			if err != nil {
				return err
			}

			repo, added, err := trackRepository(commandContext(cmd), database, lookup, args[0], workflow, branches)
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintf(cmd.OutOrStdout(), "Repository %s is already tracked\n", repo.FullName())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tracking %s (workflow %s)\n", repo.FullName(), repo.Workflow)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", models.DefaultWorkflow, "Workflow name or file to follow")
	cmd.Flags().StringSliceVar(&branches, "branch", nil, "Branch to check when polling badges (repeatable)")
	return cmd
}

func newRemoveRepoCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-repo OWNER/NAME",
		Short: "Stop tracking a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := models.ParseRepositoryString(args[0]); err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx := commandContext(cmd)
			repo, err := database.GetRepositoryByFullName(ctx, args[0])
			if err != nil {
				return err
			}
			if repo == nil {
				return fmt.Errorf("repository %s is not tracked", args[0])
			}
			if err := database.DeleteRepository(ctx, repo.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", repo.FullName())
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last known status of every tracked repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			repos, err := database.Load(commandContext(cmd))
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), repos)
			return nil
		},
	}
}

func printStatus(w io.Writer, repos []models.Repository) {
	if len(repos) == 0 {
		fmt.Fprintln(w, emptyStyle.Render("No repositories tracked. Use add-repo OWNER/NAME."))
		return
	}

	collection.Sort(repos)
	width := 0
	for _, r := range repos {
		width = max(width, len(r.FullName()))
	}

	for _, r := range repos {
		line := fmt.Sprintf("%s  %-*s  %s", stateLabel(r.State), width, r.FullName(), r.Workflow)
		if len(r.Branches) > 0 {
			line += " [" + strings.Join(r.Branches, ", ") + "]"
		}
		fmt.Fprintln(w, line)
	}

	counts := models.CountStates(repos)
	fmt.Fprintln(w, footerStyle.Render(fmt.Sprintf("%d passing, %d failing, %d unreachable",
		counts.Passing(), counts.Failing(), counts.Unreachable())))
}
