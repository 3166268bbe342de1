package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wesm/action-status/config"
	"github.com/wesm/action-status/internal/credentials"
	"github.com/wesm/action-status/internal/db"
	"github.com/wesm/action-status/internal/logging"
)

// newRootCmd builds the command tree. Flags live on a fresh viper instance so
// tests can build independent trees.
func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "action-status",
		Short:         "Track GitHub Actions workflow status across repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "config.json", "Path to configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		slog.Error("Error binding config flag", "error", err)
	}
	if err := v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		slog.Error("Error binding debug flag", "error", err)
	}

	rootCmd.AddCommand(
		newInitCmd(v),
		newLoginCmd(v),
		newAddRepoCmd(v),
		newRemoveRepoCmd(v),
		newStatusCmd(v),
		newRunCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

func newInitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file if it doesn't exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := v.GetString("config")
			if err := config.CreateDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to create default configuration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration at %s\n", path)
			return nil
		},
	}
}

func newLoginCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store a GitHub API token read from stdin in the system keyring",
		Long: `Login reads a GitHub API token from the first line of stdin and stores it in
the system keyring, e.g.

  gh auth token | action-status login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			token, err := readToken(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := credentials.Store(cfg.GitHubUser, cfg.KeyringServer, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token stored for %s on %s\n", cfg.GitHubUser, cfg.KeyringServer)
			return nil
		},
	}
}

// readToken returns the first non-empty line of r
func readToken(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if token := strings.TrimSpace(scanner.Text()); token != "" {
			return token, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return "", errors.New("no token on stdin")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "action-status", version)
		},
	}
}

// loadConfig reads and validates the configuration named by --config
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if v.GetBool("debug") {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *config.Config) (*db.DB, error) {
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Initialize(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, nil
}

func tokenProvider(cfg *config.Config) credentials.Provider {
	return credentials.Chain{
		credentials.Static(cfg.GitHubToken),
		credentials.Keyring{},
	}
}

// setupLogger installs the configured logger as the default one
func setupLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	logger, closer, err := logging.Setup(logging.Options{
		File:  cfg.LogFile,
		Level: cfg.LogLevel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
