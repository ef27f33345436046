package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rescale/chunkup/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage chunkup configuration",
		Long: `Configuration management commands for chunkup.

Commands:
  init  - Write a configuration file
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())
	return configCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration",
		Long: `Write a configuration file from defaults and the global flags.

When stdin is a terminal, missing api backend settings are prompted for.
Use --force to overwrite existing configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Configuration already exists at: %s\n", path)
					fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Backend == config.BackendAPI && term.IsTerminal(int(os.Stdin.Fd())) {
				if err := promptAPISettings(cfg, os.Stdin, cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			GetLogger().Info().Str("path", path).Msg("configuration saved")
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Warning: configuration is incomplete: %v\n", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// promptAPISettings asks for the api URL and token when they are unset.
func promptAPISettings(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	ask := func(label string, dst *string) error {
		for *dst == "" {
			fmt.Fprintf(out, "%s: ", label)
			input, err := reader.ReadString('\n')
			*dst = strings.TrimSpace(input)
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
		return nil
	}
	if err := ask("API URL", &cfg.APIBaseURL); err != nil {
		return err
	}
	return ask("API token", &cfg.Token)
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Config file:     %s\n", configPath())
	fmt.Fprintf(w, "Backend:         %s\n", cfg.Backend)
	switch cfg.Backend {
	case config.BackendS3:
		fmt.Fprintf(w, "S3 bucket:       %s (%s)\n", cfg.S3Bucket, cfg.S3Region)
		if cfg.S3Prefix != "" {
			fmt.Fprintf(w, "S3 prefix:       %s\n", cfg.S3Prefix)
		}
		fmt.Fprintf(w, "S3 access key:   %s\n", maskSecret(cfg.S3AccessKey))
	case config.BackendAzure:
		fmt.Fprintf(w, "Azure SAS URL:   %s\n", maskQuery(cfg.AzureSASURL))
	default:
		fmt.Fprintf(w, "API URL:         %s\n", cfg.APIBaseURL)
		fmt.Fprintf(w, "Token:           %s\n", maskSecret(cfg.Token))
	}
	fmt.Fprintf(w, "Concurrency:     %d chunks per file, %d files\n", cfg.Concurrency, cfg.MaxConcurrentTasks)
	fmt.Fprintf(w, "Retries:         %d (%s .. %s)\n", cfg.MaxRetries, cfg.RetryInitialDelay, cfg.RetryMaxDelay)
	fmt.Fprintf(w, "Hash:            %s\n", cfg.HashAlgorithm)
	fmt.Fprintf(w, "State:           %s at %s\n", cfg.StateStore, cfg.ResolvedStatePath())
	fmt.Fprintf(w, "Proxy:           %s\n", cfg.ProxyMode)
}

// maskSecret shows only the last four characters of s.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

// maskQuery hides the query string of a URL, which carries the SAS token.
func maskQuery(u string) string {
	if u == "" {
		return "(not set)"
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?****"
	}
	return u
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	}
}
