// Package cli builds the ekaya-import command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-import/pkg/config"
)

// rootOptions are flags shared by every command.
type rootOptions struct {
	ConfigPath string
	Version    string
}

// NewRootCmd creates the ekaya-import root command.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{Version: version}

	rootCmd := &cobra.Command{
		Use:   "ekaya-import",
		Short: "Field mapping and import workflow engine",
		Long: `ekaya-import turns uploaded CSV, JSON and XLSX files into validated catalog records.
It maps source columns onto catalog schemas, previews and repairs the data,
routes risky imports to human approvers and commits the rest in parallel batches.`,
		Version:      version,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		NewServeCmd(opts),
		NewMigrateCmd(opts),
		NewAnalyzeCmd(opts),
	)

	return rootCmd
}

// loadConfig reads the config file when it exists and falls back to the environment.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if _, err := os.Stat(o.ConfigPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", o.ConfigPath, err)
		}
		return config.LoadEnv(o.Version)
	}
	return config.LoadFrom(o.ConfigPath, o.Version)
}
