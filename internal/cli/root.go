// Package cli provides the command-line interface for the CodeMate gateway.
package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/codemate-dev/gateway/internal/config"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	// Version is the semantic version (e.g., "1.0.0").
	Version string
	// Commit is the git commit hash.
	Commit string
	// Date is the build date.
	Date string
}

// globalLogger stores the initialized logger for use by subcommands.
// Set during PersistentPreRunE; access via GetLogger.
var (
	globalLogger   zerolog.Logger //nolint:gochecknoglobals // CLI logger requires global access
	globalLoggerMu sync.RWMutex   //nolint:gochecknoglobals // Protects globalLogger
)

// GetLogger returns the initialized logger for use by subcommands.
// It MUST only be called after the root command's PersistentPreRunE has
// executed. This function is safe for concurrent use.
func GetLogger() zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// newRootCmd creates the root command for the gateway CLI.
func newRootCmd(info BuildInfo) *cobra.Command {
	var verbose, quiet bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "CodeMate Gateway - autonomous task orchestration",
		Long: `The CodeMate gateway accepts a natural-language goal plus execution budgets,
synthesizes an ordered plan of tool invocations, and drives the plan to
completion with durable state, human-in-the-loop approval for high-risk
steps, retries for transient faults, and event streaming to observers.`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			globalLoggerMu.Lock()
			globalLogger = InitLogger(verbose, quiet)
			globalLoggerMu.Unlock()
			return nil
		},
		// We print our own error messages; suppress cobra's usage dump.
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log warnings and errors only")

	AddServeCommand(cmd)

	return cmd
}

// formatVersion creates the version string from build info.
func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	cmd := newRootCmd(info)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger := GetLogger()
		logger.Error().Err(err).Msg("command failed")
		return err
	}
	return nil
}

// loadConfig loads the layered configuration for subcommands.
func loadConfig() (*config.Config, error) {
	return config.Load()
}
