package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// globalFlags are the persistent flags shared by every subcommand
type globalFlags struct {
	LogLevel    string
	LogFormat   string
	Dir         string
	StateFormat string
	EnvFiles    []string
}

// NewRootCommand builds the proxy-profiles command tree
func NewRootCommand(info BuildInfo) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "proxy-profiles",
		Short: "Manage an ordered list of proxy configuration profiles",
		Long: `proxy-profiles keeps an ordered, persistent list of V2Ray-style proxy
configurations. Exactly one profile can be marked current; a service controller
restarts the proxy core whenever the current profile or the core log level changes.

Every payload is validated and normalized before it is stored, so the state file
only ever holds configurations the core accepts.

Configuration:
  Settings are read from the environment and from .env files:
    PROFILES_DIR=~/.proxy-profiles (state directory)
    STATE_FORMAT=yaml (yaml or json)
    FETCH_TIMEOUT=15s (import timeout)
    REORDER_MODE=multi (multi or collapsed)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&flags.Dir, "dir", "d", "", "Profiles directory (overrides PROFILES_DIR)")
	rootCmd.PersistentFlags().StringVar(&flags.StateFormat, "state-format", "", "State file format: yaml, json (overrides STATE_FORMAT)")
	rootCmd.PersistentFlags().StringSliceVar(&flags.EnvFiles, "env-file", nil, "Additional .env files to load")

	rootCmd.AddCommand(
		newListCommand(flags),
		newAddCommand(flags),
		newShowCommand(flags),
		newRenameCommand(flags),
		newRemoveCommand(flags),
		newReplaceCommand(flags),
		newMoveCommand(flags),
		newReorderCommand(flags),
		newImportCommand(flags),
		newUseCommand(flags),
		newCurrentCommand(flags),
		newLogLevelCommand(flags),
		newValidateCommand(flags),
		newTemplatesCommand(),
		newBackupCommand(flags),
		newRestoreCommand(flags),
	)

	return rootCmd
}

// Execute builds the command tree and runs it. This is called by main.main().
func Execute(info BuildInfo) error {
	return NewRootCommand(info).Execute()
}
