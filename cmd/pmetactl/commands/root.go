// Package commands implements the pmetactl command line.
package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/cmd/pmetactl/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pmetactl",
	Short: "pmeta - persistent-memory file-system metadata tool",
	Long: `pmetactl formats, recovers, checks and inspects pmeta regions: file-system
metadata kept directly in byte-addressable persistent memory (or a file
mapping standing in for it).

Use "pmetactl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		Flags.ConfigFile, _ = cmd.Flags().GetString("config")
		Flags.Output, _ = cmd.Flags().GetString("output")
		Flags.NoColor, _ = cmd.Flags().GetBool("no-color")
		Flags.Verbose, _ = cmd.Flags().GetBool("verbose")
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// errProblems is returned by commands that ran to completion but found the
// region inconsistent.
var errProblems = errors.New("region has consistency problems")

// ExitCode maps an error returned by Execute to a process exit status:
// 2 for a region found inconsistent, 1 for anything else.
func ExitCode(err error) int {
	if errors.Is(err, errProblems) {
		return 2
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: $XDG_CONFIG_HOME/pmeta/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json|yaml)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(config.Cmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	registerCompletions(rootCmd)
}
