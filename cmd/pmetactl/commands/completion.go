package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/cli/output"
)

// completionShells maps each supported shell onto its script generator.
var completionShells = map[string]func(root *cobra.Command, w io.Writer) error{
	"bash": func(root *cobra.Command, w io.Writer) error { return root.GenBashCompletionV2(w, true) },
	"zsh":  func(root *cobra.Command, w io.Writer) error { return root.GenZshCompletion(w) },
	"fish": func(root *cobra.Command, w io.Writer) error { return root.GenFishCompletion(w, true) },
	"powershell": func(root *cobra.Command, w io.Writer) error {
		return root.GenPowerShellCompletionWithDesc(w)
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate a shell completion script for pmetactl.

Besides subcommands and flags, the scripts complete --output formats,
config files for --config, and the inspect views.

Bash:
  $ pmetactl completion bash > /etc/bash_completion.d/pmetactl

Zsh:
  $ pmetactl completion zsh > "${fpath[1]}/_pmetactl"

Fish:
  $ pmetactl completion fish > ~/.config/fish/completions/pmetactl.fish

PowerShell:
  PS> pmetactl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, ok := completionShells[args[0]]
		if !ok {
			return fmt.Errorf("unsupported shell %q", args[0])
		}
		return gen(cmd.Root(), cmd.OutOrStdout())
	},
}

// registerCompletions wires value completion for the global flags.
func registerCompletions(root *cobra.Command) {
	_ = root.RegisterFlagCompletionFunc("output", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{
			string(output.FormatTable) + "\thuman-readable table",
			string(output.FormatJSON) + "\tJSON document",
			string(output.FormatYAML) + "\tYAML document",
		}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = root.MarkPersistentFlagFilename("config", "yaml", "yml")
}
