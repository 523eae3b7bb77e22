package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/cli/output"
	"github.com/marmos91/pmeta/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective configuration: file values, PMETA_* environment
overrides and defaults merged.

Outputs YAML unless --output json is given.

Examples:
  # Show default config as YAML
  pmetactl config show

  # Show as JSON
  pmetactl config show --output json`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	format, _ := cmd.Flags().GetString("output")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	f, err := output.ParseFormat(format)
	if err != nil {
		return err
	}

	switch f {
	case output.FormatJSON:
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	default:
		return output.PrintYAML(cmd.OutOrStdout(), cfg)
	}
}
