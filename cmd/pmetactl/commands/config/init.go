package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/cli/prompt"
	"github.com/marmos91/pmeta/pkg/config"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a pmetactl configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/pmeta/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  pmetactl config init

  # Answer a few questions about the region first
  pmetactl config init --interactive

  # Initialize with custom path, overwriting an existing file
  pmetactl config init --config ./pmeta.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the region settings")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	w := cmd.OutOrStdout()

	var err error
	switch {
	case initInteractive:
		if configPath == "" {
			configPath = config.GetDefaultConfigPath()
		}
		err = initInteractively(configPath)
	case configPath != "":
		err = config.InitConfigToPath(configPath, initForce)
	default:
		configPath, err = config.InitConfig(initForce)
	}
	if err != nil {
		if prompt.IsAborted(err) {
			_, _ = fmt.Fprintln(w, "Aborted.")
			return nil
		}
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	_, _ = fmt.Fprintf(w, "Configuration file created at: %s\n", configPath)
	_, _ = fmt.Fprintln(w, "\nNext steps:")
	_, _ = fmt.Fprintln(w, "  1. Review the region path and size")
	_, _ = fmt.Fprintf(w, "  2. Format the region with: pmetactl format --config %s\n", configPath)
	_, _ = fmt.Fprintf(w, "  3. Check it with: pmetactl check --config %s\n", configPath)
	return nil
}

func initInteractively(path string) error {
	if _, err := os.Stat(path); err == nil && !initForce {
		ok, err := prompt.Confirm(fmt.Sprintf("Overwrite %s?", path), false)
		if err != nil {
			return err
		}
		if !ok {
			return prompt.ErrAborted
		}
	}

	cfg := config.GetDefaultConfig()

	backend, err := prompt.Select("Region backend", []prompt.Option{
		{Label: "mmap", Value: config.BackendMmap, Description: "File mapping, persists across runs"},
		{Label: "memory", Value: config.BackendMemory, Description: "Volatile, for stress runs only"},
	})
	if err != nil {
		return err
	}
	cfg.Region.Backend = backend

	if backend == config.BackendMmap {
		if cfg.Region.Path, err = prompt.InputRequired("Region file", cfg.Region.Path); err != nil {
			return err
		}
	}
	if cfg.Region.Size, err = prompt.InputSize("Region size", cfg.Region.Size, cfg.Region.BlockSize); err != nil {
		return err
	}
	if cfg.Region.CPUs, err = prompt.InputInt("CPU lanes", cfg.Region.CPUs, 1, 256); err != nil {
		return err
	}
	maxInodes, err := prompt.InputInt("Maximum inodes", int(cfg.Inodes.Max), 2, 1<<24)
	if err != nil {
		return err
	}
	cfg.Inodes.Max = uint64(maxInodes)

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	return nil
}
