package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/bytesize"
	"github.com/marmos91/pmeta/internal/cli/output"
	"github.com/marmos91/pmeta/internal/cli/prompt"
	"github.com/marmos91/pmeta/internal/logger"
	"github.com/marmos91/pmeta/pkg/config"
	"github.com/marmos91/pmeta/pkg/layout"
	"github.com/marmos91/pmeta/pkg/pmfs"
)

var formatForce bool

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Format a region",
	Long: `Lay out a fresh file system over the configured region.

The geometry (block size, CPUs, journal, attribute log and inode table) is
taken from the configuration and recorded in the superblock. Everything
previously stored in the region is lost.

Examples:
  # Format the region named in the default config
  pmetactl format

  # Format without the confirmation prompt
  pmetactl format --force --config ./pmeta.yaml`,
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().BoolVarP(&formatForce, "force", "f", false, "Skip the confirmation prompt")
}

func runFormat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	if cfg.Region.Backend == config.BackendMemory {
		return fmt.Errorf("formatting the memory backend has no lasting effect; use the mmap backend")
	}

	ok, err := prompt.ConfirmDangerWithForce(
		fmt.Sprintf("Format %s (%s)? All data in it will be lost", cfg.Region.Path, cfg.Region.Size),
		"format", formatForce)
	if err != nil {
		if prompt.IsAborted(err) {
			p.Println("Aborted.")
			return nil
		}
		return err
	}
	if !ok {
		p.Println("Aborted.")
		return nil
	}

	ctx := cmd.Context()
	start := time.Now()

	r, err := openRegion(cfg, true)
	if err != nil {
		return err
	}
	fs, err := pmfs.Format(ctx, r, cfg.LayoutParams(), fsOptions(cfg, nil))
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("format failed: %w", err)
	}
	sb := *fs.Superblock()
	if err := closeFS(ctx, fs, r); err != nil {
		return err
	}

	logger.Info("Region formatted",
		logger.UUID(sb.UUID.String()),
		logger.Path(cfg.Region.Path),
		logger.DurationMs(logger.Duration(start)))

	p.Success(fmt.Sprintf("Formatted %s", cfg.Region.Path))
	return printResource(p, sb, superblockTable(sb))
}

// superblockTable renders the identity and geometry of a region.
func superblockTable(sb layout.Superblock) output.TableRenderer {
	g := sb.Geometry
	t := output.NewTable("FIELD", "VALUE")
	t.AddRow("uuid", sb.UUID.String())
	t.AddRow("version", fmt.Sprintf("%d", sb.Version))
	t.AddRow("created", sb.CreatedAt.UTC().Format(time.RFC3339))
	t.AddRow("clean", yesNo(sb.Clean))
	t.AddRow("size", bytesize.ByteSize(g.Size).String())
	t.AddRow("block size", bytesize.ByteSize(g.BlockSize).String())
	t.AddRow("cpus", fmt.Sprintf("%d", g.CPUs))
	t.AddRow("inodes", fmt.Sprintf("%d", g.MaxInodes))
	t.AddRow("journal slots", fmt.Sprintf("%d x %s", g.JournalSlots, bytesize.ByteSize(g.JournalSlotSize)))
	t.AddRow("attr log slots", fmt.Sprintf("%d", g.AttrLogSlots))
	t.AddRow("data blocks", fmt.Sprintf("%d", g.DataBlocks))
	return t
}
