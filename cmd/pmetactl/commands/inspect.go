package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/pmeta/internal/bytesize"
	"github.com/marmos91/pmeta/internal/cli/output"
	"github.com/marmos91/pmeta/pkg/attrlog"
	"github.com/marmos91/pmeta/pkg/inode"
	"github.com/marmos91/pmeta/pkg/journal"
	"github.com/marmos91/pmeta/pkg/pmfs"
)

var (
	inspectAll bool
	inspectIno uint64
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect on-media structures",
	Long: `Decode the on-media structures of a region without modifying it.

Except for stats, the region is opened for inspection only: nothing is
recovered, so in-doubt journal slots and attribute-log buckets appear exactly
as a crash left them.

Subcommands:
  superblock  Identity and geometry
  journal     Transaction slots
  attrlog     Attribute-log buckets
  headers     Summary headers of data blocks
  inodes      Inode table records
  stats       Allocation and flush counters (runs recovery)`,
}

var inspectSuperblockCmd = &cobra.Command{
	Use:   "superblock",
	Short: "Show the superblock",
	RunE: withInspectFS(func(p *output.Printer, fs *pmfs.FS) error {
		sb := *fs.Superblock()
		return printResource(p, sb, superblockTable(sb))
	}),
}

var inspectJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show journal slots",
	Long: `Show journal transaction slots. By default only in-doubt slots are listed:
those holding a started transaction, or left idle with unconsumed entries.`,
	RunE: withInspectFS(func(p *output.Printer, fs *pmfs.FS) error {
		j := fs.Journal()
		var txs []journal.Tx
		if inspectAll {
			for id := 0; id < j.Slots(); id++ {
				tx, err := j.Read(id)
				if err != nil {
					return err
				}
				txs = append(txs, tx)
			}
		} else {
			var err error
			if txs, err = j.InDoubt(); err != nil {
				return err
			}
		}

		views := make([]txView, 0, len(txs))
		t := output.NewTable("SLOT", "CPU", "OP", "ENTRIES", "OBJECTS")
		for _, tx := range txs {
			v := newTxView(tx)
			views = append(views, v)
			t.AddRow(fmt.Sprintf("%d", v.Slot), fmt.Sprintf("%d", v.CPU), v.Op,
				fmt.Sprintf("%d", len(v.Entries)), strings.Join(v.objects(), " "))
		}
		if t.Len() == 0 && !p.Structured() {
			p.Println("No in-doubt transactions.")
			return nil
		}
		return printResource(p, views, t)
	}),
}

var inspectAttrLogCmd = &cobra.Command{
	Use:   "attrlog",
	Short: "Show attribute-log buckets",
	Long:  `Show attribute-log buckets. By default only buckets owned by an inode are listed.`,
	RunE: withInspectFS(func(p *output.Printer, fs *pmfs.FS) error {
		l := fs.AttrLog()
		views := make([]bucketView, 0)
		t := output.NewTable("BUCKET", "OWNER", "EVICTING", "SETATTR", "LINK CHANGE")
		for id := 0; id < l.Slots(); id++ {
			b, err := l.Inspect(id)
			if err != nil {
				return err
			}
			if b.Owner == 0 && !inspectAll {
				continue
			}
			v := newBucketView(b)
			views = append(views, v)
			t.AddRow(fmt.Sprintf("%d", v.Bucket), fmt.Sprintf("%d", v.Owner), yesNo(v.Evicting),
				v.SetAttr.summary(), v.LinkChange.summary())
		}
		if t.Len() == 0 && !p.Structured() {
			p.Println("No owned buckets.")
			return nil
		}
		return printResource(p, views, t)
	}),
}

var inspectHeadersCmd = &cobra.Command{
	Use:   "headers",
	Short: "Show summary headers",
	Long: `Show the summary header of every data block. By default only valid headers
are listed; --ino restricts the listing to one owner.`,
	RunE: withInspectFS(func(p *output.Printer, fs *pmfs.FS) error {
		g := fs.Geometry()
		m := fs.Headers()
		views := make([]headerView, 0)
		t := output.NewTable("BLOCK", "VALID", "INO", "FILE BLOCK", "SIZE", "TSTAMP", "NEXT")
		for blk := uint64(0); blk < g.DataBlocks; blk++ {
			h := m.ReadBlock(blk)
			if !h.Valid && !inspectAll {
				continue
			}
			if inspectIno != 0 && h.Ino != inspectIno {
				continue
			}
			v := headerView{
				Block:     blk,
				Valid:     h.Valid,
				Ino:       h.Ino,
				FileBlock: h.FileBlock,
				Size:      h.Size,
				Tstamp:    h.Tstamp,
				Next:      uint64(h.Next),
			}
			views = append(views, v)
			next := "-"
			if h.Next != 0 {
				next = fmt.Sprintf("%d", g.BlockOf(h.Next))
			}
			t.AddRow(fmt.Sprintf("%d", blk), yesNo(h.Valid), fmt.Sprintf("%d", h.Ino),
				fmt.Sprintf("%d", h.FileBlock), fmt.Sprintf("%d", h.Size), fmt.Sprintf("%d", h.Tstamp), next)
		}
		if t.Len() == 0 && !p.Structured() {
			p.Println("No headers.")
			return nil
		}
		return printResource(p, views, t)
	}),
}

var inspectInodesCmd = &cobra.Command{
	Use:   "inodes",
	Short: "Show valid inode records",
	RunE: withInspectFS(func(p *output.Printer, fs *pmfs.FS) error {
		views := make([]inodeView, 0)
		t := output.NewTable("INO", "TYPE", "MODE", "LINKS", "UID", "GID", "SIZE", "MTIME")
		err := fs.Inodes().Scan(func(in inode.Inode) error {
			v := newInodeView(in)
			views = append(views, v)
			t.AddRow(fmt.Sprintf("%d", v.Ino), v.Type, fmt.Sprintf("%04o", v.Perm), fmt.Sprintf("%d", v.Links),
				fmt.Sprintf("%d", v.UID), fmt.Sprintf("%d", v.GID), fmt.Sprintf("%d", v.Size),
				v.Mtime.Format(time.RFC3339))
			return nil
		})
		if err != nil {
			return err
		}
		return printResource(p, views, t)
	}),
}

var inspectStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show allocation and flush counters",
	Long: `Open the region (running recovery if needed) and show inode, block and
flush counters, overall and per CPU layout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd, false, func(p *output.Printer, fs *pmfs.FS) error {
			s := fs.Stats()
			t := output.NewTable("LAYOUT", "VALID", "INVALIDATED", "FREE")
			for i, l := range s.Layouts {
				t.AddRow(fmt.Sprintf("cpu %d", i), fmt.Sprintf("%d", l.Valid), fmt.Sprintf("%d", l.Invalidated), fmt.Sprintf("%d", l.Free))
			}
			t.AddRow("total", fmt.Sprintf("%d", s.Blocks.Valid), fmt.Sprintf("%d", s.Blocks.Invalidated), fmt.Sprintf("%d", s.Blocks.Free))
			if p.Structured() {
				return p.Print(s)
			}

			var kv output.KeyValues
			kv.Add("uuid", s.UUID.String())
			kv.Add("inodes", fmt.Sprintf("%d of %d", s.Inodes, s.Geometry.MaxInodes))
			kv.Add("data blocks", fmt.Sprintf("%d x %s", s.Geometry.DataBlocks, bytesize.ByteSize(s.Geometry.BlockSize)))
			kv.Add("flushed lines", fmt.Sprintf("%d", s.Flushes))
			kv.Add("fences", fmt.Sprintf("%d", s.Fences))
			kv.Add("flush failures", fmt.Sprintf("%d", s.FlushFailures))
			kv.Add("read-only", yesNo(s.ReadOnly))
			if err := output.PrintKeyValues(p.Writer(), kv); err != nil {
				return err
			}
			p.Println()
			return output.PrintTable(p.Writer(), t)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{inspectJournalCmd, inspectAttrLogCmd, inspectHeadersCmd} {
		c.Flags().BoolVarP(&inspectAll, "all", "a", false, "Include idle and free entries")
	}
	inspectHeadersCmd.Flags().Uint64Var(&inspectIno, "ino", 0, "Only show headers owned by this inode")

	inspectCmd.AddCommand(inspectSuperblockCmd)
	inspectCmd.AddCommand(inspectJournalCmd)
	inspectCmd.AddCommand(inspectAttrLogCmd)
	inspectCmd.AddCommand(inspectHeadersCmd)
	inspectCmd.AddCommand(inspectInodesCmd)
	inspectCmd.AddCommand(inspectStatsCmd)
}

// withInspectFS adapts fn into a RunE opening the region for inspection.
func withInspectFS(fn func(*output.Printer, *pmfs.FS) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd, true, fn)
	}
}

func runInspect(cmd *cobra.Command, inspect bool, fn func(*output.Printer, *pmfs.FS) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	fs, r, err := openFS(ctx, cfg, nil, inspect)
	if err != nil {
		return err
	}
	defer func() { _ = closeFS(ctx, fs, r) }()

	return fn(p, fs)
}

type txView struct {
	Slot    int           `json:"slot" yaml:"slot"`
	CPU     int           `json:"cpu" yaml:"cpu"`
	Op      string        `json:"op" yaml:"op"`
	Entries []txEntryView `json:"entries" yaml:"entries"`
}

type txEntryView struct {
	Role   string `json:"role" yaml:"role"`
	Type   string `json:"type" yaml:"type"`
	Offset uint64 `json:"offset" yaml:"offset"`
}

func newTxView(tx journal.Tx) txView {
	v := txView{Slot: tx.ID, CPU: tx.CPU, Op: tx.Op.String(), Entries: make([]txEntryView, 0, len(tx.Entries))}
	for _, e := range tx.Entries {
		v.Entries = append(v.Entries, txEntryView{Role: e.Role.String(), Type: e.Type.String(), Offset: uint64(e.Data)})
	}
	return v
}

func (v txView) objects() []string {
	out := make([]string, 0, len(v.Entries))
	for _, e := range v.Entries {
		out = append(out, fmt.Sprintf("%s=%#x", e.Role, e.Offset))
	}
	return out
}

type bucketView struct {
	Bucket     int         `json:"bucket" yaml:"bucket"`
	Owner      uint64      `json:"owner" yaml:"owner"`
	Evicting   bool        `json:"evicting" yaml:"evicting"`
	SetAttr    *attrEntryV `json:"setattr,omitempty" yaml:"setattr,omitempty"`
	LinkChange *attrEntryV `json:"link_change,omitempty" yaml:"link_change,omitempty"`
}

type attrEntryV struct {
	Kind   string `json:"kind" yaml:"kind"`
	Mode   uint16 `json:"mode" yaml:"mode"`
	Links  uint16 `json:"links" yaml:"links"`
	UID    uint32 `json:"uid" yaml:"uid"`
	GID    uint32 `json:"gid" yaml:"gid"`
	Size   uint64 `json:"size" yaml:"size"`
	Mtime  uint32 `json:"mtime" yaml:"mtime"`
	Tstamp uint64 `json:"tstamp" yaml:"tstamp"`
}

func newAttrEntryV(e *attrlog.Entry) *attrEntryV {
	if e == nil {
		return nil
	}
	return &attrEntryV{
		Kind: e.Kind.String(), Mode: e.Mode, Links: e.Links, UID: e.UID, GID: e.GID,
		Size: e.Size, Mtime: e.Mtime, Tstamp: e.Tstamp,
	}
}

func (e *attrEntryV) summary() string {
	if e == nil {
		return "-"
	}
	return fmt.Sprintf("%s links=%d size=%d ts=%d", e.Kind, e.Links, e.Size, e.Tstamp)
}

func newBucketView(b attrlog.BucketInfo) bucketView {
	return bucketView{
		Bucket:     b.ID,
		Owner:      b.Owner,
		Evicting:   b.Evicting,
		SetAttr:    newAttrEntryV(b.SetAttr),
		LinkChange: newAttrEntryV(b.LinkChange),
	}
}

type headerView struct {
	Block     uint64 `json:"block" yaml:"block"`
	Valid     bool   `json:"valid" yaml:"valid"`
	Ino       uint64 `json:"ino" yaml:"ino"`
	FileBlock uint64 `json:"file_block" yaml:"file_block"`
	Size      uint64 `json:"size" yaml:"size"`
	Tstamp    uint64 `json:"tstamp" yaml:"tstamp"`
	Next      uint64 `json:"next" yaml:"next"`
}

type inodeView struct {
	Ino   uint64    `json:"ino" yaml:"ino"`
	Type  string    `json:"type" yaml:"type"`
	Perm  uint16    `json:"perm" yaml:"perm"`
	Links uint16    `json:"links" yaml:"links"`
	UID   uint32    `json:"uid" yaml:"uid"`
	GID   uint32    `json:"gid" yaml:"gid"`
	Size  uint64    `json:"size" yaml:"size"`
	Mtime time.Time `json:"mtime" yaml:"mtime"`
}

func newInodeView(in inode.Inode) inodeView {
	typ := "file"
	switch {
	case in.IsDir():
		typ = "dir"
	case in.IsSymlink():
		typ = "symlink"
	}
	return inodeView{
		Ino:   in.Ino,
		Type:  typ,
		Perm:  in.Mode & 0o7777,
		Links: in.Links,
		UID:   in.UID,
		GID:   in.GID,
		Size:  in.Size,
		Mtime: time.Unix(int64(in.Mtime), 0).UTC(),
	}
}
