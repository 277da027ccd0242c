package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/appconfig"
	"pkt.systems/cursorwin/internal/cursorrpc"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

const browseColumnWidth = 32

type browseOptions struct {
	Size int
	Skip int
	Last bool
	Seek string
}

func newBrowseCmd() *cobra.Command {
	var cfgPath string
	var remote string
	var opts browseOptions
	cmd := &cobra.Command{
		Use:   "browse [source]",
		Short: "Print one window of a source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			name := ""
			if len(args) > 0 {
				name = args[0]
			} else if len(cfg.Source.Tables) > 0 {
				name = cfg.Source.Tables[0].Name
			}
			if name == "" {
				return errors.New("no source given and none configured")
			}
			if remote == "" {
				remote = cfg.RPC.Remote
			}

			var source core.CursorSource
			if remote != "" {
				client, err := cursorrpc.Dial(ctx, remote)
				if err != nil {
					return err
				}
				defer func() { _ = client.Close() }()
				source = client.Source(name)
			} else {
				registry, closeSources, err := openRegistry(ctx, cfg.Source)
				if err != nil {
					return err
				}
				defer func() { _ = closeSources() }()
				source, err = registry.Lookup(name)
				if err != nil {
					return err
				}
			}
			return browseWindow(ctx, cmd.OutOrStdout(), source, cfg.Window.ManagerConfig(), opts)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&remote, "remote", "", "cursor rpc address to browse instead of the local store")
	cmd.Flags().IntVarP(&opts.Size, "rows", "n", 0, "window size (default from config)")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "move the active row by this many rows before printing")
	cmd.Flags().BoolVar(&opts.Last, "last", false, "start from the last row")
	cmd.Flags().StringVar(&opts.Seek, "seek", "", "start from the nearest row to column=value")
	return cmd
}

// browseWindow opens a manager with one window over source, positions it and
// prints the window.
func browseWindow(ctx context.Context, out io.Writer, source core.CursorSource, cfg schema.ManagerConfig, opts browseOptions) error {
	log := pslog.Ctx(ctx)
	cursor, err := source.OpenCursor(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := cursor.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("cursor close failed", "err", err)
		}
	}()
	mgr, err := core.NewManager(cfg, cursor, core.ManagerDeps{Logger: log})
	if err != nil {
		return err
	}
	win, err := mgr.RegisterWindow(ctx, opts.Size)
	if err != nil {
		return err
	}
	if err := mgr.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("manager close failed", "err", err)
		}
	}()

	if opts.Last {
		if err := mgr.Last(ctx); err != nil {
			return err
		}
	}
	if opts.Seek != "" {
		key, err := schema.ParseKey(opts.Seek)
		if err != nil {
			return err
		}
		if err := mgr.FindNearest(ctx, key); err != nil {
			return err
		}
	}
	if opts.Skip != 0 {
		if _, err := mgr.MoveBy(ctx, opts.Skip); err != nil {
			return err
		}
	}
	return writeWindow(out, mgr, win)
}

func writeWindow(out io.Writer, mgr *core.Manager, win *core.Window) error {
	n := mgr.RowsVisible(win)
	rows := make([]schema.Row, 0, n)
	for i := 0; i < n; i++ {
		row, ok := mgr.ReadSlot(win, i)
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "(no rows)")
		return err
	}

	var columns []string
	for _, row := range rows {
		for _, name := range row.Columns() {
			if !slices.Contains(columns, name) {
				columns = append(columns, name)
			}
		}
	}
	slices.Sort(columns)
	widths := make([]int, len(columns))
	cells := make([][]string, len(rows))
	for i, name := range columns {
		widths[i] = runewidth.StringWidth(name)
	}
	for r, row := range rows {
		cells[r] = make([]string, len(columns))
		for i, name := range columns {
			cell := ""
			if v, ok := row[name]; ok && v != nil {
				cell = fmt.Sprint(v)
			}
			cells[r][i] = runewidth.Truncate(cell, browseColumnWidth, "…")
			widths[i] = max(widths[i], runewidth.StringWidth(cells[r][i]))
		}
	}

	active := mgr.ActiveLocalOffset(win)
	var b strings.Builder
	b.WriteString("  ")
	writeCells(&b, columns, widths)
	for r := range rows {
		if r == active {
			b.WriteString("> ")
		} else {
			b.WriteString("  ")
		}
		writeCells(&b, cells[r], widths)
	}
	var flags []string
	if mgr.BOF() {
		flags = append(flags, "BOF")
	}
	if mgr.EOF() {
		flags = append(flags, "EOF")
	}
	fmt.Fprintf(&b, "(%d rows", len(rows))
	if len(flags) > 0 {
		b.WriteString(", " + strings.Join(flags, " "))
	}
	b.WriteString(")\n")
	_, err := io.WriteString(out, b.String())
	return err
}

func writeCells(b *strings.Builder, cells []string, widths []int) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		if i == len(cells)-1 {
			b.WriteString(cell)
			continue
		}
		b.WriteString(runewidth.FillRight(cell, widths[i]))
	}
	b.WriteString("\n")
}
