package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/cursorwin/internal/version"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if !verbose {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, version.Current())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\nrevision %s\nbuilt %s\nmodified %t\n%s\n",
				info.Module, version.CurrentWithDirty(), info.Revision, info.Time, info.Modified, info.GoVersion)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include VCS details")
	return cmd
}
