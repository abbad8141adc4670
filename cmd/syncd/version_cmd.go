package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/syncd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the syncd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			if short {
				_, err := fmt.Fprintln(out, info.Version)
				return err
			}
			if _, err := fmt.Fprintf(out, "%s %s\n", info.Module, info.Version); err != nil {
				return err
			}
			if !verbose {
				return nil
			}
			fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
			if info.Revision != "" {
				fmt.Fprintf(out, "revision: %s (modified:%t)\n", info.Revision, info.Modified)
			}
			if !info.Time.IsZero() {
				fmt.Fprintf(out, "built:    %s\n", info.Time.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version string")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include Go and VCS details")
	return cmd
}
