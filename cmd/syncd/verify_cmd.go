package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/syncd"
)

func newVerifyCommand(v *viper.Viper, logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(v, logger))
	return cmd
}

func newVerifyStoreCommand(v *viper.Viper, logger pslog.Logger) *cobra.Command {
	var store string
	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Verify that the configured store accepts commits and rollbacks",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify a SQLite database before pointing the server at it
syncd verify store --store sqlite:///var/lib/syncd/sync.db

# Verify the store named in the config file or SYNCD_STORE
SYNCD_STORE=bolt:///var/lib/syncd/sync.bolt syncd verify store
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			cfg, err := readConfig(v)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("store") {
				cfg.Store = store
			}
			res, err := syncd.VerifyStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", cfg.Store)
			fmt.Fprintf(out, "Provider: %s\n", res.Provider)
			if res.Path != "" {
				fmt.Fprintf(out, "Path: %s\n", res.Path)
			}
			fmt.Fprintln(out)
			for _, check := range res.Checks {
				if check.Err == nil {
					fmt.Fprintf(out, "✔ %s\n", check.Name)
				} else {
					fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
				}
			}
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			return fmt.Errorf("storage verification failed")
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "storage backend URL to verify (overrides config and SYNCD_STORE)")
	return cmd
}
