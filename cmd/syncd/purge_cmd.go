package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/syncd"
)

func newPurgeCommand(v *viper.Viper, logger pslog.Logger) *cobra.Command {
	var (
		store string
		at    string
	)
	cmd := &cobra.Command{
		Use:          "purge",
		Short:        "Remove items whose ttl has expired",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Purge a SQLite store from cron while the server keeps running
syncd purge --store sqlite:///var/lib/syncd/sync.db

# Purge everything that will have expired by a given time
syncd purge --store bolt:///var/lib/syncd/sync.bolt --at 2026-01-01T00:00:00Z
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				now = parsed
			}
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
			purged, err := syncd.PurgeExpired(cmd.Context(), cfg, logger, now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired items from %s\n", purged, cfg.Store)
			return nil
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "storage backend URL to purge (overrides config and SYNCD_STORE)")
	cmd.Flags().StringVar(&at, "at", "", "purge as of this RFC 3339 time instead of now")
	return cmd
}
