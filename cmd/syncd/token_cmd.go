package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/syncd/internal/auth"
)

// tokenOutput is what `syncd token --json` prints.
type tokenOutput struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	UID      uint64    `json:"uid"`
	Node     string    `json:"node,omitempty"`
	Expires  time.Time `json:"expires"`
	Duration int64     `json:"duration"`
}

func newTokenCommand(v *viper.Viper) *cobra.Command {
	var (
		uid    uint64
		node   string
		ttl    time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a Hawk token id and key for a user",
		Example: `
  SYNCD_MASTER_SECRET=... syncd token --uid 42 --ttl 1h --json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if uid == 0 {
				return fmt.Errorf("--uid is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			secrets, err := auth.NewSecrets(v.GetString("master-secret"))
			if err != nil {
				return err
			}
			now := time.Now()
			id, key, err := auth.MintFor(secrets, uid, node, now, ttl)
			if err != nil {
				return err
			}
			out := tokenOutput{
				ID:       id,
				Key:      key,
				UID:      uid,
				Node:     node,
				Expires:  now.Add(ttl).UTC().Truncate(time.Second),
				Duration: int64(ttl / time.Second),
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			_, err = fmt.Fprintf(w, "id:      %s\nkey:     %s\nuid:     %d\nexpires: %s\n", out.ID, out.Key, out.UID, out.Expires.Format(time.RFC3339))
			return err
		},
	}
	flags := cmd.Flags()
	flags.Uint64Var(&uid, "uid", 0, "numeric user id the token authenticates")
	flags.StringVar(&node, "node", "", "optional storage node recorded in the token")
	flags.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flags.BoolVar(&asJSON, "json", false, "print the token as JSON")
	return cmd
}
