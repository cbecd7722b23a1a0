package main

import (
	"errors"
	"fmt"
	"net/netip"

	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/spf13/cobra"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/config"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/version"
)

// newCheckCommand looks an IP up against the CrowdSec Local API directly,
// the way internal/command/command.go's cmdCheck does against a
// csbouncer.LiveBouncer, rather than through internal/adminsrv: the
// decision feed's in-process ledger isn't exposed for point lookups, so
// this asks the LAPI itself with the same credentials the daemon uses.
func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <ip>",
		Short: "Checks whether an IP currently has an active ban decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("parsing %q as an IP address: %w", args[0], err)
			}

			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			insecureSkipVerify := false
			live := &csbouncer.LiveBouncer{
				APIKey:             cfg.DecisionFeed.APIKey,
				APIUrl:             cfg.DecisionFeed.APIURL,
				InsecureSkipVerify: &insecureSkipVerify,
				UserAgent:          "edge-ban-sync-cmd/" + version.Current(),
			}
			if err := live.Init(); err != nil {
				return fmt.Errorf("initializing LAPI client: %w", err)
			}

			resp, err := live.Get(ip.String())
			if err != nil {
				return fmt.Errorf("checking %s: %w", ip, err)
			}

			if resp == nil || len(*resp) == 0 {
				return errors.New("not banned")
			}

			fmt.Printf("banned: %d active decision(s)\n", len(*resp))
			return nil
		},
	}
}
