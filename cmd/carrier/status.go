package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peder1981/securecarrier/internal/network"
	"github.com/peder1981/securecarrier/internal/session"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the relay health and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.discovery(nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			client := network.NewClient(svc, network.Options{
				ConnectTimeout: a.cfg.Network.ConnectTimeout(),
				ReadTimeout:    a.cfg.Network.ReadTimeout(),
				WriteTimeout:   a.cfg.Network.WriteTimeout(),
				Logger:         a.logger,
			})
			var health session.Health
			if err := client.GetJSON(cmd.Context(), "/health", &health); err != nil {
				return err
			}
			var stats session.Stats
			if err := client.GetJSON(cmd.Context(), "/stats", &stats); err != nil {
				return err
			}
			ep, _ := svc.Cached()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "relay:   %s\n", ep.String())
			fmt.Fprintf(out, "status:  %s\n", health.Status)
			fmt.Fprintf(out, "online:  %d\n", stats.OnlineClients)
			fmt.Fprintf(out, "queued:  %d\n", stats.QueuedMessages)
			return nil
		},
	}
}
