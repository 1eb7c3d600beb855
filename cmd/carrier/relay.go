package main

import (
	"github.com/spf13/cobra"

	"github.com/peder1981/securecarrier/internal/relay"
)

func newRelayCommand(a *app) *cobra.Command {
	var listen string
	var noAdvertise bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the relay hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := a.cfg.Relay
			if listen != "" {
				rc.Listen = listen
			}
			hub := relay.NewHub(relay.Options{
				QueueLimit: rc.QueueLimit,
				Logger:     a.logger,
				Metrics:    a.metrics,
				Gatherer:   a.registry,
			})
			return relay.ListenAndServe(cmd.Context(), hub, relay.ServerOptions{
				Listen:    rc.Listen,
				Advertise: rc.Advertise && !noAdvertise,
				Service:   a.cfg.Discovery.MDNSService,
				Logger:    a.logger,
			})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noAdvertise, "no-advertise", false, "do not announce the relay over mDNS")
	return cmd
}
