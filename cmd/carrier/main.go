// Command carrier finds the LAN relay, chats through it with end-to-end
// encrypted payloads, and can run the relay itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/peder1981/securecarrier/internal/config"
	"github.com/peder1981/securecarrier/internal/crypto"
	"github.com/peder1981/securecarrier/internal/discovery"
	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/metrics"
	"github.com/peder1981/securecarrier/internal/transport"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

// app holds what every subcommand needs once flags are parsed.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newRootCommand() *cobra.Command {
	var flags globalFlags
	a := &app{}

	cmd := &cobra.Command{
		Use:   "carrier",
		Short: "LAN chat with end-to-end encrypted payloads",
		Long: `carrier locates the relay on the local /24 by probing its TCP port,
opens the realtime channel and exchanges chat envelopes whose bodies are
sealed with a key shared by the peers.`,
		Example: `  # Find the relay and print its address
  carrier discover

  # Chat, writing "@user message" to address one user
  carrier chat

  # Serve the relay on this machine
  carrier relay --listen :8080`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(flags)
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "configuration file (TOML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "logging level (debug, info, warn, error)")

	cmd.AddCommand(
		newDiscoverCommand(a),
		newStatusCommand(a),
		newChatCommand(a),
		newRelayCommand(a),
	)
	return cmd
}

func (a *app) init(flags globalFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("erro ao carregar config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	return nil
}

// discovery builds the relay locator from the [discovery] section.
func (a *app) discovery(onProbe func(done, total int)) (*discovery.Service, error) {
	d := a.cfg.Discovery
	opts := discovery.Options{
		Port:         d.Port,
		Scheme:       d.Scheme,
		ProbeTimeout: d.ProbeTimeout(),
		Workers:      d.Workers,
		Prober:       transport.TCPProber{},
		Logger:       a.logger,
		Metrics:      a.metrics,
		OnProbe:      onProbe,
	}
	if d.LocalAddress != "" {
		opts.LocalAddr = discovery.StaticAddr(d.LocalAddress)
	}
	if d.MDNS {
		opts.Hints = discovery.MDNSHints(d.MDNSService, d.MDNSTimeout(), a.logger)
	}
	return discovery.New(opts)
}

// keys picks the channel key source from the [crypto] section.
func (a *app) keys() crypto.KeySupplier {
	c := a.cfg.Crypto
	if c.Passphrase != "" {
		return crypto.PassphraseKey{Passphrase: c.Passphrase, Salt: c.Salt}
	}
	return crypto.FileKey{Path: c.KeyPath()}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
