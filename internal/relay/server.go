package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grandcat/zeroconf"

	"github.com/peder1981/securecarrier/internal/logging"
)

// ServerOptions configures Serve.
type ServerOptions struct {
	Listen string
	// Advertise registers the listening port over mDNS as Service.
	Advertise bool
	Service   string
	Instance  string
	Logger    log.Logger
}

// Advertise registers an mDNS service for port. Call Shutdown on the
// result to withdraw it.
func Advertise(instance, service string, port int) (*zeroconf.Server, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "relay"
		}
		instance = "securecarrier-" + host
	}
	return zeroconf.Register(instance, service, "local.", port, []string{"proto=ws", "path=/ws"}, nil)
}

// ListenAndServe listens on opts.Listen and calls Serve.
func ListenAndServe(ctx context.Context, hub *Hub, opts ServerOptions) error {
	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", opts.Listen, err)
	}
	return Serve(ctx, ln, hub, opts)
}

// Serve runs the hub on ln until ctx is done, then disconnects every client
// and shuts the HTTP server down.
func Serve(ctx context.Context, ln net.Listener, hub *Hub, opts ServerOptions) error {
	logger := logging.Component(opts.Logger, "relay")
	srv := &http.Server{
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		mdns, err := Advertise(opts.Instance, opts.Service, port)
		if err != nil {
			level.Warn(logger).Log("msg", "mDNS advertisement failed", "err", err)
		} else {
			defer mdns.Shutdown()
			level.Info(logger).Log("msg", "advertising over mDNS", "service", opts.Service, "port", port)
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	level.Info(logger).Log("msg", "relay listening", "addr", ln.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay: shutdown: %w", err)
	}
	level.Info(logger).Log("msg", "relay stopped")
	return nil
}
