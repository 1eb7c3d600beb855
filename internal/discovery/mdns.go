package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grandcat/zeroconf"

	"github.com/peder1981/securecarrier/internal/logging"
)

const (
	// DefaultMDNSService is the service type a relay advertises.
	DefaultMDNSService = "_securecarrier._tcp"
	mdnsDomain         = "local."
)

// MDNSHints browses for relays advertising service and returns their
// addresses as scan candidates. Browsing failures yield no hints; the
// subnet sweep still runs.
func MDNSHints(service string, timeout time.Duration, logger log.Logger) Hinter {
	logger = logging.Component(logger, "mdns")
	if service == "" {
		service = DefaultMDNSService
	}
	return func(ctx context.Context) []string {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			level.Warn(logger).Log("msg", "cannot create resolver", "err", err)
			return nil
		}
		bctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry)
		if err := resolver.Browse(bctx, service, mdnsDomain, entries); err != nil {
			level.Warn(logger).Log("msg", "browse failed", "service", service, "err", err)
			return nil
		}
		var hints []string
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return hints
				}
				hints = append(hints, entryAddrs(entry)...)
			case <-bctx.Done():
				level.Debug(logger).Log("msg", "browse finished", "hints", len(hints))
				return hints
			}
		}
	}
}

func entryAddrs(entry *zeroconf.ServiceEntry) []string {
	if entry == nil || entry.Port <= 0 {
		return nil
	}
	addrs := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip.IsLoopback() {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	return addrs
}
