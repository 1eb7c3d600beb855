// Package discovery finds the relay server on the local /24 by probing
// every host for the well-known TCP port, and caches the first match.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/metrics"
)

const (
	DefaultPort         = 8080
	DefaultProbeTimeout = 2 * time.Second
	DefaultWorkers      = 32
)

// ErrDiscovery is the category every discovery failure wraps.
var ErrDiscovery = errors.New("discovery")

var (
	ErrNoLocalAddress = fmt.Errorf("%w: no local IPv4 address", ErrDiscovery)
	ErrNotFound       = fmt.Errorf("%w: no server found", ErrDiscovery)
	ErrClosed         = fmt.Errorf("%w: service closed", ErrDiscovery)
)

// ErrAddressUnresolved is returned by consumers that needed an endpoint and
// could not get one.
var ErrAddressUnresolved = errors.New("address unresolved")

// Prober tests whether addr accepts a connection within timeout.
type Prober interface {
	Probe(ctx context.Context, addr string, timeout time.Duration) error
}

// Hinter returns candidate "host:port" addresses to try before the sweep.
type Hinter func(ctx context.Context) []string

// Options configures a Service.
type Options struct {
	Port         int
	Scheme       string
	ProbeTimeout time.Duration
	// Workers bounds the number of probes in flight.
	Workers   int
	LocalAddr LocalAddrFunc
	Prober    Prober
	Hints     Hinter
	Logger    log.Logger
	Metrics   *metrics.Metrics
	// OnProbe is called after each finished probe of the sweep.
	OnProbe func(done, total int)
}

// Service resolves and caches the server Endpoint. Safe for concurrent use.
type Service struct {
	opts   Options
	logger log.Logger

	mu     sync.RWMutex
	cached *Endpoint

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Service with an empty cache.
func New(opts Options) (*Service, error) {
	if opts.Prober == nil {
		return nil, errors.New("discovery: prober is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.LocalAddr == nil {
		opts.LocalAddr = LocalIPv4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		logger: logging.Component(opts.Logger, "discovery"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Cached returns the cached Endpoint, if any.
func (s *Service) Cached() (Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return Endpoint{}, false
	}
	return *s.cached, true
}

// Resolve returns the cached Endpoint or scans the subnet for one. Only one
// scan runs at a time; concurrent callers share its outcome. ctx bounds how
// long this caller waits, not the shared scan.
func (s *Service) Resolve(ctx context.Context) (Endpoint, error) {
	if ep, ok := s.Cached(); ok {
		return ep, nil
	}
	ch := s.group.DoChan("scan", func() (interface{}, error) {
		return s.scan()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Endpoint{}, res.Err
		}
		return res.Val.(Endpoint), nil
	case <-ctx.Done():
		return Endpoint{}, ctx.Err()
	}
}

// Invalidate clears the cache; the next Resolve scans again.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	level.Debug(s.logger).Log("msg", "cache cleared")
}

// Close aborts any scan in flight. Cached values stay readable.
func (s *Service) Close() {
	s.cancel()
}

func (s *Service) scan() (Endpoint, error) {
	if ep, ok := s.Cached(); ok {
		return ep, nil
	}
	ctx := s.ctx
	if ctx.Err() != nil {
		return Endpoint{}, ErrClosed
	}
	ip, err := s.opts.LocalAddr()
	if err != nil {
		s.opts.Metrics.Scan("no_local_address")
		level.Warn(s.logger).Log("msg", "could not determine device address", "err", err)
		if errors.Is(err, ErrNoLocalAddress) {
			return Endpoint{}, err
		}
		return Endpoint{}, fmt.Errorf("%w: %v", ErrNoLocalAddress, err)
	}
	if ip.To4() == nil {
		s.opts.Metrics.Scan("no_local_address")
		level.Warn(s.logger).Log("msg", "device address is not IPv4", "device", ip)
		return Endpoint{}, fmt.Errorf("%w: %v is not an IPv4 address", ErrNoLocalAddress, ip)
	}

	port := strconv.Itoa(s.opts.Port)
	started := time.Now()
	level.Info(s.logger).Log("msg", "scanning subnet", "device", ip, "port", port, "workers", s.opts.Workers)

	seen := make(map[string]bool)
	var hints []string
	if s.opts.Hints != nil {
		for _, addr := range s.opts.Hints(ctx) {
			if !seen[addr] {
				seen[addr] = true
				hints = append(hints, addr)
			}
		}
	}
	var sweep []string
	for _, host := range subnetHosts(ip) {
		addr := net.JoinHostPort(host, port)
		if !seen[addr] {
			sweep = append(sweep, addr)
		}
	}

	addr, found := s.probeAll(ctx, hints, nil)
	if !found {
		addr, found = s.probeAll(ctx, sweep, s.opts.OnProbe)
	}
	if !found {
		if ctx.Err() != nil {
			return Endpoint{}, ErrClosed
		}
		s.opts.Metrics.Scan("not_found")
		level.Warn(s.logger).Log("msg", "no server found on subnet", "device", ip, "took", time.Since(started))
		return Endpoint{}, fmt.Errorf("%w on %s/24 port %s", ErrNotFound, ip.Mask(net.CIDRMask(24, 32)), port)
	}

	ep, err := s.endpoint(addr)
	if err != nil {
		return Endpoint{}, err
	}
	s.mu.Lock()
	s.cached = &ep
	s.mu.Unlock()
	s.opts.Metrics.Scan("found")
	level.Info(s.logger).Log("msg", "server found", "endpoint", ep.String(), "took", time.Since(started))
	return ep, nil
}

// probeAll probes addrs through a pool of Workers goroutines and returns the
// first address that accepts. A match cancels the probes still running and
// the ones not yet started.
func (s *Service) probeAll(parent context.Context, addrs []string, progress func(done, total int)) (string, bool) {
	if len(addrs) == 0 {
		return "", false
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	var (
		once   sync.Once
		winner string
		found  atomic.Bool
		done   atomic.Int64
	)
	total := len(addrs)
	for _, addr := range addrs {
		addr := addr
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := s.opts.Prober.Probe(gctx, addr, s.opts.ProbeTimeout)
			if progress != nil {
				progress(int(done.Add(1)), total)
			}
			if err != nil {
				if gctx.Err() != nil {
					s.opts.Metrics.Probe("cancelled")
				} else {
					s.opts.Metrics.Probe("refused")
				}
				return nil
			}
			s.opts.Metrics.Probe("accepted")
			once.Do(func() {
				winner = addr
				found.Store(true)
				cancel()
			})
			return nil
		})
	}
	g.Wait()
	return winner, found.Load()
}

func (s *Service) endpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad candidate %q: %v", ErrDiscovery, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad candidate port %q", ErrDiscovery, addr)
	}
	return Endpoint{Scheme: s.opts.Scheme, Host: host, Port: port}, nil
}
