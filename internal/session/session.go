// Package session ties discovery, the request client, the realtime channel
// and the message protocol into the client an application drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/peder1981/securecarrier/internal/crypto"
	"github.com/peder1981/securecarrier/internal/discovery"
	"github.com/peder1981/securecarrier/internal/identity"
	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/metrics"
	"github.com/peder1981/securecarrier/internal/network"
	"github.com/peder1981/securecarrier/internal/presence"
	"github.com/peder1981/securecarrier/internal/protocol"
	"github.com/peder1981/securecarrier/internal/transport"
)

// Resolver locates the relay. *discovery.Service implements it.
type Resolver interface {
	Resolve(ctx context.Context) (discovery.Endpoint, error)
	Invalidate()
}

// Options wires a Session.
type Options struct {
	Resolver Resolver
	Keys     crypto.KeySupplier
	Identity identity.Supplier
	// Plaintext exchanges base64-only payloads with peers that never
	// encrypted. Keys is not consulted.
	Plaintext bool
	Channel   transport.ChannelOptions
	Network   network.Options
	Logger    log.Logger
	Metrics   *metrics.Metrics
}

// Session is one user's connection to the relay.
type Session struct {
	resolver Resolver
	keys     crypto.KeySupplier
	ident    identity.Supplier
	logger   log.Logger

	gateway    *crypto.AEAD
	codec      *protocol.Codec
	channel    *transport.Channel
	client     *network.Client
	roster     *presence.Roster
	dispatcher *protocol.Dispatcher

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Session and starts dispatching channel events.
func New(opts Options) (*Session, error) {
	if opts.Resolver == nil || opts.Identity == nil {
		return nil, errors.New("session: resolver and identity are required")
	}
	if opts.Keys == nil && !opts.Plaintext {
		return nil, errors.New("session: a key supplier is required")
	}
	opts.Channel.Logger = orLogger(opts.Channel.Logger, opts.Logger)
	opts.Channel.Metrics = orMetrics(opts.Channel.Metrics, opts.Metrics)
	opts.Network.Logger = orLogger(opts.Network.Logger, opts.Logger)

	gateway := crypto.NewAEAD()
	codec := protocol.NewCodec(gateway)
	codec.Plaintext = opts.Plaintext
	roster := presence.NewRoster()
	s := &Session{
		resolver: opts.Resolver,
		keys:     opts.Keys,
		ident:    opts.Identity,
		logger:   logging.Component(opts.Logger, "session"),
		gateway:  gateway,
		codec:    codec,
		channel:  transport.NewChannel(opts.Channel),
		client:   network.NewClient(opts.Resolver, opts.Network),
		roster:   roster,
		dispatcher: protocol.NewDispatcher(codec, protocol.DispatcherOptions{
			Roster:  roster,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		}),
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.dispatcher.Run(ctx, s.channel.Events())
	}()
	return s, nil
}

func orLogger(l, fallback log.Logger) log.Logger {
	if l != nil {
		return l
	}
	return fallback
}

func orMetrics(m, fallback *metrics.Metrics) *metrics.Metrics {
	if m != nil {
		return m
	}
	return fallback
}

// Connect installs the channel key, resolves the relay and opens the
// channel with a fresh token.
func (s *Session) Connect(ctx context.Context) error {
	if !s.codec.Plaintext {
		key, err := s.keys.Key(ctx)
		if err != nil {
			return fmt.Errorf("session: channel key: %w", err)
		}
		if err := s.gateway.InstallKey(key); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	ep, err := s.resolver.Resolve(ctx)
	if err != nil {
		level.Warn(s.logger).Log("msg", "relay not found", "err", err)
		return fmt.Errorf("session: %w: %w", discovery.ErrAddressUnresolved, err)
	}
	token, err := s.ident.Token()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := s.channel.Open(ctx, ep, token); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	level.Info(s.logger).Log("msg", "connected", "relay", ep.String(), "user", s.ident.UserID())
	return nil
}

// Reconnect forgets the cached relay, scans again and reopens the channel.
// Retry policy is left to the caller.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.channel.Close(); err != nil {
		level.Debug(s.logger).Log("msg", "close before reconnect", "err", err)
	}
	s.resolver.Invalidate()
	return s.Connect(ctx)
}

// SendChat encrypts body for recipient and queues it on the channel. sent
// is false when the channel is not open; the message is then not
// delivered and need not be recorded.
func (s *Session) SendChat(recipient string, body []byte) (msg *protocol.Chat, sent bool, err error) {
	from := protocol.User{ID: s.ident.UserID(), Name: s.ident.DisplayName()}
	msg, frame, err := s.codec.EncodeChat(from, recipient, body)
	if err != nil {
		return nil, false, err
	}
	return msg, s.channel.Send(frame), nil
}

// Events delivers connection changes, chats, presence snapshots, notices
// and dropped-frame errors in arrival order. It is closed by Close.
func (s *Session) Events() <-chan protocol.Event {
	return s.dispatcher.Events()
}

// Roster returns the latest presence snapshot holder.
func (s *Session) Roster() *presence.Roster {
	return s.roster
}

// State returns the channel state.
func (s *Session) State() transport.State {
	return s.channel.State()
}

// Health is the relay's /health answer.
type Health struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Clients   int    `json:"clients"`
}

// Stats is the relay's /stats answer.
type Stats struct {
	OnlineClients  int   `json:"online_clients"`
	QueuedMessages int   `json:"queued_messages"`
	Timestamp      int64 `json:"timestamp"`
}

// Health queries the relay over the request client.
func (s *Session) Health(ctx context.Context) (Health, error) {
	var h Health
	err := s.client.GetJSON(ctx, "/health", &h)
	return h, err
}

// Stats queries the relay's counters.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.client.GetJSON(ctx, "/stats", &st)
	return st, err
}

// Close stops dispatching and closes the channel. It does not wait for the
// application to read Events; events still pending are discarded. The
// resolver is left open; it belongs to the caller.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		stop := make(chan struct{})
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for {
				select {
				case <-s.channel.Events():
				case <-stop:
					return
				}
			}
		}()
		err = s.channel.Close()
		close(stop)
		<-drained
	})
	return err
}
