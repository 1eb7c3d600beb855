package protocol

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/peder1981/securecarrier/internal/crypto"
	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/metrics"
	"github.com/peder1981/securecarrier/internal/transport"
)

// Event is delivered to the application by a Dispatcher.
type Event interface {
	dispatched()
}

// ConnectionEvent reports a change of the channel state.
type ConnectionEvent struct {
	From, State transport.State
	Err         error
}

// ChatEvent carries a decrypted chat message.
type ChatEvent struct {
	Chat *Chat
}

// PresenceEvent carries a new presence snapshot.
type PresenceEvent struct {
	Presence *Presence
}

// NoticeEvent carries a frame the protocol does not understand.
type NoticeEvent struct {
	Text string
}

// ErrorEvent reports a dropped frame. Err wraps ErrProtocol for malformed
// envelopes, or crypto.ErrCrypto when the payload failed to decrypt.
type ErrorEvent struct {
	Err   error
	Frame []byte
}

func (*ConnectionEvent) dispatched() {}
func (*ChatEvent) dispatched()       {}
func (*PresenceEvent) dispatched()   {}
func (*NoticeEvent) dispatched()     {}
func (*ErrorEvent) dispatched()      {}

// Snapshotter receives every presence snapshot before it is dispatched.
type Snapshotter interface {
	Replace(users []User)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Roster  Snapshotter
	Buffer  int
	Logger  log.Logger
	Metrics *metrics.Metrics
}

// Dispatcher decodes channel events and delivers them, in order, on a
// single channel.
type Dispatcher struct {
	codec   *Codec
	roster  Snapshotter
	logger  log.Logger
	metrics *metrics.Metrics
	out     chan Event
}

func NewDispatcher(codec *Codec, opts DispatcherOptions) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 128
	}
	return &Dispatcher{
		codec:   codec,
		roster:  opts.Roster,
		logger:  logging.Component(opts.Logger, "dispatcher"),
		metrics: opts.Metrics,
		out:     make(chan Event, opts.Buffer),
	}
}

// Events returns the output channel. It is closed when Run returns.
func (d *Dispatcher) Events() <-chan Event {
	return d.out
}

// Run consumes in until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Event) {
	defer close(d.out)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			out := d.handle(ev)
			if out == nil {
				continue
			}
			select {
			case d.out <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) handle(ev transport.Event) Event {
	switch ev := ev.(type) {
	case *transport.StateChanged:
		return &ConnectionEvent{From: ev.From, State: ev.To, Err: ev.Err}
	case *transport.Frame:
		return d.decode(ev.Data)
	}
	level.Debug(d.logger).Log("msg", "unknown channel event", "event", ev)
	return nil
}

func (d *Dispatcher) decode(frame []byte) Event {
	msg, err := d.codec.Decode(frame)
	if err != nil {
		kind := "protocol"
		if !errors.Is(err, ErrProtocol) && errors.Is(err, crypto.ErrCrypto) {
			kind = "crypto"
		}
		d.metrics.DecodeError(kind)
		if kind == "crypto" {
			level.Warn(d.logger).Log("msg", "chat payload rejected", "err", err)
		} else {
			level.Debug(d.logger).Log("msg", "malformed envelope dropped", "err", err)
		}
		return &ErrorEvent{Err: err, Frame: frame}
	}
	switch m := msg.(type) {
	case *Chat:
		return &ChatEvent{Chat: m}
	case *Presence:
		if d.roster != nil {
			d.roster.Replace(m.Users)
		}
		return &PresenceEvent{Presence: m}
	case *Raw:
		return &NoticeEvent{Text: m.Text}
	}
	return nil
}
