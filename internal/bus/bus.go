// Package bus connects the tracker to D-Bus: it subscribes to the Telepathy
// channel signals, serves the policy CallRequest method and sends the
// requests that enforce decisions.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/tracker"
	"github.com/sweeney/telephony-policy/internal/wire"
)

// ErrSetup marks a failure to acquire the bus resources the daemon cannot
// run without. It is fatal.
var ErrSetup = errors.New("bus setup failed")

// Config selects the bus and the name and object we serve.
type Config struct {
	Type       string // "session" or "system"
	Service    string
	ObjectPath string
}

// Handler processes what arrives from the bus. Calls are never concurrent.
type Handler interface {
	HandleSignal(ctx context.Context, sig *dbus.Signal) error
	HandleCallRequest(ctx context.Context, req wire.CallRequest, reply func(allow bool))
}

// matches lists the signals we subscribe to.
var matches = []struct{ iface, member string }{
	{wire.Connection, wire.MemberNewChannel},
	{wire.ConnectionRequests, wire.MemberNewChannels},
	{wire.Channel, wire.MemberClosed},
	{wire.ChannelGroup, wire.MemberMembersChanged},
	{wire.ChannelHold, wire.MemberHoldStateChanged},
	{wire.ChannelCallState, wire.MemberCallStateChanged},
	{wire.TelephonyInterface, wire.MemberCallEnded},
}

type callRequest struct {
	req   wire.CallRequest
	reply chan bool
}

// Bus is a D-Bus connection serving the telephony policy interface.
type Bus struct {
	conn     *dbus.Conn
	path     dbus.ObjectPath
	signals  chan *dbus.Signal
	requests chan callRequest
	done     chan struct{}
	logger   *slog.Logger
}

var _ tracker.Transport = (*Bus)(nil)

// Dial connects to the configured bus, subscribes to the channel signals,
// claims the service name and exports the telephony object. Any failure
// wraps ErrSetup.
func Dial(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := Connect(cfg.Type)
	if err != nil {
		return nil, err
	}

	b := newBus(conn, cfg.ObjectPath, logger)
	if err := b.setup(cfg.Service); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Connect opens a private connection to the "system" or "session" bus.
func Connect(typ string) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch typ {
	case "system":
		conn, err = dbus.ConnectSystemBus()
	default:
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s bus: %v", ErrSetup, typ, err)
	}
	return conn, nil
}

// Subscribe adds match rules for every signal the tracker consumes.
func Subscribe(conn *dbus.Conn) error {
	for _, m := range matches {
		err := conn.AddMatchSignal(
			dbus.WithMatchInterface(m.iface),
			dbus.WithMatchMember(m.member),
		)
		if err != nil {
			return fmt.Errorf("%w: adding match for %s.%s: %v", ErrSetup, m.iface, m.member, err)
		}
	}
	return nil
}

func newBus(conn *dbus.Conn, path string, logger *slog.Logger) *Bus {
	if path == "" {
		path = wire.TelephonyPath
	}
	return &Bus{
		conn:     conn,
		path:     dbus.ObjectPath(path),
		signals:  make(chan *dbus.Signal, 64),
		requests: make(chan callRequest),
		done:     make(chan struct{}),
		logger:   logger.With("subsystem", "bus"),
	}
}

func (b *Bus) setup(service string) error {
	if err := Subscribe(b.conn); err != nil {
		return err
	}

	if service == "" {
		service = wire.TelephonyInterface
	}
	reply, err := b.conn.RequestName(service, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("%w: requesting name %s: %v", ErrSetup, service, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: name %s already taken", ErrSetup, service)
	}

	if err := b.conn.Export(&telephony{bus: b}, b.path, wire.TelephonyInterface); err != nil {
		return fmt.Errorf("%w: exporting %s: %v", ErrSetup, b.path, err)
	}
	node := introspect.Node{
		Name: string(b.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			telephonyIntrospection,
		},
	}
	if err := b.conn.Export(introspect.NewIntrospectable(&node), b.path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("%w: exporting introspection: %v", ErrSetup, err)
	}

	b.conn.Signal(b.signals)
	b.logger.Info("connected", "service", service, "path", b.path)
	return nil
}

// Serve feeds signals and call requests to h one at a time until ctx is
// done or the connection goes away.
func (b *Bus) Serve(ctx context.Context, h Handler) error {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return nil

		case sig, ok := <-b.signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			if err := h.HandleSignal(ctx, sig); err != nil {
				if errors.Is(err, wire.ErrMalformed) {
					b.logger.Warn("dropping signal", "signal", sig.Name, "path", call.ShortPath(string(sig.Path)), "error", err)
				} else {
					b.logger.Debug("signal not fully handled", "signal", sig.Name, "error", err)
				}
			}

		case r := <-b.requests:
			h.HandleCallRequest(ctx, r.req, func(allow bool) {
				select {
				case r.reply <- allow:
				default:
				}
			})
		}
	}
}

// Disconnect closes the bus connection.
func (b *Bus) Disconnect() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *Bus) Close(ctx context.Context, dest, path string) error {
	return b.send(ctx, dest, path, wire.Channel+"."+wire.MemberClose)
}

func (b *Bus) RequestHold(ctx context.Context, dest, path string, held bool) error {
	return b.send(ctx, dest, path, wire.ChannelHold+"."+wire.MemberRequestHold, held)
}

func (b *Bus) RingStart(_ context.Context, knocking bool) error {
	return b.conn.Emit(b.path, wire.TelephonyInterface+"."+wire.MemberRingStart, knocking)
}

func (b *Bus) RingStop(_ context.Context) error {
	return b.conn.Emit(b.path, wire.TelephonyInterface+"."+wire.MemberRingStop)
}

// send issues a method call without waiting for its reply.
func (b *Bus) send(ctx context.Context, dest, path, method string, args ...any) error {
	obj := b.conn.Object(dest, dbus.ObjectPath(path))
	c := obj.GoWithContext(ctx, method, dbus.FlagNoReplyExpected, nil, args...)
	if c.Err != nil {
		return fmt.Errorf("%s on %s: %w", method, call.ShortPath(path), c.Err)
	}
	b.logger.Debug("sent", "method", method, "dest", dest, "path", call.ShortPath(path))
	return nil
}
