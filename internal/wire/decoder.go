package wire

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/sweeney/telephony-policy/internal/call"
)

// Decoder turns raw bus signals into typed Signals.
type Decoder struct {
	selfID string
	logger *slog.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used for payload oddities that do not make a
// signal malformed.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder creates a Decoder. selfID is the initiator id that marks a
// locally initiated channel.
func NewDecoder(selfID string, opts ...Option) *Decoder {
	if selfID == "" {
		selfID = DefaultSelfID
	}
	d := &Decoder{selfID: selfID, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("subsystem", "decoder")
	return d
}

// Decode parses sig. It returns no signals and a nil error for signals
// that are not ours or concern non-media channels, and an error wrapping
// ErrMalformed when the payload does not type-check.
func (d *Decoder) Decode(sig *dbus.Signal) ([]Signal, error) {
	if sig == nil {
		return nil, nil
	}
	iface, member := SplitName(sig.Name)
	path := string(sig.Path)

	switch {
	case iface == ConnectionRequests && member == MemberNewChannels:
		return d.newChannels(sig)
	case iface == Connection && member == MemberNewChannel:
		return d.newChannel(sig)
	case iface == Channel && member == MemberClosed:
		if path == "" {
			return nil, malformed(member, "missing object path")
		}
		return []Signal{ChannelClosed{Path: path}}, nil
	case iface == ChannelGroup && member == MemberMembersChanged:
		return one(d.membersChanged(path, sig.Body))
	case iface == ChannelHold && member == MemberHoldStateChanged:
		return one(decodeHoldStateChanged(path, sig.Body))
	case iface == ChannelCallState && member == MemberCallStateChanged:
		return one(decodeCallStateChanged(path, sig.Body))
	case iface == TelephonyInterface && member == MemberCallEnded:
		return one(decodeCallEnded(sig.Body))
	default:
		return nil, nil
	}
}

// SplitName splits a fully qualified member name into interface and member.
func SplitName(name string) (iface, member string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func one[S Signal](s S, err error) ([]Signal, error) {
	if err != nil {
		return nil, err
	}
	return []Signal{s}, nil
}

func malformed(member, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, member, fmt.Sprintf(format, args...))
}

func arg[T any](member string, body []any, i int) (T, error) {
	var zero T
	if i >= len(body) {
		return zero, malformed(member, "missing argument %d", i)
	}
	v, ok := body[i].(T)
	if !ok {
		return zero, malformed(member, "argument %d has type %T, want %T", i, body[i], zero)
	}
	return v, nil
}

func (d *Decoder) newChannel(sig *dbus.Signal) ([]Signal, error) {
	path, err := arg[dbus.ObjectPath](MemberNewChannel, sig.Body, 0)
	if err != nil {
		return nil, err
	}
	typ, err := arg[string](MemberNewChannel, sig.Body, 1)
	if err != nil {
		return nil, err
	}
	if typ != ChannelTypeMedia {
		return nil, nil
	}
	return []Signal{NewChannel{Path: string(path), Sender: sig.Sender}}, nil
}

// channelProps collects the properties of one announced channel.
type channelProps struct {
	channelType  string
	peer         string
	requested    *bool
	initiatorID  *string
	initHandle   uint32
	targetHandle uint32
	members      Members
}

func (d *Decoder) newChannels(sig *dbus.Signal) ([]Signal, error) {
	if len(sig.Body) != 1 {
		return nil, malformed(MemberNewChannels, "expected 1 argument, got %d", len(sig.Body))
	}
	channels, ok := structList(sig.Body[0])
	if !ok {
		return nil, malformed(MemberNewChannels, "argument has type %T, want a(oa{sv})", sig.Body[0])
	}

	var out []Signal
	for i, ch := range channels {
		if len(ch) != 2 {
			return nil, malformed(MemberNewChannels, "channel %d has %d fields, want 2", i, len(ch))
		}
		path, ok := ch[0].(dbus.ObjectPath)
		if !ok {
			return nil, malformed(MemberNewChannels, "channel %d path has type %T", i, ch[0])
		}
		props, ok := ch[1].(map[string]dbus.Variant)
		if !ok {
			return nil, malformed(MemberNewChannels, "channel %d properties have type %T", i, ch[1])
		}

		p, err := decodeChannelProps(props)
		if err != nil {
			return nil, err
		}
		if p.channelType != ChannelTypeMedia {
			continue
		}

		nc := NewChannel{
			Path:      string(path),
			Sender:    sig.Sender,
			Peer:      p.peer,
			Direction: d.direction(p),
			Members:   p.members,
		}
		if nc.Direction == call.DirectionIncoming {
			nc.PeerHandle = p.initHandle
		} else {
			nc.PeerHandle = p.targetHandle
		}
		out = append(out, nc)
	}
	return out, nil
}

func (d *Decoder) direction(p channelProps) call.Direction {
	switch {
	case p.requested != nil && *p.requested:
		return call.DirectionOutgoing
	case p.requested != nil:
		return call.DirectionIncoming
	case p.initiatorID != nil && *p.initiatorID == d.selfID:
		return call.DirectionOutgoing
	case p.initiatorID != nil:
		return call.DirectionIncoming
	default:
		return call.DirectionUnknown
	}
}

func decodeChannelProps(props map[string]dbus.Variant) (channelProps, error) {
	var p channelProps
	for name, v := range props {
		var err error
		switch name {
		case PropChannelType:
			p.channelType, err = variant[string](name, v, "s")
		case PropTargetID:
			p.peer, err = variant[string](name, v, "s")
		case PropRequested:
			var b bool
			if b, err = variant[bool](name, v, "b"); err == nil {
				p.requested = &b
			}
		case PropInitiatorID:
			var s string
			if s, err = variant[string](name, v, "s"); err == nil {
				p.initiatorID = &s
			}
		case PropInitiatorHandle:
			p.initHandle, err = variant[uint32](name, v, "u")
		case PropTargetHandle:
			p.targetHandle, err = variant[uint32](name, v, "u")
		case PropInitialMembers:
			var paths []dbus.ObjectPath
			if paths, err = variant[[]dbus.ObjectPath](name, v, "ao"); err != nil {
				break
			}
			for _, mp := range paths {
				if err = p.members.Append(string(mp)); err != nil {
					err = fmt.Errorf("%w: %d members listed", err, len(paths))
					break
				}
			}
		}
		if err != nil {
			return channelProps{}, err
		}
	}
	return p, nil
}

func variant[T any](prop string, v dbus.Variant, sig string) (T, error) {
	var zero T
	if got := v.Signature().String(); got != sig {
		return zero, malformed(MemberNewChannels, "property %s has type %q, want %q", prop, got, sig)
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, malformed(MemberNewChannels, "property %s holds %T, want %T", prop, v.Value(), zero)
	}
	return val, nil
}

// structList accepts the shapes godbus produces for an array of structs.
func structList(v any) ([][]any, bool) {
	switch a := v.(type) {
	case [][]any:
		return a, true
	case []any:
		out := make([][]any, 0, len(a))
		for _, e := range a {
			s, ok := e.([]any)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func (d *Decoder) membersChanged(path string, body []any) (MembersChanged, error) {
	m := MembersChanged{Path: path}
	if path == "" {
		return m, malformed(MemberMembersChanged, "missing object path")
	}
	// The human readable reason is checked but not kept.
	if _, err := arg[string](MemberMembersChanged, body, 0); err != nil {
		return m, fmt.Errorf("reason: %w", err)
	}
	counts := []*int{&m.Added, &m.Removed, &m.LocalPending, &m.RemotePending}
	names := []string{"added", "removed", "local pending", "remote pending"}
	for i, dst := range counts {
		handles, err := arg[[]uint32](MemberMembersChanged, body, i+1)
		if err != nil {
			return m, fmt.Errorf("%s array: %w", names[i], err)
		}
		*dst = len(handles)
	}
	// The actor is optional. A mistyped one is read as unknown, which
	// makes a removal look local.
	if len(body) > 5 {
		actor, ok := body[5].(uint32)
		if !ok {
			d.logger.Warn("members changed actor has wrong type, treating as unknown",
				"path", call.ShortPath(path), "type", fmt.Sprintf("%T", body[5]))
		}
		m.Actor = actor
	}
	return m, nil
}

func decodeHoldStateChanged(path string, body []any) (HoldStateChanged, error) {
	h := HoldStateChanged{Path: path}
	if path == "" {
		return h, malformed(MemberHoldStateChanged, "missing object path")
	}
	state, err := arg[uint32](MemberHoldStateChanged, body, 0)
	if err != nil {
		return h, err
	}
	reason, err := arg[uint32](MemberHoldStateChanged, body, 1)
	if err != nil {
		return h, err
	}
	if state > uint32(HoldPendingUnhold) {
		return h, malformed(MemberHoldStateChanged, "unknown hold state %d", state)
	}
	h.State = HoldState(state)
	h.Reason = reason
	return h, nil
}

func decodeCallStateChanged(path string, body []any) (CallStateChanged, error) {
	c := CallStateChanged{Path: path}
	if path == "" {
		return c, malformed(MemberCallStateChanged, "missing object path")
	}
	contact, err := arg[uint32](MemberCallStateChanged, body, 0)
	if err != nil {
		return c, err
	}
	flags, err := arg[uint32](MemberCallStateChanged, body, 1)
	if err != nil {
		return c, err
	}
	c.Contact = contact
	c.Flags = flags
	return c, nil
}

func decodeCallEnded(body []any) (CallEnded, error) {
	path, err := arg[string](MemberCallEnded, body, 0)
	if err != nil {
		return CallEnded{}, err
	}
	if _, err := arg[int32](MemberCallEnded, body, 1); err != nil {
		return CallEnded{}, err
	}
	return CallEnded{Path: path}, nil
}
