// Package tracker follows calls through their lifecycle and closes the
// policy loop: every relevant signal becomes an event, the event's target
// state is handed to the resolver and the resulting decision is enforced.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/policy"
	"github.com/sweeney/telephony-policy/internal/wire"
)

// ErrUnknownCall is returned when a decision names a call id that is not
// registered.
var ErrUnknownCall = errors.New("unknown call")

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// CallRecorder is told about every call that is removed from the registry.
type CallRecorder interface {
	CallEnded(ctx context.Context, c *call.Call, ended time.Time) error
}

// Stats counts what the machine has processed since it was created.
type Stats struct {
	Signals            uint64
	DecodeErrors       uint64
	Ignored            uint64
	Cycles             uint64
	ResolverFailures   uint64
	EnforceFailures    uint64
	ProtocolViolations uint64
	TransportFailures  uint64
	CallRequests       uint64
	DeniedRequests     uint64
}

// Machine owns the call registry. All entry points are serialized by one
// mutex so a decision cycle always completes before the next event is
// looked at.
type Machine struct {
	mu        sync.Mutex
	registry  *call.Registry
	bridge    *policy.Bridge
	transport Transport
	decoder   *wire.Decoder
	recorder  CallRecorder
	clock     Clock
	logger    *slog.Logger
	stats     Stats

	selfID         string
	cellularPrefix string
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source for registrations and history records.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the machine logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithRecorder sets a recorder for finished calls.
func WithRecorder(r CallRecorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithSelfID sets the initiator id that marks locally initiated channels.
func WithSelfID(id string) Option {
	return func(m *Machine) { m.selfID = id }
}

// WithCellularPrefix sets the path prefix of cellular channels.
func WithCellularPrefix(prefix string) Option {
	return func(m *Machine) { m.cellularPrefix = prefix }
}

// New creates a Machine that asks bridge for decisions and enforces them
// through transport.
func New(bridge *policy.Bridge, transport Transport, opts ...Option) *Machine {
	m := &Machine{
		bridge:         bridge,
		transport:      transport,
		clock:          time.Now,
		logger:         slog.Default(),
		selfID:         wire.DefaultSelfID,
		cellularPrefix: call.DefaultCellularPrefix,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("subsystem", "tracker")
	m.decoder = wire.NewDecoder(m.selfID, wire.WithLogger(m.logger))
	m.registry = call.NewRegistry(
		call.WithClock(call.Clock(m.clock)),
		call.WithCellularPrefix(m.cellularPrefix),
		call.WithHooks(m.hook(policy.GoalFirstCallHook), m.hook(policy.GoalLastCallHook)),
		call.WithLogger(m.logger),
	)
	return m
}

func (m *Machine) hook(goal string) call.Hook {
	return func(ctx context.Context) {
		if err := m.bridge.RunHook(ctx, goal); err != nil {
			m.logger.Error("hook failed", "goal", goal, "error", err)
		}
	}
}

// HandleSignal decodes a raw bus signal and processes the result.
// Malformed signals are dropped and reported as an error wrapping
// wire.ErrMalformed.
func (m *Machine) HandleSignal(ctx context.Context, sig *dbus.Signal) error {
	signals, err := m.decoder.Decode(sig)
	if err != nil {
		m.mu.Lock()
		m.stats.DecodeErrors++
		m.mu.Unlock()
		return fmt.Errorf("decoding %s: %w", sig.Name, err)
	}

	var errs []error
	for _, s := range signals {
		errs = append(errs, m.Handle(ctx, s))
	}
	return errors.Join(errs...)
}

// Handle processes one decoded signal, running a decision cycle when the
// signal changes a call's state. The returned error describes a failed
// cycle; the machine itself stays usable.
func (m *Machine) Handle(ctx context.Context, sig wire.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Signals++
	evt, ok := m.event(sig)
	if !ok {
		m.stats.Ignored++
		return nil
	}
	return m.dispatch(ctx, evt)
}

// HandleCallRequest answers whether the call at req.Path may proceed.
// reply is called exactly once, before HandleCallRequest returns.
func (m *Machine) HandleCallRequest(ctx context.Context, req wire.CallRequest, reply func(allow bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.CallRequests++
	evt := &Event{
		Kind:      KindCallRequest,
		Path:      req.Path,
		Call:      m.registry.Lookup(req.Path),
		Direction: req.Direction,
		Reply:     reply,
	}
	if err := m.dispatch(ctx, evt); err != nil {
		m.logger.Error("call request", "path", call.ShortPath(req.Path), "serial", req.Serial, "error", err)
	}
	evt.reply(false)
}

// answerCallRequest allows a request for a known call after folding in its
// direction. It never starts a decision cycle.
func (m *Machine) answerCallRequest(ctx context.Context, evt *Event) error {
	c := evt.Call
	if c == nil {
		m.stats.DeniedRequests++
		m.logger.Warn("denying call request for unknown call", "path", call.ShortPath(evt.Path))
		evt.reply(false)
		return nil
	}

	if c.Direction == call.DirectionUnknown && evt.Direction != call.DirectionUnknown {
		c.Direction = evt.Direction
	}
	err := m.bridge.Update(ctx, c, policy.FieldDirection)
	m.logger.Info("allowing call request", "path", call.ShortPath(c.Path), "id", c.ID)
	evt.reply(true)
	if err != nil {
		return fmt.Errorf("updating direction: %w", err)
	}
	return nil
}

// event turns a decoded signal into an event, looking up the call it is
// about. It reports false for signals that do not affect any call.
func (m *Machine) event(sig wire.Signal) (*Event, bool) {
	path := sig.ObjectPath()
	c := m.registry.Lookup(path)
	evt := &Event{Path: path, Call: c}

	switch s := sig.(type) {
	case wire.NewChannel:
		evt.Kind = KindNewChannel
		evt.Sender = s.Sender
		evt.Peer = s.Peer
		evt.PeerHandle = s.PeerHandle
		evt.Direction = s.Direction
		evt.Members = s.Members
		return evt, true

	case wire.ChannelClosed:
		evt.Kind = KindChannelClosed

	case wire.CallEnded:
		evt.Kind = KindCallEnded

	case wire.MembersChanged:
		if c == nil {
			break
		}
		m.logger.Debug("members changed", "path", call.ShortPath(path),
			"added", s.Added, "removed", s.Removed,
			"local_pending", s.LocalPending, "remote_pending", s.RemotePending, "actor", s.Actor)
		kind, ok := ClassifyMembers(s, c)
		if !ok {
			switch {
			case s.LocalPending > 0:
				m.logger.Info("call is coming in", "path", call.ShortPath(path))
			case s.Removed > 0:
				m.logger.Info("call released locally", "path", call.ShortPath(path),
					"actor", s.Actor, "peer_handle", c.PeerHandle)
			}
			return nil, false
		}
		evt.Kind = kind

	case wire.HoldStateChanged:
		kind, ok := ClassifyHold(s)
		if !ok {
			m.logger.Info("hold state pending", "path", call.ShortPath(path), "state", s.State)
			return nil, false
		}
		evt.Kind = kind

	case wire.CallStateChanged:
		if c == nil {
			break
		}
		if c.IsConferenceRoot() || c.IsConferenceMember() {
			m.logger.Warn("call state change for conference call ignored", "path", call.ShortPath(path))
			return nil, false
		}
		kind, ok := ClassifyCallState(s, c)
		if !ok {
			return nil, false
		}
		evt.Kind = kind

	default:
		return nil, false
	}

	if evt.Kind == 0 || c == nil {
		m.logger.Debug("signal for unknown call", "path", call.ShortPath(path))
		return nil, false
	}
	return evt, true
}

// dispatch computes the target state of evt and runs the decision cycle.
func (m *Machine) dispatch(ctx context.Context, evt *Event) error {
	m.logger.Debug("event", "kind", evt.Kind, "path", call.ShortPath(evt.Path))

	switch evt.Kind {
	case KindCallRequest:
		return m.answerCallRequest(ctx, evt)

	case KindNewChannel:
		if evt.Call != nil {
			return m.updateDirection(ctx, evt)
		}
		if err := m.register(ctx, evt); err != nil {
			return err
		}

	case KindCallAccepted:
		if evt.Call.IsConferenceRoot() && evt.Call.State == call.StateActive {
			return nil
		}
		evt.State = call.StateActive

	case KindCallActivated:
		if evt.Call.IsConferenceMember() {
			return nil
		}
		evt.State = call.StateActive

	case KindCallHeld:
		evt.State = call.StateOnHold

	case KindChannelClosed, KindCallEnded:
		evt.State = call.StateDisconnected

	case KindCallPeerEnded:
		evt.State = call.StatePeerHangup

	default:
		return fmt.Errorf("unexpected event %s", evt.Kind)
	}

	if evt.Call == nil {
		return nil
	}
	return m.cycle(ctx, evt)
}

// register adds the call announced by a NewChannel event and folds its
// initial members into the conference.
func (m *Machine) register(ctx context.Context, evt *Event) error {
	c, err := m.registry.Register(ctx, evt.Path, evt.Sender, evt.Peer, evt.PeerHandle, evt.Members.Len() > 0)
	if err != nil {
		return fmt.Errorf("registering call: %w", err)
	}
	c.Direction = evt.Direction
	evt.Call = c
	if err := m.bridge.Export(ctx, c); err != nil {
		m.logger.Error("exporting call", "path", call.ShortPath(c.Path), "error", err)
	}

	if evt.Members.Len() > 0 {
		m.logger.Info("conference call", "path", call.ShortPath(c.Path), "members", evt.Members.Len())
	}
	for _, path := range evt.Members.Paths() {
		member := m.registry.Lookup(path)
		if member == nil {
			m.logger.Warn("unknown conference member", "conference", call.ShortPath(c.Path), "member", call.ShortPath(path))
			continue
		}
		member.JoinConference(c)
		member.State = call.StateConference
		if err := m.bridge.Update(ctx, member, policy.FieldState|policy.FieldParent); err != nil {
			m.logger.Error("updating conference member", "path", call.ShortPath(path), "error", err)
		}
	}

	if c.Direction == call.DirectionOutgoing {
		evt.State = call.StateCallout
	} else {
		evt.State = call.StateCreated
	}
	return nil
}

// updateDirection handles a NewChannel for a call we already track: the
// second announcement may carry a better direction.
func (m *Machine) updateDirection(ctx context.Context, evt *Event) error {
	c := evt.Call
	if evt.Direction == call.DirectionUnknown || evt.Direction == c.Direction {
		return nil
	}
	m.logger.Info("direction corrected", "path", call.ShortPath(c.Path), "from", c.Direction, "to", evt.Direction)
	c.Direction = evt.Direction
	return m.bridge.Update(ctx, c, policy.FieldDirection)
}

// cycle asks the resolver what to do about evt and enforces the answer.
// A failed request is logged and the cycle dropped; there is no fallback.
func (m *Machine) cycle(ctx context.Context, evt *Event) error {
	m.stats.Cycles++
	c := evt.Call

	if err := m.bridge.RequestDecision(ctx, c, evt.State); err != nil {
		m.stats.ResolverFailures++
		m.logger.Error("no policy decision", "event", evt.Kind, "path", call.ShortPath(c.Path), "error", err)
		return err
	}

	err := m.bridge.ApplyDecision(ctx, m.enforce(evt))
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrProtocolViolation):
		m.stats.ProtocolViolations++
		m.logger.Error("decision rejected", "event", evt.Kind, "error", err)
	case errors.Is(err, policy.ErrNoDecision):
		m.logger.Warn("resolver left no decision", "event", evt.Kind, "path", call.ShortPath(evt.Path))
		err = nil
	default:
		m.stats.EnforceFailures++
		m.logger.Error("enforcing decision", "event", evt.Kind, "path", call.ShortPath(evt.Path), "error", err)
	}

	if aerr := m.bridge.AudioUpdate(ctx); aerr != nil {
		m.logger.Error("audio update failed", "error", aerr)
	}
	return err
}

// Stats returns a copy of the counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Counts returns the number of live cellular and other calls.
func (m *Machine) Counts() (cellular, other int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Counts()
}

// CallView is a point-in-time copy of a call.
type CallView struct {
	ID         int       `json:"id"`
	Path       string    `json:"path"`
	Name       string    `json:"name,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	State      string    `json:"state"`
	Direction  string    `json:"direction"`
	Order      int       `json:"order,omitempty"`
	Conference int       `json:"conference,omitempty"`
	Root       bool      `json:"root,omitempty"`
	Started    time.Time `json:"started"`
}

// Calls returns the live calls in id order.
func (m *Machine) Calls() []CallView {
	m.mu.Lock()
	defer m.mu.Unlock()

	var views []CallView
	m.registry.ForEach(func(c *call.Call) {
		v := CallView{
			ID:        c.ID,
			Path:      c.Path,
			Name:      c.Name,
			Peer:      c.Peer,
			State:     c.State.String(),
			Direction: c.Direction.String(),
			Order:     c.Order,
			Root:      c.IsConferenceRoot(),
			Started:   c.Started,
		}
		if conf := c.Conference(); conf != nil {
			v.Conference = conf.ID
		}
		views = append(views, v)
	})
	return views
}

// Shutdown removes the facts of all live calls and empties the registry.
func (m *Machine) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.registry.Snapshot() {
		if err := m.bridge.Delete(ctx, c); err != nil {
			m.logger.Warn("removing call fact", "path", call.ShortPath(c.Path), "error", err)
		}
	}
	m.registry.Reset()
	m.logger.Info("tracker stopped")
}
