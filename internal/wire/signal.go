package wire

import (
	"errors"
	"fmt"

	"github.com/sweeney/telephony-policy/internal/call"
)

// D-Bus names of the Telepathy and policy interfaces we talk to.
const (
	TelephonyInterface = "com.nokia.policy.telephony"
	TelephonyPath      = "/com/nokia/policy/telephony"

	Connection         = "org.freedesktop.Telepathy.Connection"
	ConnectionRequests = "org.freedesktop.Telepathy.Connection.Interface.Requests"
	Channel            = "org.freedesktop.Telepathy.Channel"
	ChannelGroup       = "org.freedesktop.Telepathy.Channel.Interface.Group"
	ChannelHold        = "org.freedesktop.Telepathy.Channel.Interface.Hold"
	ChannelCallState   = "org.freedesktop.Telepathy.Channel.Interface.CallState"
	ChannelTypeMedia   = "org.freedesktop.Telepathy.Channel.Type.StreamedMedia"

	MemberNewChannel       = "NewChannel"
	MemberNewChannels      = "NewChannels"
	MemberClosed           = "Closed"
	MemberMembersChanged   = "MembersChanged"
	MemberHoldStateChanged = "HoldStateChanged"
	MemberCallStateChanged = "CallStateChanged"
	MemberCallEnded        = "CallEnded"
	MemberCallRequest      = "CallRequest"
	MemberRequestHold      = "RequestHold"
	MemberClose            = "Close"
	MemberRingStart        = "RingStart"
	MemberRingStop         = "RingStop"
)

// Channel properties carried by NewChannels.
const (
	PropChannelType     = Channel + ".ChannelType"
	PropTargetID        = Channel + ".TargetID"
	PropRequested       = Channel + ".Requested"
	PropInitiatorHandle = Channel + ".InitiatorHandle"
	PropTargetHandle    = Channel + ".TargetHandle"
	PropInitiatorID     = Channel + ".InitiatorID"
	PropInitialMembers  = Channel + ".Interface.Conference.InitialChannels"
)

// DefaultSelfID is the initiator id the connection managers report for
// locally initiated channels.
const DefaultSelfID = "<SelfHandle>"

var (
	// ErrMalformed marks a signal whose payload does not have the
	// expected shape. The signal is dropped.
	ErrMalformed = errors.New("malformed signal")

	// ErrTooManyMembers is returned when a conference lists more than
	// MaxMembers initial members.
	ErrTooManyMembers = fmt.Errorf("%w: too many conference members", ErrMalformed)
)

// Signal is a decoded, type-checked inbound signal.
type Signal interface {
	// ObjectPath is the channel the signal is about.
	ObjectPath() string
}

// NewChannel announces a new media channel.
type NewChannel struct {
	Path       string
	Sender     string
	Peer       string
	PeerHandle uint32
	Direction  call.Direction
	Members    Members // non-empty for conference channels
}

// ChannelClosed reports that a channel is gone.
type ChannelClosed struct {
	Path string
}

// CallEnded is the policy interface's notice that a call was released.
type CallEnded struct {
	Path string
}

// MembersChanged carries the sizes of a Group membership delta.
type MembersChanged struct {
	Path          string
	Added         int
	Removed       int
	LocalPending  int
	RemotePending int
	Actor         uint32 // 0 when absent
}

// HoldState is the Telepathy hold state of a channel.
type HoldState uint32

const (
	HoldUnheld HoldState = iota
	HoldHeld
	HoldPendingHold
	HoldPendingUnhold
)

func (h HoldState) String() string {
	switch h {
	case HoldUnheld:
		return "unheld"
	case HoldHeld:
		return "held"
	case HoldPendingHold:
		return "pending-hold"
	case HoldPendingUnhold:
		return "pending-unhold"
	default:
		return fmt.Sprintf("hold-state(%d)", uint32(h))
	}
}

// Pending reports whether a hold transition is still in progress.
func (h HoldState) Pending() bool {
	return h == HoldPendingHold || h == HoldPendingUnhold
}

// HoldStateChanged reports a new hold state.
type HoldStateChanged struct {
	Path   string
	State  HoldState
	Reason uint32
}

// CallStateHeld is the held bit of the CallState flag word.
const CallStateHeld uint32 = 0x4

// CallStateChanged reports the call state flags of a contact.
type CallStateChanged struct {
	Path    string
	Contact uint32
	Flags   uint32
}

// Held reports whether the held flag is set.
func (c CallStateChanged) Held() bool {
	return c.Flags&CallStateHeld != 0
}

// CallRequest asks whether a call may proceed.
type CallRequest struct {
	Path      string
	Direction call.Direction
	Serial    int32
}

func (s NewChannel) ObjectPath() string       { return s.Path }
func (s ChannelClosed) ObjectPath() string    { return s.Path }
func (s CallEnded) ObjectPath() string        { return s.Path }
func (s MembersChanged) ObjectPath() string   { return s.Path }
func (s HoldStateChanged) ObjectPath() string { return s.Path }
func (s CallStateChanged) ObjectPath() string { return s.Path }
func (s CallRequest) ObjectPath() string      { return s.Path }

// MaxMembers bounds the number of initial conference members.
const MaxMembers = 8

// Members is a bounded list of conference member paths.
type Members struct {
	paths []string
}

// Append adds a member path, failing once MaxMembers is reached.
func (m *Members) Append(path string) error {
	if len(m.paths) >= MaxMembers {
		return ErrTooManyMembers
	}
	m.paths = append(m.paths, path)
	return nil
}

// Paths returns a copy of the member paths.
func (m Members) Paths() []string {
	out := make([]string, len(m.paths))
	copy(out, m.paths)
	return out
}

// Len returns the number of members.
func (m Members) Len() int {
	return len(m.paths)
}

// MembersOf builds a Members list from paths.
func MembersOf(paths ...string) (Members, error) {
	var m Members
	for _, p := range paths {
		if err := m.Append(p); err != nil {
			return Members{}, err
		}
	}
	return m, nil
}
