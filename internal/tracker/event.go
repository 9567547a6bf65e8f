package tracker

import (
	"fmt"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/wire"
)

// Kind identifies what happened to a call.
type Kind int

const (
	KindNewChannel Kind = iota + 1
	KindChannelClosed
	KindCallRequest
	KindCallEnded
	KindCallPeerEnded
	KindCallAccepted
	KindCallHeld
	KindCallActivated
)

var kindNames = map[Kind]string{
	KindNewChannel:    "new-channel",
	KindChannelClosed: "channel-closed",
	KindCallRequest:   "call-request",
	KindCallEnded:     "call-ended",
	KindCallPeerEnded: "call-peer-ended",
	KindCallAccepted:  "call-accepted",
	KindCallHeld:      "call-held",
	KindCallActivated: "call-activated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one step of a call's lifecycle, derived from a wire signal.
type Event struct {
	Kind  Kind
	Path  string
	Call  *call.Call // nil until the call is registered
	State call.State // target state, computed during dispatch

	// NewChannel payload.
	Sender     string
	Peer       string
	PeerHandle uint32
	Members    wire.Members

	// NewChannel and CallRequest payload.
	Direction call.Direction

	// Reply answers a pending CallRequest. Nil when nothing is pending.
	Reply func(allow bool)
}

// reply answers the pending CallRequest, at most once.
func (e *Event) reply(allow bool) {
	if e.Reply != nil {
		e.Reply(allow)
		e.Reply = nil
	}
}

// ClassifyMembers derives an event from a Group membership delta of c.
// Removals are only attributed to the peer when the peer is the actor and
// c is not part of a conference; anything else is left to the Closed
// signal.
func ClassifyMembers(m wire.MembersChanged, c *call.Call) (Kind, bool) {
	noPending := m.LocalPending == 0 && m.RemotePending == 0
	switch {
	case m.Added > 0 && noPending:
		return KindCallAccepted, true
	case m.LocalPending > 0:
		return 0, false
	case m.Removed > 0 && noPending:
		if c != nil && m.Actor != 0 && m.Actor == c.PeerHandle &&
			!c.IsConferenceRoot() && !c.IsConferenceMember() {
			return KindCallPeerEnded, true
		}
	}
	return 0, false
}

// ClassifyHold derives an event from an explicit hold state change.
// Pending states produce nothing.
func ClassifyHold(h wire.HoldStateChanged) (Kind, bool) {
	if h.State.Pending() {
		return 0, false
	}
	switch h.State {
	case wire.HoldHeld:
		return KindCallHeld, true
	case wire.HoldUnheld:
		return KindCallActivated, true
	default:
		return 0, false
	}
}

// ClassifyCallState derives an event from a CallState flag change of c.
// Conference calls never produce one.
func ClassifyCallState(s wire.CallStateChanged, c *call.Call) (Kind, bool) {
	if c == nil || c.IsConferenceRoot() || c.IsConferenceMember() {
		return 0, false
	}
	switch {
	case !s.Held() && c.State == call.StateOnHold:
		return KindCallActivated, true
	case s.Held() && c.State == call.StateActive:
		return KindCallHeld, true
	default:
		return 0, false
	}
}
