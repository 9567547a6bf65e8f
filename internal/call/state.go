package call

import "time"

// State is the policy-visible lifecycle state of a call.
type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StatePeerHangup
	StateCreated
	StateCallout
	StateActive
	StateOnHold
	StateAutoHold
	StateConference
)

var stateNames = map[State]string{
	StateUnknown:      "unknown",
	StateDisconnected: "disconnected",
	StatePeerHangup:   "peerhangup",
	StateCreated:      "created",
	StateCallout:      "callout",
	StateActive:       "active",
	StateOnHold:       "onhold",
	StateAutoHold:     "autohold",
	StateConference:   "conference",
}

// String returns the name the policy rules know the state by.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return stateNames[StateUnknown]
}

// Direction tells who initiated a call.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Call is one tracked phone or VoIP conversation.
type Call struct {
	Path       string // channel object path, unique
	Name       string // bus name of the channel owner
	Peer       string
	PeerHandle uint32
	ID         int
	State      State
	Direction  Direction
	Order      int    // autohold sequence, 0 when not autoheld
	Fact       string // fact store handle, empty until exported
	Started    time.Time

	root   bool
	parent *Call
}

// IsConferenceRoot reports whether the call aggregates other calls.
func (c *Call) IsConferenceRoot() bool {
	return c != nil && c.root
}

// IsConferenceMember reports whether the call is folded into a conference.
func (c *Call) IsConferenceMember() bool {
	return c != nil && c.parent != nil
}

// Conference returns the root the call belongs to. A root returns itself,
// a plain call returns nil.
func (c *Call) Conference() *Call {
	switch {
	case c == nil:
		return nil
	case c.root:
		return c
	default:
		return c.parent
	}
}

// JoinConference makes c a member of root.
func (c *Call) JoinConference(root *Call) {
	if root == c {
		c.root = true
		c.parent = nil
		return
	}
	c.root = false
	c.parent = root
}

// LeaveConference clears any conference relation.
func (c *Call) LeaveConference() {
	c.root = false
	c.parent = nil
}
