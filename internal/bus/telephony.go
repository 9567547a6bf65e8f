package bus

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/wire"
)

// telephony is the object exported on the policy interface.
type telephony struct {
	bus *Bus
}

// CallRequest asks whether a call may proceed. It blocks until the serve
// loop has answered; a request arriving after the loop stopped is denied.
func (t *telephony) CallRequest(path string, incoming bool, serial int32) (bool, *dbus.Error) {
	dir := call.DirectionOutgoing
	if incoming {
		dir = call.DirectionIncoming
	}
	r := callRequest{
		req:   wire.CallRequest{Path: path, Direction: dir, Serial: serial},
		reply: make(chan bool, 1),
	}

	select {
	case t.bus.requests <- r:
	case <-t.bus.done:
		return false, nil
	}
	select {
	case allow := <-r.reply:
		return allow, nil
	case <-t.bus.done:
		return false, nil
	}
}

var telephonyIntrospection = introspect.Interface{
	Name: wire.TelephonyInterface,
	Methods: []introspect.Method{{
		Name: wire.MemberCallRequest,
		Args: []introspect.Arg{
			{Name: "path", Type: "s", Direction: "in"},
			{Name: "incoming", Type: "b", Direction: "in"},
			{Name: "serial", Type: "i", Direction: "in"},
			{Name: "allow", Type: "b", Direction: "out"},
		},
	}},
	Signals: []introspect.Signal{
		{Name: wire.MemberRingStart, Args: []introspect.Arg{{Name: "knocking", Type: "b"}}},
		{Name: wire.MemberRingStop},
		{Name: wire.MemberCallEnded, Args: []introspect.Arg{
			{Name: "path", Type: "s"},
			{Name: "reason", Type: "i"},
		}},
	},
}
