package wire

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/sweeney/telephony-policy/internal/call"
)

const channelPath = "/org/freedesktop/Telepathy/Connection/ring/tel/ring/channel0"

func newChannelsSignal(channels ...[]any) *dbus.Signal {
	return &dbus.Signal{
		Sender: ":1.42",
		Path:   "/org/freedesktop/Telepathy/Connection/ring/tel/ring",
		Name:   ConnectionRequests + "." + MemberNewChannels,
		Body:   []any{channels},
	}
}

func channel(path string, props map[string]dbus.Variant) []any {
	return []any{dbus.ObjectPath(path), props}
}

func mediaProps(extra map[string]any) map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		PropChannelType: dbus.MakeVariant(ChannelTypeMedia),
		PropTargetID:    dbus.MakeVariant("+358401234567"),
	}
	for k, v := range extra {
		props[k] = dbus.MakeVariant(v)
	}
	return props
}

func decodeOne(t *testing.T, d *Decoder, sig *dbus.Signal) Signal {
	t.Helper()
	sigs, err := d.Decode(sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(sigs))
	}
	return sigs[0]
}

func TestNewChannelsDirection(t *testing.T) {
	tests := []struct {
		name       string
		props      map[string]any
		want       call.Direction
		wantHandle uint32
	}{
		{"requested true", map[string]any{PropRequested: true, PropInitiatorHandle: uint32(7), PropTargetHandle: uint32(9)}, call.DirectionOutgoing, 9},
		{"requested false", map[string]any{PropRequested: false, PropInitiatorHandle: uint32(7), PropTargetHandle: uint32(9)}, call.DirectionIncoming, 7},
		{"requested wins over initiator", map[string]any{PropRequested: false, PropInitiatorID: DefaultSelfID}, call.DirectionIncoming, 0},
		{"initiator self", map[string]any{PropInitiatorID: DefaultSelfID, PropTargetHandle: uint32(3)}, call.DirectionOutgoing, 3},
		{"initiator other", map[string]any{PropInitiatorID: "+358409999999", PropInitiatorHandle: uint32(5)}, call.DirectionIncoming, 5},
		{"no hints", map[string]any{PropTargetHandle: uint32(4)}, call.DirectionUnknown, 4},
	}

	d := NewDecoder("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := newChannelsSignal(channel(channelPath, mediaProps(tt.props)))
			nc, ok := decodeOne(t, d, sig).(NewChannel)
			if !ok {
				t.Fatal("expected NewChannel")
			}
			if nc.Direction != tt.want {
				t.Errorf("expected direction %s, got %s", tt.want, nc.Direction)
			}
			if nc.PeerHandle != tt.wantHandle {
				t.Errorf("expected peer handle %d, got %d", tt.wantHandle, nc.PeerHandle)
			}
			if nc.Path != channelPath || nc.Sender != ":1.42" || nc.Peer != "+358401234567" {
				t.Errorf("unexpected channel fields: %+v", nc)
			}
		})
	}
}

func TestNewChannelsCustomSelfID(t *testing.T) {
	d := NewDecoder("me@example.com")
	sig := newChannelsSignal(channel(channelPath, mediaProps(map[string]any{PropInitiatorID: "me@example.com"})))
	if nc := decodeOne(t, d, sig).(NewChannel); nc.Direction != call.DirectionOutgoing {
		t.Fatalf("expected outgoing, got %s", nc.Direction)
	}
}

func TestNewChannelsIgnoresNonMedia(t *testing.T) {
	props := map[string]dbus.Variant{
		PropChannelType: dbus.MakeVariant("org.freedesktop.Telepathy.Channel.Type.Text"),
	}
	sigs, err := NewDecoder("").Decode(newChannelsSignal(channel(channelPath, props)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sigs) != 0 {
		t.Fatalf("expected no signals for text channel, got %d", len(sigs))
	}
}

func TestNewChannelsIgnoresUnknownProperties(t *testing.T) {
	props := mediaProps(map[string]any{"org.example.Whatever": int64(3)})
	decodeOne(t, NewDecoder(""), newChannelsSignal(channel(channelPath, props)))
}

func TestNewChannelsTypeMismatch(t *testing.T) {
	tests := []struct {
		name string
		prop string
		val  any
	}{
		{"channel type not string", PropChannelType, uint32(1)},
		{"target id not string", PropTargetID, int32(5)},
		{"requested not boolean", PropRequested, "yes"},
		{"initiator handle not uint32", PropInitiatorHandle, int32(5)},
		{"target handle not uint32", PropTargetHandle, "5"},
		{"initiator id not string", PropInitiatorID, true},
		{"members not path array", PropInitialMembers, []string{"/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := mediaProps(nil)
			props[tt.prop] = dbus.MakeVariant(tt.val)
			_, err := NewDecoder("").Decode(newChannelsSignal(channel(channelPath, props)))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestNewChannelsBadShape(t *testing.T) {
	d := NewDecoder("")
	bad := []*dbus.Signal{
		{Name: ConnectionRequests + "." + MemberNewChannels},
		{Name: ConnectionRequests + "." + MemberNewChannels, Body: []any{"nope"}},
		{Name: ConnectionRequests + "." + MemberNewChannels, Body: []any{[][]any{{"not a path", map[string]dbus.Variant{}}}}},
		{Name: ConnectionRequests + "." + MemberNewChannels, Body: []any{[][]any{{dbus.ObjectPath(channelPath), "props"}}}},
		{Name: ConnectionRequests + "." + MemberNewChannels, Body: []any{[][]any{{dbus.ObjectPath(channelPath)}}}},
	}
	for i, sig := range bad {
		if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
			t.Errorf("case %d: expected ErrMalformed, got %v", i, err)
		}
	}
}

func memberPaths(n int) []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, n)
	for i := range paths {
		paths[i] = dbus.ObjectPath(fmt.Sprintf("/call/%d", i+1))
	}
	return paths
}

func TestNewChannelsConferenceMembers(t *testing.T) {
	props := mediaProps(map[string]any{PropInitialMembers: memberPaths(MaxMembers)})
	nc := decodeOne(t, NewDecoder(""), newChannelsSignal(channel(channelPath, props))).(NewChannel)
	if nc.Members.Len() != MaxMembers {
		t.Fatalf("expected %d members, got %d", MaxMembers, nc.Members.Len())
	}
	if nc.Members.Paths()[0] != "/call/1" || nc.Members.Paths()[7] != "/call/8" {
		t.Errorf("unexpected member paths %v", nc.Members.Paths())
	}
}

func TestNewChannelsTooManyMembers(t *testing.T) {
	props := mediaProps(map[string]any{PropInitialMembers: memberPaths(MaxMembers + 1)})
	sigs, err := NewDecoder("").Decode(newChannelsSignal(channel(channelPath, props)))
	if !errors.Is(err, ErrTooManyMembers) || !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrTooManyMembers, got %v", err)
	}
	if sigs != nil {
		t.Fatalf("expected no truncated signal, got %v", sigs)
	}
}

func TestNewChannelsMultipleChannels(t *testing.T) {
	text := map[string]dbus.Variant{
		PropChannelType: dbus.MakeVariant("org.freedesktop.Telepathy.Channel.Type.Text"),
	}
	sig := newChannelsSignal(
		channel("/call/a", mediaProps(map[string]any{PropRequested: true})),
		channel("/call/b", text),
		channel("/call/c", mediaProps(map[string]any{PropRequested: false})),
	)
	sigs, err := NewDecoder("").Decode(sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sigs) != 2 || sigs[0].ObjectPath() != "/call/a" || sigs[1].ObjectPath() != "/call/c" {
		t.Fatalf("unexpected signals %+v", sigs)
	}
}

func TestNewChannelsAcceptsInterfaceSlices(t *testing.T) {
	sig := newChannelsSignal()
	sig.Body = []any{[]any{channel(channelPath, mediaProps(nil))}}
	decodeOne(t, NewDecoder(""), sig)
}

func TestLegacyNewChannel(t *testing.T) {
	d := NewDecoder("")
	sig := &dbus.Signal{
		Sender: ":1.7",
		Path:   "/org/freedesktop/Telepathy/Connection/ring/tel/ring",
		Name:   Connection + "." + MemberNewChannel,
		Body:   []any{dbus.ObjectPath(channelPath), ChannelTypeMedia, uint32(1), uint32(2), false},
	}
	nc := decodeOne(t, d, sig).(NewChannel)
	if nc.Path != channelPath || nc.Sender != ":1.7" || nc.Direction != call.DirectionUnknown {
		t.Fatalf("unexpected channel %+v", nc)
	}

	sig.Body[1] = "org.freedesktop.Telepathy.Channel.Type.Text"
	if sigs, err := d.Decode(sig); err != nil || len(sigs) != 0 {
		t.Fatalf("expected text channel to be ignored, got %v, %v", sigs, err)
	}

	sig.Body[0] = channelPath // plain string, not an object path
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestChannelClosed(t *testing.T) {
	d := NewDecoder("")
	sig := &dbus.Signal{Path: channelPath, Name: Channel + "." + MemberClosed}
	if cc := decodeOne(t, d, sig).(ChannelClosed); cc.Path != channelPath {
		t.Fatalf("unexpected path %s", cc.Path)
	}

	sig.Path = ""
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func membersChanged(added, removed, local, remote int, extra ...any) *dbus.Signal {
	handles := func(n int) []uint32 {
		h := make([]uint32, n)
		for i := range h {
			h[i] = uint32(i + 10)
		}
		return h
	}
	body := []any{"", handles(added), handles(removed), handles(local), handles(remote)}
	body = append(body, extra...)
	return &dbus.Signal{Path: channelPath, Name: ChannelGroup + "." + MemberMembersChanged, Body: body}
}

func TestMembersChanged(t *testing.T) {
	d := NewDecoder("")
	mc := decodeOne(t, d, membersChanged(1, 2, 3, 4, uint32(42), uint32(0))).(MembersChanged)
	want := MembersChanged{Path: channelPath, Added: 1, Removed: 2, LocalPending: 3, RemotePending: 4, Actor: 42}
	if mc != want {
		t.Fatalf("expected %+v, got %+v", want, mc)
	}

	mc = decodeOne(t, d, membersChanged(0, 1, 0, 0)).(MembersChanged)
	if mc.Actor != 0 {
		t.Fatalf("expected no actor, got %d", mc.Actor)
	}
}

func TestMembersChangedMalformed(t *testing.T) {
	d := NewDecoder("")
	sig := membersChanged(1, 0, 0, 0)
	sig.Body[3] = []int32{1}
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	sig = membersChanged(1, 0, 0, 0)
	sig.Body = sig.Body[:3]
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for short body, got %v", err)
	}

	sig = membersChanged(0, 1, 0, 0, uint32(42), uint32(0))
	sig.Body[0] = uint32(3)
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for a numeric reason, got %v", err)
	}
}

func TestMembersChangedMistypedActorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	d := NewDecoder("", WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	mc := decodeOne(t, d, membersChanged(0, 1, 0, 0, int32(42), uint32(0))).(MembersChanged)
	if mc.Actor != 0 || mc.Removed != 1 {
		t.Fatalf("unexpected %+v", mc)
	}
	if !strings.Contains(buf.String(), "actor has wrong type") || !strings.Contains(buf.String(), "type=int32") {
		t.Fatalf("expected a warning about the actor, got %q", buf.String())
	}

	buf.Reset()
	decodeOne(t, d, membersChanged(0, 1, 0, 0, uint32(42), uint32(0)))
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}

func TestHoldStateChanged(t *testing.T) {
	d := NewDecoder("")
	for _, state := range []HoldState{HoldUnheld, HoldHeld, HoldPendingHold, HoldPendingUnhold} {
		sig := &dbus.Signal{
			Path: channelPath,
			Name: ChannelHold + "." + MemberHoldStateChanged,
			Body: []any{uint32(state), uint32(1)},
		}
		hs := decodeOne(t, d, sig).(HoldStateChanged)
		if hs.State != state || hs.Reason != 1 {
			t.Errorf("expected state %s, got %+v", state, hs)
		}
	}
	if !HoldPendingHold.Pending() || HoldHeld.Pending() {
		t.Error("unexpected Pending() result")
	}

	bad := &dbus.Signal{Path: channelPath, Name: ChannelHold + "." + MemberHoldStateChanged, Body: []any{uint32(9), uint32(0)}}
	if _, err := d.Decode(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unknown state, got %v", err)
	}
	bad.Body = []any{"held", uint32(0)}
	if _, err := d.Decode(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for string state, got %v", err)
	}
}

func TestCallStateChanged(t *testing.T) {
	d := NewDecoder("")
	sig := &dbus.Signal{
		Path: channelPath,
		Name: ChannelCallState + "." + MemberCallStateChanged,
		Body: []any{uint32(3), CallStateHeld | 0x1},
	}
	cs := decodeOne(t, d, sig).(CallStateChanged)
	if !cs.Held() || cs.Contact != 3 {
		t.Fatalf("unexpected %+v", cs)
	}

	sig.Body = []any{uint32(3), uint32(0x1)}
	if decodeOne(t, d, sig).(CallStateChanged).Held() {
		t.Fatal("held bit should be clear")
	}

	sig.Body = []any{uint32(3)}
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestCallEnded(t *testing.T) {
	d := NewDecoder("")
	sig := &dbus.Signal{
		Path: TelephonyPath,
		Name: TelephonyInterface + "." + MemberCallEnded,
		Body: []any{channelPath, int32(0)},
	}
	if ce := decodeOne(t, d, sig).(CallEnded); ce.Path != channelPath {
		t.Fatalf("unexpected path %s", ce.Path)
	}

	sig.Body = []any{channelPath, uint32(0)}
	if _, err := d.Decode(sig); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnrelatedSignalsIgnored(t *testing.T) {
	d := NewDecoder("")
	for _, name := range []string{
		"org.freedesktop.DBus.NameOwnerChanged",
		Channel + ".Interface.Group.SelfHandleChanged",
		"NoInterface",
	} {
		sigs, err := d.Decode(&dbus.Signal{Name: name, Body: []any{"x"}})
		if err != nil || len(sigs) != 0 {
			t.Errorf("%s: expected nothing, got %v, %v", name, sigs, err)
		}
	}
	if sigs, err := d.Decode(nil); sigs != nil || err != nil {
		t.Error("nil signal should decode to nothing")
	}
}

func TestMembersOf(t *testing.T) {
	if _, err := MembersOf("/a", "/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	paths := make([]string, MaxMembers+1)
	if _, err := MembersOf(paths...); !errors.Is(err, ErrTooManyMembers) {
		t.Fatalf("expected ErrTooManyMembers, got %v", err)
	}
}
