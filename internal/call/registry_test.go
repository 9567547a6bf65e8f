package call

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for i, path := range []string{"/call/1", "/call/2", "/call/3"} {
		c, err := r.Register(ctx, path, ":1.10", "peer", 0, false)
		if err != nil {
			t.Fatalf("register %s: %v", path, err)
		}
		if c.ID != i+1 {
			t.Errorf("expected id %d for %s, got %d", i+1, path, c.ID)
		}
		if c.State != StateUnknown {
			t.Errorf("expected state unknown, got %s", c.State)
		}
	}

	// Ids are never reused after unregistration.
	if err := r.Unregister(ctx, "/call/3"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	c, err := r.Register(ctx, "/call/3", ":1.10", "peer", 0, false)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if c.ID != 4 {
		t.Errorf("expected id 4 after re-register, got %d", c.ID)
	}
}

func TestRegisterRejectsEmptyAndDuplicatePaths(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	if _, err := r.Register(ctx, "", "", "", 0, false); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := r.Register(ctx, "/call/1", "", "", 0, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Register(ctx, "/call/1", "", "", 0, false); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 live call, got %d", r.Len())
	}
}

func TestPathUniquenessAcrossSequences(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	ops := []struct {
		register bool
		path     string
	}{
		{true, "/a"}, {true, "/b"}, {false, "/a"}, {true, "/a"}, {true, "/b"},
		{false, "/b"}, {false, "/b"}, {true, "/b"}, {true, "/c"}, {false, "/a"},
	}
	for _, op := range ops {
		if op.register {
			r.Register(ctx, op.path, "", "", 0, false)
		} else {
			r.Unregister(ctx, op.path)
		}

		seen := map[string]bool{}
		r.ForEach(func(c *Call) {
			if seen[c.Path] {
				t.Fatalf("path %s registered twice", c.Path)
			}
			seen[c.Path] = true
		})
		if len(seen) != r.Len() {
			t.Fatalf("count mismatch: %d calls iterated, Len()=%d", len(seen), r.Len())
		}
	}
}

func TestUnregisterUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.Unregister(context.Background(), "/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHooksFireOnZeroCrossings(t *testing.T) {
	var first, last int
	r := NewRegistry(WithHooks(
		func(context.Context) { first++ },
		func(context.Context) { last++ },
	))
	ctx := context.Background()

	r.Register(ctx, "/a", "", "", 0, false)
	r.Register(ctx, "/b", "", "", 0, false)
	if first != 1 || last != 0 {
		t.Fatalf("after two registrations: first=%d last=%d", first, last)
	}

	r.Unregister(ctx, "/a")
	if last != 0 {
		t.Fatalf("last call hook ran with a call still live")
	}
	r.Unregister(ctx, "/b")
	if last != 1 {
		t.Fatalf("expected last call hook once, got %d", last)
	}

	r.Register(ctx, "/c", "", "", 0, false)
	if first != 2 {
		t.Fatalf("expected first call hook to run again, got %d", first)
	}
}

func TestCellularClassification(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	r.Register(ctx, DefaultCellularPrefix+"/tel/ring/channel0", "", "", 0, false)
	r.Register(ctx, "/org/freedesktop/Telepathy/Connection/gabble/jabber/x/channel1", "", "", 0, false)
	r.Register(ctx, "/org/freedesktop/Telepathy/Connection/sofiasip/sip/x/channel2", "", "", 0, false)

	cs, ip := r.Counts()
	if cs != 1 || ip != 2 {
		t.Fatalf("expected 1 cellular and 2 other calls, got %d and %d", cs, ip)
	}

	r.Unregister(ctx, DefaultCellularPrefix+"/tel/ring/channel0")
	cs, ip = r.Counts()
	if cs != 0 || ip != 2 {
		t.Fatalf("expected 0 cellular and 2 other calls, got %d and %d", cs, ip)
	}
}

func TestFindByIDAndLookup(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	a, _ := r.Register(ctx, "/a", "", "", 0, false)
	b, _ := r.Register(ctx, "/b", "", "", 0, false)

	if r.FindByID(b.ID) != b || r.FindByID(a.ID) != a {
		t.Fatal("FindByID returned the wrong call")
	}
	if r.FindByID(99) != nil {
		t.Fatal("expected nil for unknown id")
	}
	if r.Lookup("/a") != a || r.Lookup("") != nil || r.Lookup("/x") != nil {
		t.Fatal("Lookup returned the wrong call")
	}
}

func TestConferenceRelationIsExclusive(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	root, _ := r.Register(ctx, "/conf", "", "", 0, true)
	member, _ := r.Register(ctx, "/m", "", "", 0, false)

	if !root.IsConferenceRoot() || root.IsConferenceMember() {
		t.Fatal("conference registration should produce a root")
	}
	if root.Conference() != root {
		t.Fatal("root should resolve to itself")
	}
	if member.IsConferenceRoot() || member.IsConferenceMember() || member.Conference() != nil {
		t.Fatal("plain call has a conference relation")
	}

	member.JoinConference(root)
	if !member.IsConferenceMember() || member.IsConferenceRoot() {
		t.Fatal("member flags wrong after joining")
	}
	if member.Conference() != root {
		t.Fatal("member should resolve to root")
	}

	// A root folded into another conference stops being a root.
	other, _ := r.Register(ctx, "/conf2", "", "", 0, true)
	other.JoinConference(root)
	if other.IsConferenceRoot() && other.IsConferenceMember() {
		t.Fatal("call is both root and member")
	}

	member.LeaveConference()
	if member.IsConferenceMember() || member.Conference() != nil {
		t.Fatal("member flags wrong after leaving")
	}
}

func TestNextHoldOrder(t *testing.T) {
	r := NewRegistry()
	for want := 1; want <= 3; want++ {
		if got := r.NextHoldOrder(); got != want {
			t.Fatalf("expected hold order %d, got %d", want, got)
		}
	}
	r.Reset()
	if got := r.NextHoldOrder(); got != 1 {
		t.Fatalf("expected hold order to restart at 1, got %d", got)
	}
}

func TestRegisterStampsStartTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))
	c, _ := r.Register(context.Background(), "/a", "", "", 0, false)
	if !c.Started.Equal(now) {
		t.Errorf("expected start %v, got %v", now, c.Started)
	}
}

func TestShortPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/org/freedesktop/Telepathy/Connection/ring/tel/ring/channel1", "tel/ring/channel1"},
		{"/org/freedesktop/Telepathy/Connection/ring", "/org/freedesktop/Telepathy/Connection/ring"},
		{"/call/1", "/call/1"},
	}
	for _, tt := range tests {
		if got := ShortPath(tt.in); got != tt.want {
			t.Errorf("ShortPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStateAndDirectionNames(t *testing.T) {
	if StateCallout.String() != "callout" || StateAutoHold.String() != "autohold" {
		t.Error("unexpected state names")
	}
	if State(42).String() != "unknown" {
		t.Error("out of range state should render as unknown")
	}
	if DirectionOutgoing.String() != "outgoing" || Direction(9).String() != "unknown" {
		t.Error("unexpected direction names")
	}
}
