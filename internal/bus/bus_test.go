package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/wire"
)

type recordingHandler struct {
	mu       sync.Mutex
	signals  []string
	requests []wire.CallRequest
	inFlight int
	overlap  bool
	allow    bool
	err      error
}

func (h *recordingHandler) enter() {
	h.mu.Lock()
	h.inFlight++
	if h.inFlight > 1 {
		h.overlap = true
	}
	h.mu.Unlock()
}

func (h *recordingHandler) leave() {
	h.mu.Lock()
	h.inFlight--
	h.mu.Unlock()
}

func (h *recordingHandler) HandleSignal(_ context.Context, sig *dbus.Signal) error {
	h.enter()
	defer h.leave()
	time.Sleep(time.Millisecond)
	h.mu.Lock()
	h.signals = append(h.signals, sig.Name)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) HandleCallRequest(_ context.Context, req wire.CallRequest, reply func(bool)) {
	h.enter()
	defer h.leave()
	h.mu.Lock()
	h.requests = append(h.requests, req)
	allow := h.allow
	h.mu.Unlock()
	reply(allow)
}

func newTestBus() *Bus {
	return newBus(nil, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServeSerializesSignalsAndRequests(t *testing.T) {
	b := newTestBus()
	h := &recordingHandler{allow: true}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx, h) }()

	obj := &telephony{bus: b}
	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allow, dbusErr := obj.CallRequest("/call/1", i%2 == 0, int32(i))
			if dbusErr != nil {
				t.Errorf("request %d: %v", i, dbusErr)
			}
			results[i] = allow
		}(i)
		b.signals <- &dbus.Signal{Name: wire.Channel + "." + wire.MemberClosed, Path: "/call/1"}
	}
	wg.Wait()

	// Drain remaining signals before stopping.
	for len(b.signals) > 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.overlap {
		t.Fatal("handler calls overlapped")
	}
	if len(h.requests) != 5 || len(h.signals) != 5 {
		t.Fatalf("got %d requests and %d signals, want 5 each", len(h.requests), len(h.signals))
	}
	for i, allow := range results {
		if !allow {
			t.Errorf("request %d denied", i)
		}
	}
}

func TestCallRequestDirection(t *testing.T) {
	b := newTestBus()
	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx, h)

	obj := &telephony{bus: b}
	if allow, _ := obj.CallRequest("/call/1", true, 7); allow {
		t.Fatal("expected deny")
	}
	obj.CallRequest("/call/2", false, 8)

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []wire.CallRequest{
		{Path: "/call/1", Direction: call.DirectionIncoming, Serial: 7},
		{Path: "/call/2", Direction: call.DirectionOutgoing, Serial: 8},
	}
	for i := range want {
		if h.requests[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, h.requests[i], want[i])
		}
	}
}

func TestCallRequestAfterServeStopped(t *testing.T) {
	b := newTestBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Serve(ctx, &recordingHandler{allow: true}); err != nil {
		t.Fatalf("serve: %v", err)
	}

	allow, dbusErr := (&telephony{bus: b}).CallRequest("/call/1", true, 1)
	if allow || dbusErr != nil {
		t.Fatalf("expected a plain deny, got %v, %v", allow, dbusErr)
	}
}

func TestServeKeepsGoingAfterHandlerErrors(t *testing.T) {
	b := newTestBus()
	h := &recordingHandler{err: errors.New("bad payload")}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- b.Serve(ctx, h) }()

	b.signals <- &dbus.Signal{Name: "a.b"}
	b.signals <- &dbus.Signal{Name: "c.d"}
	close(b.signals)

	select {
	case err := <-served:
		if err == nil {
			t.Fatal("expected an error when the signal channel closes")
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.signals) != 2 {
		t.Fatalf("handled %d signals, want 2", len(h.signals))
	}
}
