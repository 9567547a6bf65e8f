package tracker

import (
	"context"
	"fmt"
	"sync"
)

// Request records one outbound transport call.
type Request struct {
	Method string // Close, RequestHold, RingStart or RingStop
	Dest   string
	Path   string
	Flag   bool // held for RequestHold, knocking for RingStart
}

func (r Request) String() string {
	switch r.Method {
	case "Close":
		return fmt.Sprintf("Close(%s)", r.Path)
	case "RequestHold":
		return fmt.Sprintf("RequestHold(%s, %t)", r.Path, r.Flag)
	case "RingStart":
		return fmt.Sprintf("RingStart(%t)", r.Flag)
	default:
		return r.Method + "()"
	}
}

// MockTransport records all requests for test assertions.
type MockTransport struct {
	mu       sync.Mutex
	requests []Request
	err      error // if set, Close and RequestHold return this error
}

// NewMockTransport creates a new MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Close(_ context.Context, dest, path string) error {
	return m.record(Request{Method: "Close", Dest: dest, Path: path}, true)
}

func (m *MockTransport) RequestHold(_ context.Context, dest, path string, held bool) error {
	return m.record(Request{Method: "RequestHold", Dest: dest, Path: path, Flag: held}, true)
}

func (m *MockTransport) RingStart(_ context.Context, knocking bool) error {
	return m.record(Request{Method: "RingStart", Flag: knocking}, false)
}

func (m *MockTransport) RingStop(_ context.Context) error {
	return m.record(Request{Method: "RingStop"}, false)
}

func (m *MockTransport) record(r Request, failable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failable && m.err != nil {
		return m.err
	}
	m.requests = append(m.requests, r)
	return nil
}

// Requests returns a copy of all recorded requests.
func (m *MockTransport) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the recorded Close and RequestHold requests as strings.
func (m *MockTransport) Calls() []string {
	var out []string
	for _, r := range m.Requests() {
		if r.Method == "Close" || r.Method == "RequestHold" {
			out = append(out, r.String())
		}
	}
	return out
}

// Reset clears all recorded requests.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// SetError causes subsequent Close and RequestHold calls to return err.
// Pass nil to clear.
func (m *MockTransport) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
