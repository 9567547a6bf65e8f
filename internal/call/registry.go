package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidPath = errors.New("call path is empty")
	ErrExists      = errors.New("call already registered")
	ErrNotFound    = errors.New("call not registered")
)

// DefaultCellularPrefix is the object path prefix of the cellular
// connection manager's channels.
const DefaultCellularPrefix = "/org/freedesktop/Telepathy/Connection/ring"

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Hook is run when the number of live calls crosses between zero and one.
type Hook func(ctx context.Context)

// Registry owns the set of live calls. It is not safe for concurrent use;
// the owner serializes access.
type Registry struct {
	calls          map[string]*Call
	cellular       int
	other          int
	nextID         int
	nextOrder      int
	cellularPrefix string
	firstCall      Hook
	lastCall       Hook
	clock          Clock
	logger         *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used to stamp registrations.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithCellularPrefix sets the path prefix that classifies cellular calls.
func WithCellularPrefix(prefix string) Option {
	return func(r *Registry) { r.cellularPrefix = prefix }
}

// WithHooks sets the hooks run on the first registration and on the last
// unregistration.
func WithHooks(first, last Hook) Option {
	return func(r *Registry) {
		r.firstCall = first
		r.lastCall = last
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		cellularPrefix: DefaultCellularPrefix,
		clock:          time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("subsystem", "registry")
	r.Reset()
	return r
}

// Reset drops every call and restarts id and hold order numbering.
// Hooks are not run.
func (r *Registry) Reset() {
	r.calls = make(map[string]*Call)
	r.cellular = 0
	r.other = 0
	r.nextID = 1
	r.nextOrder = 1
}

// Register creates a call for path and assigns it the next id.
func (r *Registry) Register(ctx context.Context, path, name, peer string, peerHandle uint32, conference bool) (*Call, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	if _, exists := r.calls[path]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}

	c := &Call{
		Path:       path,
		Name:       name,
		Peer:       peer,
		PeerHandle: peerHandle,
		ID:         r.nextID,
		State:      StateUnknown,
		Started:    r.clock(),
		root:       conference,
	}
	r.nextID++
	r.calls[path] = c

	if r.isCellular(path) {
		r.cellular++
	} else {
		r.other++
	}

	r.logger.Info("call registered", "path", ShortPath(path), "id", c.ID, "live", r.Len())

	if r.Len() == 1 && r.firstCall != nil {
		r.firstCall(ctx)
	}
	return c, nil
}

// Unregister removes the call registered under path.
func (r *Registry) Unregister(ctx context.Context, path string) error {
	c, ok := r.calls[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	delete(r.calls, path)
	if r.isCellular(path) {
		r.cellular--
	} else {
		r.other--
	}

	r.logger.Info("call unregistered", "path", ShortPath(path), "id", c.ID, "live", r.Len())

	if r.Len() == 0 && r.lastCall != nil {
		r.lastCall(ctx)
	}
	return nil
}

// Lookup returns the call registered under path, or nil.
func (r *Registry) Lookup(path string) *Call {
	if path == "" {
		return nil
	}
	return r.calls[path]
}

// FindByID returns the call with the given id, or nil.
func (r *Registry) FindByID(id int) *Call {
	for _, c := range r.calls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ForEach calls fn for every live call in id order.
func (r *Registry) ForEach(fn func(*Call)) {
	for _, c := range r.Snapshot() {
		fn(c)
	}
}

// Snapshot returns the live calls sorted by id.
func (r *Registry) Snapshot() []*Call {
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })
	return calls
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	return r.cellular + r.other
}

// Counts returns the number of live cellular and other calls.
func (r *Registry) Counts() (cellular, other int) {
	return r.cellular, r.other
}

// NextHoldOrder returns the next autohold sequence number.
func (r *Registry) NextHoldOrder() int {
	n := r.nextOrder
	r.nextOrder++
	return n
}

func (r *Registry) isCellular(path string) bool {
	return r.cellularPrefix != "" && strings.HasPrefix(path, r.cellularPrefix)
}

const connectionPath = "/org/freedesktop/Telepathy/Connection"

// ShortPath strips the connection manager prefix from a Telepathy channel
// path for logging: ".../Connection/ring/tel/ring/channel1" becomes
// "tel/ring/channel1".
func ShortPath(path string) string {
	rest, ok := strings.CutPrefix(path, connectionPath)
	if !ok || !strings.HasPrefix(rest, "/") {
		return path
	}
	i := strings.Index(rest[1:], "/")
	if i < 0 {
		return path
	}
	return strings.TrimPrefix(rest[1+i:], "/")
}
