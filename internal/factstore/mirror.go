package factstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sweeney/telephony-policy/internal/policy"
	"github.com/sweeney/telephony-policy/internal/publisher"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

const (
	defaultQueueSize    = 256
	defaultDrainTimeout = 5 * time.Second
)

// Mirror is a FactStore that publishes every change of the wrapped store.
// Call facts go to <prefix>/call/<id> as retained snapshots and are cleared
// with an empty retained message when removed. Other facts are published
// as events on <prefix>/fact/<name>.
//
// Store operations never wait for the broker: payloads are queued in
// order and published by a background goroutine. When the queue is full
// new messages are dropped.
type Mirror struct {
	inner        policy.FactStore
	pub          publisher.Publisher
	prefix       string
	clock        Clock
	logger       *slog.Logger
	queueSize    int
	drainTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	dropped int
	queue   chan outbound
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

var _ policy.FactStore = (*Mirror)(nil)

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithClock sets the time source for payload timestamps.
func WithClock(c Clock) MirrorOption {
	return func(m *Mirror) { m.clock = c }
}

// WithLogger sets the mirror logger.
func WithLogger(l *slog.Logger) MirrorOption {
	return func(m *Mirror) { m.logger = l }
}

// WithQueueSize sets how many messages may wait for the publisher.
func WithQueueSize(n int) MirrorOption {
	return func(m *Mirror) { m.queueSize = n }
}

// WithDrainTimeout bounds how long Close waits for queued messages.
func WithDrainTimeout(d time.Duration) MirrorOption {
	return func(m *Mirror) { m.drainTimeout = d }
}

// NewMirror wraps inner so that changes are published under prefix. The
// caller must Close the mirror to flush and stop its publisher goroutine.
func NewMirror(inner policy.FactStore, pub publisher.Publisher, prefix string, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		inner:        inner,
		pub:          pub,
		prefix:       strings.TrimSuffix(prefix, "/"),
		clock:        time.Now,
		logger:       slog.Default(),
		queueSize:    defaultQueueSize,
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queueSize <= 0 {
		m.queueSize = defaultQueueSize
	}
	m.logger = m.logger.With("subsystem", "mirror")
	m.queue = make(chan outbound, m.queueSize)
	m.done = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.run()
	return m
}

func (m *Mirror) run() {
	defer close(m.done)
	for msg := range m.queue {
		if err := m.pub.Publish(m.ctx, msg.topic, msg.payload, msg.retained); err != nil {
			m.logger.Warn("publish error", "topic", msg.topic, "error", err)
			continue
		}
		m.logger.Debug("published", "topic", msg.topic)
	}
}

// Close stops accepting messages and waits for the queued ones to be
// published. After the drain timeout the remaining publishes are
// cancelled and an error is returned. The publisher itself is not closed.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-m.done:
		m.cancel()
		return nil
	case <-timer.C:
		m.cancel()
		<-m.done
		return fmt.Errorf("mirror: queued messages not published within %s", m.drainTimeout)
	}
}

// Dropped returns how many messages were discarded because the queue was
// full or the mirror closed.
func (m *Mirror) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// mirrorPayload is the JSON structure published for a fact change.
type mirrorPayload struct {
	Event     string         `json:"event"`
	Fact      string         `json:"fact"`
	Handle    string         `json:"handle"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func (m *Mirror) Insert(ctx context.Context, name string, fields map[string]any) (string, error) {
	handle, err := m.inner.Insert(ctx, name, fields)
	if err != nil {
		return "", err
	}
	m.publish(ctx, "insert", handle)
	return handle, nil
}

func (m *Mirror) Get(ctx context.Context, handle string) (*policy.Fact, error) {
	return m.inner.Get(ctx, handle)
}

func (m *Mirror) Set(ctx context.Context, handle string, fields map[string]any) error {
	if err := m.inner.Set(ctx, handle, fields); err != nil {
		return err
	}
	m.publish(ctx, "update", handle)
	return nil
}

func (m *Mirror) Unset(ctx context.Context, handle string, field string) error {
	if err := m.inner.Unset(ctx, handle, field); err != nil {
		return err
	}
	m.publish(ctx, "update", handle)
	return nil
}

func (m *Mirror) Remove(ctx context.Context, handle string) error {
	f, err := m.inner.Get(ctx, handle)
	if err != nil {
		return err
	}
	if err := m.inner.Remove(ctx, handle); err != nil {
		return err
	}

	topic, retained := m.topic(f)
	var payload []byte
	if !retained {
		payload = m.encode("remove", f)
	}
	m.send(ctx, topic, payload, retained)
	return nil
}

func (m *Mirror) ByName(ctx context.Context, name string) ([]*policy.Fact, error) {
	return m.inner.ByName(ctx, name)
}

func (m *Mirror) publish(ctx context.Context, event, handle string) {
	f, err := m.inner.Get(ctx, handle)
	if err != nil {
		m.logger.Warn("fact vanished before mirroring", "handle", handle, "error", err)
		return
	}
	topic, retained := m.topic(f)
	m.send(ctx, topic, m.encode(event, f), retained)
}

func (m *Mirror) topic(f *policy.Fact) (string, bool) {
	if f.Name == policy.FactCall {
		if id, ok := f.Fields[policy.FieldNameID].(string); ok {
			return fmt.Sprintf("%s/call/%s", m.prefix, id), true
		}
	}
	name := f.Name[strings.LastIndex(f.Name, ".")+1:]
	return fmt.Sprintf("%s/fact/%s", m.prefix, name), false
}

func (m *Mirror) encode(event string, f *policy.Fact) []byte {
	data, err := json.Marshal(mirrorPayload{
		Event:     event,
		Fact:      f.Name,
		Handle:    f.Handle,
		Fields:    f.Fields,
		Timestamp: m.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Error("marshaling fact", "handle", f.Handle, "error", err)
		return nil
	}
	return data
}

// send queues a message without blocking; the mirror is best effort.
func (m *Mirror) send(_ context.Context, topic string, payload []byte, retained bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.dropped++
		m.logger.Warn("mirror closed, dropping message", "topic", topic)
		return
	}
	select {
	case m.queue <- outbound{topic: topic, payload: payload, retained: retained}:
	default:
		m.dropped++
		m.logger.Warn("mirror queue full, dropping message", "topic", topic, "queued", m.queueSize)
	}
}
