// Package capture reads and writes recorded bus traffic as JSON lines.
// A line is either a signal or a policy CallRequest; replaying a capture
// through the tracker reproduces the decisions taken when it was recorded.
package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/wire"
)

// ErrNotSignal is returned when a request entry is asked for its signal.
var ErrNotSignal = errors.New("entry is not a signal")

// Entry is one captured line.
type Entry struct {
	Time    time.Time `json:"time"`
	Sender  string    `json:"sender,omitempty"`
	Path    string    `json:"path,omitempty"`
	Name    string    `json:"name,omitempty"`
	Body    []Value   `json:"body,omitempty"`
	Request *Request  `json:"request,omitempty"`
}

// Request is a captured CallRequest method call.
type Request struct {
	Path     string `json:"path"`
	Incoming bool   `json:"incoming"`
	Serial   int32  `json:"serial"`
}

// FromSignal records sig as seen at t.
func FromSignal(sig *dbus.Signal, t time.Time) (Entry, error) {
	e := Entry{
		Time:   t.UTC(),
		Sender: sig.Sender,
		Path:   string(sig.Path),
		Name:   sig.Name,
	}
	for i, arg := range sig.Body {
		v, err := EncodeValue(arg)
		if err != nil {
			return Entry{}, fmt.Errorf("%s argument %d: %w", sig.Name, i, err)
		}
		e.Body = append(e.Body, v)
	}
	return e, nil
}

// IsRequest reports whether e is a CallRequest rather than a signal.
func (e Entry) IsRequest() bool {
	return e.Request != nil
}

// Signal rebuilds the bus signal e was recorded from.
func (e Entry) Signal() (*dbus.Signal, error) {
	if e.IsRequest() {
		return nil, ErrNotSignal
	}
	sig := &dbus.Signal{
		Sender: e.Sender,
		Path:   dbus.ObjectPath(e.Path),
		Name:   e.Name,
		Body:   make([]any, 0, len(e.Body)),
	}
	for i, v := range e.Body {
		arg, err := v.Decode()
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", e.Name, i, err)
		}
		sig.Body = append(sig.Body, arg)
	}
	return sig, nil
}

// CallRequest returns the request e carries.
func (e Entry) CallRequest() (wire.CallRequest, bool) {
	if e.Request == nil {
		return wire.CallRequest{}, false
	}
	dir := call.DirectionOutgoing
	if e.Request.Incoming {
		dir = call.DirectionIncoming
	}
	return wire.CallRequest{Path: e.Request.Path, Direction: dir, Serial: e.Request.Serial}, true
}

// Writer appends entries to a capture stream. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) Write(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("writing capture entry: %w", err)
	}
	return nil
}

const maxLine = 1 << 20

// Read parses a capture stream. Blank lines and lines starting with '#'
// are skipped.
func Read(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("capture line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading capture: %w", err)
	}
	return entries, nil
}

// Redacted is what Redact puts in place of a phone number.
const Redacted = "+15550001234"

// Redact replaces the remote party ids announced in NewChannels with
// Redacted.
func Redact(e Entry) (Entry, error) {
	iface, member := wire.SplitName(e.Name)
	if iface != wire.ConnectionRequests || member != wire.MemberNewChannels {
		return e, nil
	}
	sig, err := e.Signal()
	if err != nil {
		return e, err
	}
	for _, arg := range sig.Body {
		channels, ok := arg.([][]any)
		if !ok {
			continue
		}
		for _, ch := range channels {
			if len(ch) < 2 {
				continue
			}
			props, ok := ch[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if _, ok := props[wire.PropTargetID]; ok {
				props[wire.PropTargetID] = dbus.MakeVariant(Redacted)
			}
		}
	}
	out, err := FromSignal(sig, e.Time)
	if err != nil {
		return e, err
	}
	return out, nil
}
