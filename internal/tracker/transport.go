package tracker

import (
	"context"
	"errors"
)

// ErrTransport marks an outbound request that could not be sent.
var ErrTransport = errors.New("transport failure")

// Transport sends the requests and notifications that enforce decisions.
// dest is the bus name owning the channel at path.
type Transport interface {
	Close(ctx context.Context, dest, path string) error
	RequestHold(ctx context.Context, dest, path string, held bool) error
	RingStart(ctx context.Context, knocking bool) error
	RingStop(ctx context.Context) error
}
