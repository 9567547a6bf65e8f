// Package policy exports call state to the fact store, asks the resolver
// for decisions and reads them back.
package policy

import (
	"context"
	"errors"
)

// Fact names shared with the policy rules.
const (
	FactCall       = "com.nokia.policy.call"
	FactCallAction = "com.nokia.policy.call_action"
)

// Call fact fields.
const (
	FieldNamePath      = "path"
	FieldNameID        = "id"
	FieldNameState     = "state"
	FieldNameDirection = "direction"
	FieldNameOrder     = "order"
	FieldNameParent    = "parent"
)

// Resolver goals.
const (
	GoalRequest       = "telephony_request"
	GoalAudioUpdate   = "telephony_audio_update"
	GoalFirstCallHook = "telephony_first_call_hook"
	GoalLastCallHook  = "telephony_last_call_hook"
)

var (
	// ErrNoDecision means the resolver left no decision fact behind.
	ErrNoDecision = errors.New("no decision fact")

	// ErrProtocolViolation means more than one decision fact was found.
	ErrProtocolViolation = errors.New("more than one decision fact")

	// ErrInvalidDecision marks a decision entry that cannot be applied.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrFactNotFound is returned by stores for unknown handles.
	ErrFactNotFound = errors.New("fact not found")
)

// Fact is one record in the fact store. Values are strings or ints.
type Fact struct {
	Handle string
	Name   string
	Fields map[string]any
}

// FactStore is the external associative record store.
type FactStore interface {
	Insert(ctx context.Context, name string, fields map[string]any) (string, error)
	Get(ctx context.Context, handle string) (*Fact, error)
	Set(ctx context.Context, handle string, fields map[string]any) error
	Unset(ctx context.Context, handle string, field string) error
	Remove(ctx context.Context, handle string) error
	ByName(ctx context.Context, name string) ([]*Fact, error)
}

// Resolver runs a named goal of the policy rule engine. A nil error means
// the goal succeeded.
type Resolver interface {
	Resolve(ctx context.Context, goal string, vars map[string]string) error
}
