// Package rules is the builtin telephony policy. It reads the call facts,
// decides what every affected call should do next and leaves the decision
// in the fact store for the tracker to enforce.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/sweeney/telephony-policy/internal/policy"
)

var (
	ErrUnknownGoal = errors.New("unknown goal")
	ErrBadRequest  = errors.New("bad request")
)

// Resolver implements policy.Resolver on top of a fact store.
type Resolver struct {
	store    policy.FactStore
	maxCalls int
	logger   *slog.Logger
}

var _ policy.Resolver = (*Resolver)(nil)

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxCalls rejects new calls while n calls are already live. Zero
// means no limit.
func WithMaxCalls(n int) Option {
	return func(r *Resolver) { r.maxCalls = n }
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver reading and writing facts in store.
func New(store policy.FactStore, opts ...Option) *Resolver {
	r := &Resolver{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("subsystem", "rules")
	return r
}

// Resolve runs goal. Only the request goal produces a decision; the audio
// and hook goals have nothing to route in the builtin policy.
func (r *Resolver) Resolve(ctx context.Context, goal string, vars map[string]string) error {
	switch goal {
	case policy.GoalRequest:
		return r.request(ctx, vars)
	case policy.GoalAudioUpdate, policy.GoalFirstCallHook, policy.GoalLastCallHook:
		r.logger.Debug("goal", "name", goal)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownGoal, goal)
	}
}

// callFact is the part of a call fact the rules look at.
type callFact struct {
	id     int
	state  string
	order  int
	parent string
}

func (r *Resolver) calls(ctx context.Context) ([]callFact, error) {
	facts, err := r.store.ByName(ctx, policy.FactCall)
	if err != nil {
		return nil, fmt.Errorf("reading call facts: %w", err)
	}

	calls := make([]callFact, 0, len(facts))
	for _, f := range facts {
		idStr, _ := f.Fields[policy.FieldNameID].(string)
		id, err := strconv.Atoi(idStr)
		if err != nil {
			r.logger.Warn("call fact without id", "handle", f.Handle)
			continue
		}
		c := callFact{id: id}
		c.state, _ = f.Fields[policy.FieldNameState].(string)
		c.order, _ = f.Fields[policy.FieldNameOrder].(int)
		c.parent, _ = f.Fields[policy.FieldNameParent].(string)
		calls = append(calls, c)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	return calls, nil
}

func (r *Resolver) request(ctx context.Context, vars map[string]string) error {
	id, err := strconv.Atoi(vars["call_id"])
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: call_id %q", ErrBadRequest, vars["call_id"])
	}
	state := vars["call_state"]

	calls, err := r.calls(ctx)
	if err != nil {
		return err
	}

	decision, err := r.decide(id, state, calls)
	if err != nil {
		return err
	}

	r.logger.Info("decision", "call_id", id, "call_state", state, "actions", len(decision))
	if _, err := r.store.Insert(ctx, policy.FactCallAction, decision); err != nil {
		return fmt.Errorf("storing decision: %w", err)
	}
	return nil
}

func (r *Resolver) decide(id int, state string, calls []callFact) (map[string]any, error) {
	key := strconv.Itoa(id)
	decision := map[string]any{}

	switch state {
	case "created", "callout":
		if r.maxCalls > 0 && len(calls) > r.maxCalls {
			r.logger.Warn("too many calls, rejecting", "call_id", id, "live", len(calls), "max", r.maxCalls)
			decision[key] = policy.ActionDisconnected.String()
			break
		}
		decision[key] = policy.ActionCreated.String()

	case "active":
		decision[key] = policy.ActionActive.String()
		for _, c := range calls {
			if c.id != id && c.state == "active" && !sameConference(c, id) {
				decision[strconv.Itoa(c.id)] = policy.ActionAutoHold.String()
			}
		}

	case "onhold":
		decision[key] = policy.ActionOnHold.String()

	case "disconnected":
		decision[key] = policy.ActionDisconnected.String()

	case "peerhangup":
		decision[key] = policy.ActionDisconnected.String()
		if next, ok := reactivate(id, calls); ok {
			decision[strconv.Itoa(next)] = policy.ActionActive.String()
		}

	default:
		return nil, fmt.Errorf("%w: call_state %q", ErrBadRequest, state)
	}
	return decision, nil
}

func sameConference(c callFact, id int) bool {
	return c.parent != "" && c.parent == strconv.Itoa(id)
}

// reactivate picks the call autoheld first, unless another call is still
// active besides the one hanging up.
func reactivate(ending int, calls []callFact) (int, bool) {
	best, bestOrder := 0, 0
	for _, c := range calls {
		if c.id == ending {
			continue
		}
		if c.state == "active" {
			return 0, false
		}
		if c.state == "autohold" && c.order > 0 && (bestOrder == 0 || c.order < bestOrder) {
			best, bestOrder = c.id, c.order
		}
	}
	return best, best != 0
}
