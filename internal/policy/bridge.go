package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/sweeney/telephony-policy/internal/call"
)

// Field selects call fact fields for Update.
type Field uint8

const (
	FieldState Field = 1 << iota
	FieldDirection
	FieldOrder
	FieldParent
)

// Bridge connects calls to the fact store and the resolver.
type Bridge struct {
	store    FactStore
	resolver Resolver
	logger   *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(store FactStore, resolver Resolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:    store,
		resolver: resolver,
		logger:   logger.With("subsystem", "policy"),
	}
}

// Export inserts a fact for c unless it already has one.
func (b *Bridge) Export(ctx context.Context, c *call.Call) error {
	if c.Fact != "" {
		return nil
	}

	fields := map[string]any{
		FieldNamePath:      c.Path,
		FieldNameID:        strconv.Itoa(c.ID),
		FieldNameState:     c.State.String(),
		FieldNameDirection: c.Direction.String(),
	}
	if c.IsConferenceRoot() {
		fields[FieldNameParent] = strconv.Itoa(c.ID)
	}

	handle, err := b.store.Insert(ctx, FactCall, fields)
	if err != nil {
		return fmt.Errorf("exporting call %s: %w", c.Path, err)
	}
	c.Fact = handle
	b.logger.Debug("call exported", "path", call.ShortPath(c.Path), "id", c.ID)
	return nil
}

// Update writes the selected fields of c to its fact, exporting the call
// first if it has no fact yet.
func (b *Bridge) Update(ctx context.Context, c *call.Call, fields Field) error {
	if c.Fact == "" {
		return b.Export(ctx, c)
	}

	set := map[string]any{}
	if fields&FieldState != 0 {
		set[FieldNameState] = c.State.String()
	}
	if fields&FieldDirection != 0 {
		set[FieldNameDirection] = c.Direction.String()
	}
	if fields&FieldOrder != 0 {
		set[FieldNameOrder] = c.Order
	}
	if fields&FieldParent != 0 {
		if conf := c.Conference(); conf != nil {
			set[FieldNameParent] = strconv.Itoa(conf.ID)
		} else if err := b.store.Unset(ctx, c.Fact, FieldNameParent); err != nil {
			return fmt.Errorf("clearing parent of call %s: %w", c.Path, err)
		}
	}

	if len(set) == 0 {
		return nil
	}
	if err := b.store.Set(ctx, c.Fact, set); err != nil {
		return fmt.Errorf("updating call %s: %w", c.Path, err)
	}
	return nil
}

// Delete removes the fact of c, if any.
func (b *Bridge) Delete(ctx context.Context, c *call.Call) error {
	if c.Fact == "" {
		return nil
	}
	handle := c.Fact
	c.Fact = ""
	if err := b.store.Remove(ctx, handle); err != nil {
		return fmt.Errorf("removing fact of call %s: %w", c.Path, err)
	}
	b.logger.Debug("call fact removed", "path", call.ShortPath(c.Path))
	return nil
}

// RequestDecision asks the resolver what to do now that c is heading for
// state.
func (b *Bridge) RequestDecision(ctx context.Context, c *call.Call, state call.State) error {
	vars := map[string]string{
		"call_id":    strconv.Itoa(c.ID),
		"call_state": state.String(),
	}
	b.logger.Info("resolving", "goal", GoalRequest, "call_id", vars["call_id"], "call_state", vars["call_state"])
	if err := b.resolver.Resolve(ctx, GoalRequest, vars); err != nil {
		return fmt.Errorf("resolving %s for call #%d: %w", GoalRequest, c.ID, err)
	}
	return nil
}

// ApplyFunc enforces one decision entry.
type ApplyFunc func(ctx context.Context, id int, action Action) error

// ApplyDecision reads back the decision fact and calls fn for every entry
// in call id order. The decision fact is removed afterwards whatever the
// outcome. More than one decision fact is a protocol violation: all of
// them are removed and fn is never called.
func (b *Bridge) ApplyDecision(ctx context.Context, fn ApplyFunc) error {
	facts, err := b.store.ByName(ctx, FactCallAction)
	if err != nil {
		return fmt.Errorf("reading decisions: %w", err)
	}

	switch len(facts) {
	case 0:
		return ErrNoDecision
	case 1:
	default:
		b.logger.Error("too many decision facts", "count", len(facts))
		for _, f := range facts {
			if err := b.store.Remove(ctx, f.Handle); err != nil {
				b.logger.Error("removing decision fact", "handle", f.Handle, "error", err)
			}
		}
		return fmt.Errorf("%w: found %d", ErrProtocolViolation, len(facts))
	}

	decision := facts[0]
	defer func() {
		if err := b.store.Remove(ctx, decision.Handle); err != nil {
			b.logger.Error("removing decision fact", "handle", decision.Handle, "error", err)
		}
	}()

	var errs []error
	for _, field := range sortedIDs(decision.Fields) {
		id, action, err := parseEntry(field, decision.Fields[field])
		if err != nil {
			b.logger.Error("invalid decision entry", "call_id", field, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := fn(ctx, id, action); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseEntry(field string, value any) (int, Action, error) {
	name, ok := value.(string)
	if !ok {
		return 0, 0, fmt.Errorf("%w: action for call #%s is %T", ErrInvalidDecision, field, value)
	}
	id, err := strconv.Atoi(field)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("%w: call id %q", ErrInvalidDecision, field)
	}
	action, err := ParseAction(name)
	if err != nil {
		return 0, 0, fmt.Errorf("call #%d: %w", id, err)
	}
	return id, action, nil
}

// sortedIDs orders decimal ids numerically: shorter strings first.
func sortedIDs(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// AudioUpdate asks the rules to re-evaluate audio routing.
func (b *Bridge) AudioUpdate(ctx context.Context) error {
	b.logger.Info("resolving", "goal", GoalAudioUpdate)
	if err := b.resolver.Resolve(ctx, GoalAudioUpdate, nil); err != nil {
		return fmt.Errorf("resolving %s: %w", GoalAudioUpdate, err)
	}
	return nil
}

// RunHook runs a resolver goal without variables.
func (b *Bridge) RunHook(ctx context.Context, name string) error {
	b.logger.Info("running resolver hook", "goal", name)
	if err := b.resolver.Resolve(ctx, name, nil); err != nil {
		return fmt.Errorf("resolving %s: %w", name, err)
	}
	return nil
}
