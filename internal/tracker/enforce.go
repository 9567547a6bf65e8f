package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sweeney/telephony-policy/internal/call"
	"github.com/sweeney/telephony-policy/internal/policy"
)

// enforce returns the function applying decision entries for the cycle
// started by evt.
func (m *Machine) enforce(evt *Event) policy.ApplyFunc {
	return func(ctx context.Context, id int, action policy.Action) error {
		c := m.registry.FindByID(id)
		if c == nil {
			m.logger.Error("action for unknown call", "call_id", id, "action", action)
			return fmt.Errorf("%w: %s for call #%d", ErrUnknownCall, action, id)
		}
		m.logger.Info("policy decision", "call_id", id, "path", call.ShortPath(c.Path), "action", action)

		var err error
		switch action {
		case policy.ActionDisconnected:
			err = m.disconnect(ctx, c, evt)
		case policy.ActionOnHold, policy.ActionAutoHold:
			err = m.hold(ctx, c, action, evt)
		case policy.ActionActive:
			err = m.activate(ctx, c, evt)
		case policy.ActionCreated:
			err = m.create(ctx, c)
		default:
			err = fmt.Errorf("%w: %s for call #%d", policy.ErrInvalidDecision, action, id)
		}

		if errors.Is(err, ErrTransport) {
			m.stats.TransportFailures++
		}
		return err
	}
}

// disconnect removes a call that is already gone, or that never got past
// call setup, right away. Any other call is asked to close and stays
// registered until its Closed signal arrives.
func (m *Machine) disconnect(ctx context.Context, c *call.Call, evt *Event) error {
	m.ringStop(ctx)

	if c == evt.Call {
		switch evt.State {
		case call.StateCreated, call.StateCallout:
			return m.remove(ctx, c, call.StateDisconnected)
		case call.StateDisconnected, call.StatePeerHangup:
			return m.remove(ctx, c, evt.State)
		}
	}

	if err := m.transport.Close(ctx, c.Name, c.Path); err != nil {
		m.logger.Error("close request failed", "path", call.ShortPath(c.Path), "error", err)
		return fmt.Errorf("closing call #%d: %w: %w", c.ID, ErrTransport, err)
	}
	return nil
}

// remove drops c from the fact store and the registry, and orphans its
// conference members. final is the state recorded for the ended call.
func (m *Machine) remove(ctx context.Context, c *call.Call, final call.State) error {
	var errs []error
	if err := m.bridge.Delete(ctx, c); err != nil {
		errs = append(errs, err)
	}
	if err := m.registry.Unregister(ctx, c.Path); err != nil {
		errs = append(errs, err)
	}

	if c.IsConferenceRoot() {
		m.registry.ForEach(func(member *call.Call) {
			if !member.IsConferenceMember() || member.Conference() != c {
				return
			}
			m.logger.Info("clearing parent of conference member", "path", call.ShortPath(member.Path))
			member.LeaveConference()
			if err := m.bridge.Update(ctx, member, policy.FieldParent); err != nil {
				errs = append(errs, err)
			}
		})
	}

	c.State = final
	if m.recorder != nil {
		if err := m.recorder.CallEnded(ctx, c, m.clock()); err != nil {
			m.logger.Warn("recording call", "path", call.ShortPath(c.Path), "error", err)
		}
	}
	return errors.Join(errs...)
}

// hold persists a hold the channel already reported, or asks the channel
// to hold. Autoheld calls get the next hold order first.
func (m *Machine) hold(ctx context.Context, c *call.Call, action policy.Action, evt *Event) error {
	if c == evt.Call && evt.State == call.StateOnHold {
		if c.Order == 0 {
			c.State = call.StateOnHold
		} else {
			c.State = call.StateAutoHold
		}
		return m.bridge.Update(ctx, c, policy.FieldState)
	}

	if action == policy.ActionAutoHold {
		c.Order = m.registry.NextHoldOrder()
		if err := m.bridge.Update(ctx, c, policy.FieldOrder); err != nil {
			return err
		}
	}

	if err := m.transport.RequestHold(ctx, c.Name, c.Path, true); err != nil {
		m.logger.Error("hold request failed", "path", call.ShortPath(c.Path), "error", err)
		return fmt.Errorf("holding call #%d: %w: %w", c.ID, ErrTransport, err)
	}
	return nil
}

// activate persists an activation the channel already reported, or asks
// the channel to unhold.
func (m *Machine) activate(ctx context.Context, c *call.Call, evt *Event) error {
	if c == evt.Call && evt.State == call.StateActive {
		c.State = call.StateActive
		c.Order = 0
		err := m.bridge.Update(ctx, c, policy.FieldState|policy.FieldOrder)
		m.ringStop(ctx)
		return err
	}

	if err := m.transport.RequestHold(ctx, c.Name, c.Path, false); err != nil {
		m.logger.Error("unhold request failed", "path", call.ShortPath(c.Path), "error", err)
		return fmt.Errorf("activating call #%d: %w: %w", c.ID, ErrTransport, err)
	}
	return nil
}

func (m *Machine) create(ctx context.Context, c *call.Call) error {
	c.State = call.StateCreated
	err := m.bridge.Update(ctx, c, policy.FieldState)
	if c.Direction == call.DirectionIncoming {
		m.ringStart(ctx, false)
	}
	return err
}

// Ring notifications are advisory; failures are only logged.

func (m *Machine) ringStart(ctx context.Context, knocking bool) {
	m.logger.Info("start ringing", "knocking", knocking)
	if err := m.transport.RingStart(ctx, knocking); err != nil {
		m.logger.Warn("ring start failed", "error", err)
	}
}

func (m *Machine) ringStop(ctx context.Context) {
	m.logger.Debug("stop ringing")
	if err := m.transport.RingStop(ctx); err != nil {
		m.logger.Warn("ring stop failed", "error", err)
	}
}
