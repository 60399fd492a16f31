package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
)

// HandleSignal applies one inbound negotiation message. Stale messages are
// counted and returned as ErrStaleMessage; they never affect other peers.
func (c *Coordinator) HandleSignal(ctx context.Context, msg core.Message) error {
	if err := msg.Validate(); err != nil {
		c.logger.Warn().Err(err).Msg("malformed signal dropped")
		return err
	}
	if msg.To != "" && msg.To != c.self {
		return c.stale(msg, "addressed to another peer")
	}

	switch msg.Kind {
	case core.SignalOffer:
		return c.handleOffer(ctx, msg)

	case core.SignalAnswer:
		s, ok := c.registry.Get(msg.From)
		if !ok {
			return c.stale(msg, "no session")
		}
		if err := s.AcceptAnswer(*msg.SDP); err != nil {
			return c.classify(msg, err)
		}
		return nil

	case core.SignalICECandidate:
		s, ok := c.registry.Get(msg.From)
		if !ok {
			return c.stale(msg, "no session")
		}
		if err := s.AddCandidate(*msg.Candidate); err != nil {
			return c.classify(msg, err)
		}
		return nil
	}
	return nil
}

func (c *Coordinator) handleOffer(ctx context.Context, msg core.Message) error {
	track := c.ensureCapture(ctx)

	c.mu.Lock()
	s, ok := c.registry.Get(msg.From)
	var prev *Session
	switch {
	case !ok || s.Closed() || s.State().Terminal():
		var err error
		s, prev, err = c.createLocked(msg.From, domain.RoleResponder, track)
		if err != nil {
			c.mu.Unlock()
			return err
		}

	case s.Role() == domain.RoleInitiator && isOffering(s.State()):
		// Both sides offered at once. The lower peer id keeps its offer.
		if c.self < msg.From {
			c.mu.Unlock()
			c.logger.Info().Str("peer", string(msg.From)).Msg("offer collision, keeping local offer")
			return nil
		}
		c.logger.Info().Str("peer", string(msg.From)).Msg("offer collision, yielding to remote offer")
		var err error
		s, prev, err = c.createLocked(msg.From, domain.RoleResponder, track)
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(msg.From)).Msg("close replaced session")
		}
	}
	c.reconcileTrack(s)
	if err := s.AcceptOffer(ctx, *msg.SDP); err != nil {
		return c.classify(msg, err)
	}
	return nil
}

func isOffering(st domain.State) bool {
	return st == domain.StateNew || st == domain.StateOfferCreated
}

func (c *Coordinator) stale(msg core.Message, reason string) error {
	c.metrics.StaleMessages.Inc()
	c.logger.Info().
		Str("kind", string(msg.Kind)).
		Str("from", string(msg.From)).
		Str("reason", reason).
		Msg("stale signal dropped")
	return fmt.Errorf("%w: %s from %s: %s", core.ErrStaleMessage, msg.Kind, msg.From, reason)
}

// classify turns session errors caused by message timing into stale drops.
func (c *Coordinator) classify(msg core.Message, err error) error {
	switch {
	case errors.Is(err, core.ErrSessionClosed):
		return c.stale(msg, "session closed")
	case errors.Is(err, core.ErrStaleMessage):
		return c.stale(msg, err.Error())
	}
	return err
}
