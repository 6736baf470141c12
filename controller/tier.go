package controller

import (
	"errors"
	"log/slog"
)

// Tier names one of the controller's cache tiers.
type Tier string

const (
	TierLocal       Tier = "local"
	TierLegacyLocal Tier = "legacy-local"
	TierRemote      Tier = "remote"
)

// TierListener observes tier activity. Implementations must be safe for
// concurrent use.
type TierListener interface {
	TierLoaded(tier Tier, hit bool)
	TierStored(tier Tier)
	TierFailed(tier Tier, op string, err error)
	TierDisabled(tier Tier)
}

// NoopTierListener ignores all events.
type NoopTierListener struct{}

func (NoopTierListener) TierLoaded(Tier, bool)          {}
func (NoopTierListener) TierStored(Tier)                {}
func (NoopTierListener) TierFailed(Tier, string, error) {}
func (NoopTierListener) TierDisabled(Tier)              {}

// TierStatus is a point-in-time view of one tier.
type TierStatus struct {
	Tier     Tier
	Present  bool
	Push     bool
	Failures int
	Disabled bool
}

// tierState is the part shared by both handle kinds: whether a service is
// configured, whether it may be written to, and its failure record.
type tierState struct {
	tier     Tier
	present  bool
	push     bool
	breaker  *breaker
	logger   *slog.Logger
	listener TierListener
	verbose  bool
}

func (s *tierState) canLoad() bool {
	return s.present && s.breaker.enabled()
}

func (s *tierState) canStore() bool {
	return s.push && s.canLoad()
}

// record updates the failure counter after a backend call. Failures are
// logged and never returned.
func (s *tierState) record(op string, key any, err error) {
	if err == nil {
		s.breaker.succeeded()
		return
	}

	s.listener.TierFailed(s.tier, op, err)
	failures, tripped := s.breaker.failed()
	if s.verbose {
		s.logger.Warn("build cache tier call failed",
			"tier", s.tier,
			"op", op,
			"key", key,
			"failures", failures,
			"error", err,
			"chain", errorChain(err))
	} else {
		s.logger.Debug("build cache tier call failed",
			"tier", s.tier,
			"op", op,
			"key", key,
			"failures", failures,
			"error", err)
	}
	if tripped {
		s.logger.Warn("build cache tier disabled after repeated failures",
			"tier", s.tier,
			"failures", failures,
			"error", err)
		s.listener.TierDisabled(s.tier)
	}
}

// errorChain lists err and every error it wraps, outermost first.
func errorChain(err error) []string {
	var chain []string
	queue := []error{err}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e == nil {
			continue
		}
		chain = append(chain, e.Error())
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		default:
			if next := errors.Unwrap(e); next != nil {
				queue = append(queue, next)
			}
		}
	}
	return chain
}

func (s *tierState) status() TierStatus {
	failures, disabled := s.breaker.snapshot()
	return TierStatus{
		Tier:     s.tier,
		Present:  s.present,
		Push:     s.push,
		Failures: failures,
		Disabled: disabled,
	}
}
