// Package auth provides the pluggable authentication strategies the
// transaction model routes every payment through.
package auth

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/sampling"
)

// ErrUnknownAuthenticator is returned by New for an unsupported type.
var ErrUnknownAuthenticator = errors.New("unknown authenticator")

// New creates the authenticator described by cfg. seed feeds the
// authenticator's own random source; strategies without randomness ignore it.
func New(cfg domain.AuthenticatorConfig, seed uint64) (domain.Authenticator, error) {
	switch cfg.Type {
	case domain.AuthOracle:
		return Oracle{}, nil
	case "", domain.AuthNeverSecond:
		return NeverSecond{}, nil
	case domain.AuthAlwaysSecond:
		return AlwaysSecond{}, nil
	case domain.AuthHeuristic:
		return NewHeuristic(cfg.Threshold), nil
	case domain.AuthRandom:
		if cfg.Probability < 0 || cfg.Probability > 1 {
			return nil, fmt.Errorf("random authenticator: probability %v outside [0,1]", cfg.Probability)
		}
		return NewRandom(cfg.Probability, sampling.New(seed)), nil
	case domain.AuthLearned:
		return NewLearned(cfg, sampling.New(seed))
	case domain.AuthBandit:
		return NewBandit(cfg)
	case domain.AuthRule:
		return NewRule(cfg.Expression)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAuthenticator, cfg.Type)
	}
}

// secondFactor asks p for one additional factor and reports whether it was given.
func secondFactor(p domain.Payer) bool {
	_, ok := p.GiveAuthentication()
	return ok
}
