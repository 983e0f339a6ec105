package retry

import (
	"context"
	"errors"

	"github.com/aegisgate/backend/internal/adapters"
	"github.com/aegisgate/backend/internal/circuitbreaker"
)

// ClassifyAdapter maps adapter, breaker, and context errors onto failure
// classes. This is the classifier the gateway wires into its executor.
func ClassifyAdapter(err error) Class {
	var ae *adapters.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case adapters.KindTimeout:
			return ClassTimeout
		case adapters.KindNetwork:
			return ClassNetwork
		case adapters.KindUpstream5xx:
			return ClassUpstream5xx
		default:
			return ClassPermanent
		}
	}
	// Losing the half-open probe race is transient: another probe is in
	// flight and the breaker settles shortly either way.
	if errors.Is(err, circuitbreaker.ErrTooManyProbes) {
		return ClassProbeFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassPermanent
}
