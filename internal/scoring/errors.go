// Package scoring orchestrates the signal agents and aggregates their
// sub-scores into a decision.
package scoring

import "errors"

// ErrPartialAgentFailure is returned alongside a usable assessment when
// more agents degraded than the configured tolerance. Callers decide
// whether to serve the result or escalate; the assessment itself is
// complete, with defaults substituted for the degraded agents.
var ErrPartialAgentFailure = errors.New("partial agent failure: too many degraded agents")
