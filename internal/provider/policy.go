package provider

import (
	"math/rand"
	"strings"

	"hostbroker/internal/errors"
)

// Policy names the strategy-selection algorithm the context applies in step 6
// of the selection pipeline.
type Policy string

const (
	PolicyFirstAvailable     Policy = "FIRST_AVAILABLE"
	PolicyRoundRobin         Policy = "ROUND_ROBIN"
	PolicyWeightedRoundRobin Policy = "WEIGHTED_ROUND_ROBIN"
	PolicyLeastConnections   Policy = "LEAST_CONNECTIONS"
	PolicyFastestResponse    Policy = "FASTEST_RESPONSE"
	PolicyHighestSuccessRate Policy = "HIGHEST_SUCCESS_RATE"
	PolicyCapabilityBased    Policy = "CAPABILITY_BASED"
	PolicyHealthBased        Policy = "HEALTH_BASED"
	PolicyRandom             Policy = "RANDOM"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PolicyFirstAvailable, PolicyRoundRobin, PolicyWeightedRoundRobin,
		PolicyLeastConnections, PolicyFastestResponse, PolicyHighestSuccessRate,
		PolicyCapabilityBased, PolicyHealthBased, PolicyRandom:
		return p, nil
	}
	return "", errors.Validation(errors.CodeConfigInvalid, "unknown selection policy").
		WithField("selection.policy", string(s)).
		Build()
}

// candidate is a strategy that survived the selection filters, with its
// health and metrics captured at filter time so one selection sees one
// consistent view.
type candidate struct {
	entry    *Entry
	name     string
	priority int
	weight   int
	caps     map[string]struct{}
	health   Health
	metrics  MetricsSnapshot
}

// pick applies the policy to the candidates. Candidates arrive sorted by
// (priority, name), so any picker that keeps the first of equally-good
// options breaks ties on lower priority then name for free.
func pick(policy Policy, cands []candidate, rrCursor, wrrCursor uint64, rng *rand.Rand) candidate {
	switch policy {
	case PolicyRoundRobin:
		return cands[int(rrCursor%uint64(len(cands)))]

	case PolicyWeightedRoundRobin:
		return pickWeighted(cands, wrrCursor)

	case PolicyLeastConnections:
		return minBy(cands, func(a, b candidate) bool {
			return a.metrics.ActiveOperations < b.metrics.ActiveOperations
		})

	case PolicyFastestResponse:
		return minBy(cands, func(a, b candidate) bool {
			return a.metrics.P95 < b.metrics.P95
		})

	case PolicyHighestSuccessRate:
		return minBy(cands, func(a, b candidate) bool {
			return a.metrics.SuccessRate > b.metrics.SuccessRate
		})

	case PolicyCapabilityBased:
		// Tightest superset: fewest declared capabilities that still cover
		// the requirement. Filtering already removed non-supersets.
		return minBy(cands, func(a, b candidate) bool {
			return len(a.caps) < len(b.caps)
		})

	case PolicyHealthBased:
		return minBy(cands, func(a, b candidate) bool {
			return a.health.Score > b.health.Score
		})

	case PolicyRandom:
		return cands[rng.Intn(len(cands))]

	default: // FIRST_AVAILABLE
		return cands[0]
	}
}

// pickWeighted walks the cursor across the cumulative weights so each
// candidate is chosen in proportion to its weight, deterministically for a
// given cursor value.
func pickWeighted(cands []candidate, cursor uint64) candidate {
	total := 0
	for _, c := range cands {
		total += c.weight
	}
	if total <= 0 {
		return cands[0]
	}
	idx := int(cursor % uint64(total))
	for _, c := range cands {
		if idx < c.weight {
			return c
		}
		idx -= c.weight
	}
	return cands[len(cands)-1]
}

// minBy returns the first candidate for which no later candidate is strictly
// better. The input ordering supplies the tie-break.
func minBy(cands []candidate, better func(a, b candidate) bool) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}
