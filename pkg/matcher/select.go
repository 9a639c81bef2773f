package matcher

import (
	"crypto/rand"
	"math/big"

	"github.com/protoforge/mockgrpc/pkg/ruledoc"
)

// Select evaluates the top-level gate, builds the candidate set (fallbacks
// only if the gate fails, otherwise every response whose "when" holds,
// falling back if that set is empty), then picks the highest-priority
// candidate, ties broken by original order.
//
// A nil doc, or one that yields no candidate, returns ok=false; what to
// emit then (an error for an absent RuleDoc, a default-OK response for no
// candidate) is the caller's responsibility.
func Select(doc *ruledoc.RuleDoc, root map[string]any) (ruledoc.ResponseOption, bool) {
	if doc == nil || len(doc.Responses) == 0 {
		return ruledoc.ResponseOption{}, false
	}

	gateHolds := EvaluateGate(doc.Match, root)

	var candidates []int
	if gateHolds {
		for i, r := range doc.Responses {
			if len(r.When) == 0 {
				continue
			}
			if EvaluateAll(r.When, root) {
				candidates = append(candidates, i)
			}
		}
	}
	if len(candidates) == 0 {
		// Gate failed, or gate held but nothing matched: fall back to
		// responses with no "when".
		for i, r := range doc.Responses {
			if len(r.When) == 0 {
				candidates = append(candidates, i)
			}
		}
	}
	if len(candidates) == 0 {
		return ruledoc.ResponseOption{}, false
	}

	best := candidates[0]
	for _, i := range candidates[1:] {
		if doc.Responses[i].Priority > doc.Responses[best].Priority {
			best = i
		}
	}
	return doc.Responses[best], true
}

// Shuffle performs an in-place Fisher-Yates permutation: a true uniform
// shuffle, not a sort-by-random-key approximation.
func Shuffle[T any](items []T) {
	for i := len(items) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// randIntn returns a uniform random int in [0, n) using crypto/rand so the
// permutation has no dependency on a seedable, predictable PRNG.
func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
