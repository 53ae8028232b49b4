package fallback

import (
	"github.com/upb/llm-fallback-gateway/services/equivalence"
)

// Strategy names how a fallback candidate is chosen for an error category.
type Strategy string

const (
	// StrategyNextPeer picks the first remaining peer in tier
	// preference order.
	StrategyNextPeer Strategy = "next_peer"

	// StrategyLongContextPeer prefers a peer with the long-context
	// capability, falling through to generic selection when none exists.
	StrategyLongContextPeer Strategy = "long_context_peer"

	// StrategyNone surfaces the error immediately without fallback.
	StrategyNone Strategy = "none"
)

// Rule maps an error category to a resolution strategy. Rules are ordered;
// the first rule matching the classified category wins.
type Rule struct {
	Category ErrorCategory `json:"category"`
	Strategy Strategy      `json:"strategy"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategoryAuthError, Strategy: StrategyNone},
		{Category: CategoryInvalidRequest, Strategy: StrategyNone},
		{Category: CategoryContextLength, Strategy: StrategyLongContextPeer},
		{Category: CategoryCircuitOpen, Strategy: StrategyNextPeer},
		{Category: CategoryRateLimited, Strategy: StrategyNextPeer},
		{Category: CategoryServerError, Strategy: StrategyNextPeer},
		{Category: CategoryTimeout, Strategy: StrategyNextPeer},
		{Category: CategoryNetworkError, Strategy: StrategyNextPeer},
	}
}

// Resolver decides the next backend to try after a failed attempt. It is
// pure given its inputs: it holds no mutable state and performs no I/O.
type Resolver struct {
	tiers *equivalence.Registry
	rules []Rule
}

// NewResolver creates a resolver over the given equivalence registry.
// A nil rules slice selects the default rule table.
func NewResolver(tiers *equivalence.Registry, rules []Rule) *Resolver {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Resolver{tiers: tiers, rules: rules}
}

// Resolve returns the next backend to try after failing fails with err,
// or false when no fallback is possible: the error is non-retryable, the
// backend has no tier, or every peer has already been attempted.
func (r *Resolver) Resolve(failing equivalence.BackendKey, err error, attempted map[equivalence.BackendKey]struct{}, policy Policy) (equivalence.BackendKey, bool) {
	category := Classify(err)
	if !category.Retryable() {
		return "", false
	}

	strategy := r.strategyFor(category)
	if strategy == StrategyNone {
		return "", false
	}

	peers := r.tiers.PeersOf(failing, attempted)
	if len(peers) == 0 {
		return "", false
	}

	if strategy == StrategyLongContextPeer {
		for _, peer := range peers {
			if tier, ok := r.tiers.ResolveTier(peer); ok && tier.HasCapability(equivalence.CapabilityLongContext) {
				return peer, true
			}
		}
		// No long-context peer remains; fall through to generic selection.
	}

	return peers[0], true
}

// strategyFor finds the first matching rule for the category. Categories
// without a rule get generic peer selection.
func (r *Resolver) strategyFor(category ErrorCategory) Strategy {
	for _, rule := range r.rules {
		if rule.Category == category {
			return rule.Strategy
		}
	}
	return StrategyNextPeer
}
