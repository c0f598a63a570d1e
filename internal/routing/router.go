// Package routing builds the per-request candidate chain: it resolves the
// requested model (or routing alias) against the catalog, orders fallbacks by
// ascending price, and pins sticky sessions to their last successful model.
package routing

import (
	"fmt"

	"github.com/BlockRunAI/ClawRouter/internal/catalog"
)

// defaultEstimateTokens is used for cost estimation when the client did not
// send max_tokens.
const defaultEstimateTokens = 1024

// Router produces routing decisions. Immutable after construction except for
// the pin store it consults.
type Router struct {
	catalog *catalog.Catalog
	pins    *PinStore
}

// New creates a router over the given catalog and pin store.
func New(cat *catalog.Catalog, pins *PinStore) *Router {
	return &Router{catalog: cat, pins: pins}
}

// Catalog returns the router's model catalog.
func (r *Router) Catalog() *catalog.Catalog { return r.catalog }

// Pins returns the session pin store.
func (r *Router) Pins() *PinStore { return r.pins }

// Plan resolves the request's model field into an ordered candidate chain.
// balanceEmpty collapses the auto path to the free tier.
func (r *Router) Plan(req ChatRequest, tags []catalog.Capability, sessionID string, balanceEmpty bool) Decision {
	model := catalog.Normalize(req.Model)
	if model == "" {
		model = catalog.AliasAuto
	}

	var d Decision
	switch model {
	case catalog.AliasAuto:
		tier := catalog.TierStandard
		if demanding(tags) {
			tier = catalog.TierPremium
		}
		if balanceEmpty {
			tier = catalog.TierFree
			d.Reasoning = "wallet empty, auto routed to free tier"
		} else {
			d.Reasoning = fmt.Sprintf("auto routed to %s tier for %v", tier, tags)
		}
		d = r.tierChain(d, model, tier, tags)

	case catalog.AliasEco:
		d.Reasoning = "eco alias: cheapest paid model satisfying capabilities"
		if m, ok := r.catalog.CheapestPaid(tags); ok {
			d = r.tierChain(d, model, m.Tier, tags)
			d.Primary = m.ID
			d.Chain = prepend(m.ID, d.Chain)
		} else {
			d = r.tierChain(d, model, catalog.TierEco, tags)
		}

	case catalog.AliasPremium:
		d.Reasoning = "premium alias: most capable model satisfying capabilities"
		if m, ok := r.catalog.MostCapable(tags); ok {
			d = r.tierChain(d, model, m.Tier, tags)
			d.Primary = m.ID
			d.Chain = prepend(m.ID, d.Chain)
		} else {
			d = r.tierChain(d, model, catalog.TierPremium, tags)
		}

	case catalog.AliasFree:
		d.Reasoning = "free alias: zero-price models only"
		d = r.tierChain(d, model, catalog.TierFree, tags)

	default:
		// Explicit model. The catalog is advisory: unknown ids are still
		// forwarded upstream, backed only by the emergency free model.
		d.TierProfile = model
		d.Primary = model
		d.Reasoning = "explicit model requested"
		if m, ok := r.catalog.Get(model); ok {
			d.Tier = m.Tier
		}
		d.Chain = []string{model}
	}

	emergency := r.catalog.EmergencyFree()
	if emergency.ID != "" {
		d.Chain = append(d.Chain, emergency.ID)
	}
	d.Chain = dedupe(d.Chain)

	r.applyPin(&d, sessionID, tags)
	r.estimate(&d, req, tags)
	return d
}

// tierChain fills the decision with all tier members satisfying tags, sorted
// by ascending price, and records the tier profile.
func (r *Router) tierChain(d Decision, profile string, tier catalog.Tier, tags []catalog.Capability) Decision {
	d.TierProfile = profile
	d.Tier = tier
	members := r.catalog.Matching(tier, tags)
	for _, m := range members {
		d.Chain = append(d.Chain, m.ID)
	}
	if len(members) > 0 {
		d.Primary = members[0].ID
	}
	return d
}

// applyPin moves a live session pin to the head of the chain when it is
// compatible with the classification. Pins are scoped by tier profile: a pin
// written under one profile is never honored under another.
func (r *Router) applyPin(d *Decision, sessionID string, tags []catalog.Capability) {
	if sessionID == "" || r.pins == nil {
		return
	}
	pinned, ok := r.pins.Get(sessionID, d.TierProfile)
	if !ok {
		return
	}
	if m, known := r.catalog.Get(pinned); known && !m.HasAll(tags) {
		return
	}
	d.Primary = pinned
	d.Chain = dedupe(prepend(pinned, d.Chain))
	d.Reasoning += "; session pinned to " + pinned
}

// estimate computes the primary cost estimate and the savings ratio relative
// to the most capable model that would satisfy the request.
func (r *Router) estimate(d *Decision, req ChatRequest, tags []catalog.Capability) {
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = defaultEstimateTokens
	}
	var primaryPrice float64
	if m, ok := r.catalog.Get(d.Primary); ok {
		primaryPrice = m.PricePerMTok
	}
	d.EstimatedCostUSD = primaryPrice * float64(tokens) / 1e6

	if top, ok := r.catalog.MostCapable(tags); ok && top.PricePerMTok > 0 {
		premiumCost := top.PricePerMTok * float64(tokens) / 1e6
		d.Savings = 1 - d.EstimatedCostUSD/premiumCost
		if d.Savings < 0 {
			d.Savings = 0
		}
	}
}

func demanding(tags []catalog.Capability) bool {
	for _, t := range tags {
		switch t {
		case catalog.CapReasoning, catalog.CapCode, catalog.CapLongContext:
			return true
		}
	}
	return false
}

func prepend(id string, chain []string) []string {
	out := make([]string, 0, len(chain)+1)
	out = append(out, id)
	return append(out, chain...)
}

// dedupe removes duplicate ids while preserving first-occurrence order.
func dedupe(chain []string) []string {
	seen := make(map[string]struct{}, len(chain))
	out := chain[:0]
	for _, id := range chain {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
