// Package catalog holds the static model registry: tiers, per-token pricing,
// and capability flags. The catalog is advisory for pricing and chain
// construction; unknown model ids are still forwarded upstream.
package catalog

import (
	"sort"
	"strings"
	"sync"
)

// Tier buckets models by price/quality.
type Tier string

const (
	TierFree     Tier = "free"
	TierEco      Tier = "eco"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Capability flags what a model can handle.
type Capability string

const (
	CapReasoning   Capability = "reasoning"
	CapCode        Capability = "code"
	CapVision      Capability = "vision"
	CapLongContext Capability = "long-context"
	CapGeneral     Capability = "general"
)

// Routing aliases accepted in the request's model field.
const (
	AliasAuto    = "auto"
	AliasEco     = "eco"
	AliasPremium = "premium"
	AliasFree    = "free"
)

// IsAlias reports whether id is a routing alias rather than a model id.
func IsAlias(id string) bool {
	switch id {
	case AliasAuto, AliasEco, AliasPremium, AliasFree:
		return true
	}
	return false
}

// Model describes one catalog entry. Immutable after registration.
type Model struct {
	ID              string       `json:"id"`
	Tier            Tier         `json:"tier"`
	PricePerMTok    float64      `json:"price_per_mtok"` // USD per million tokens; 0 for free models
	Capabilities    []Capability `json:"capabilities"`
	RequiresPayment bool         `json:"requires_payment"`
	EmergencyFree   bool         `json:"emergency_free,omitempty"`
}

// Has reports whether the model carries the given capability.
func (m Model) Has(c Capability) bool {
	for _, mc := range m.Capabilities {
		if mc == c {
			return true
		}
	}
	return false
}

// HasAll reports whether the model satisfies every capability in caps.
// CapGeneral is satisfied by any model.
func (m Model) HasAll(caps []Capability) bool {
	for _, c := range caps {
		if c == CapGeneral {
			continue
		}
		if !m.Has(c) {
			return false
		}
	}
	return true
}

// Catalog is the in-memory model registry, initialized at startup.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
	order  []string
}

// New builds a catalog from the given models.
func New(models []Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		m.ID = Normalize(m.ID)
		if _, dup := c.models[m.ID]; dup {
			continue
		}
		c.models[m.ID] = m
		c.order = append(c.order, m.ID)
	}
	return c
}

// Default returns the catalog shipped with the router.
func Default() *Catalog {
	return New([]Model{
		{ID: "nvidia/gpt-oss-120b", Tier: TierFree, PricePerMTok: 0,
			Capabilities:  []Capability{CapGeneral, CapCode, CapReasoning},
			EmergencyFree: true},
		{ID: "meta/llama-3.1-8b", Tier: TierFree, PricePerMTok: 0,
			Capabilities: []Capability{CapGeneral}},
		{ID: "deepseek/deepseek-chat", Tier: TierEco, PricePerMTok: 0.27,
			Capabilities: []Capability{CapGeneral, CapCode}, RequiresPayment: true},
		{ID: "qwen/qwen-2.5-72b", Tier: TierEco, PricePerMTok: 0.35,
			Capabilities: []Capability{CapGeneral, CapCode, CapLongContext}, RequiresPayment: true},
		{ID: "xai/grok-code-fast-1", Tier: TierStandard, PricePerMTok: 1.50,
			Capabilities: []Capability{CapGeneral, CapCode}, RequiresPayment: true},
		{ID: "openai/gpt-4o-mini", Tier: TierStandard, PricePerMTok: 0.60,
			Capabilities: []Capability{CapGeneral, CapCode, CapVision}, RequiresPayment: true},
		{ID: "google/gemini-2.0-flash", Tier: TierStandard, PricePerMTok: 0.40,
			Capabilities: []Capability{CapGeneral, CapVision, CapLongContext}, RequiresPayment: true},
		{ID: "anthropic/claude-sonnet-4", Tier: TierPremium, PricePerMTok: 15.0,
			Capabilities: []Capability{CapGeneral, CapCode, CapReasoning, CapVision, CapLongContext}, RequiresPayment: true},
		{ID: "openai/gpt-4o", Tier: TierPremium, PricePerMTok: 10.0,
			Capabilities: []Capability{CapGeneral, CapCode, CapReasoning, CapVision}, RequiresPayment: true},
		{ID: "deepseek/deepseek-r1", Tier: TierPremium, PricePerMTok: 2.19,
			Capabilities: []Capability{CapGeneral, CapCode, CapReasoning, CapLongContext}, RequiresPayment: true},
	})
}

// Normalize canonicalizes a model id: trims whitespace and lowercases the
// vendor segment before the first "/", preserving the rest. Idempotent.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, "/"); i >= 0 {
		return strings.ToLower(id[:i]) + id[i:]
	}
	return strings.ToLower(id)
}

// Get looks up a model by id (normalized first).
func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[Normalize(id)]
	return m, ok
}

// List returns all models in registration order.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// Matching returns models in the given tier that satisfy caps, sorted by
// ascending price. A zero tier matches all tiers.
func (c *Catalog) Matching(tier Tier, caps []Capability) []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Model
	for _, id := range c.order {
		m := c.models[id]
		if tier != "" && m.Tier != tier {
			continue
		}
		if !m.HasAll(caps) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PricePerMTok < out[j].PricePerMTok
	})
	return out
}

// CheapestPaid returns the cheapest non-free model satisfying caps.
func (c *Catalog) CheapestPaid(caps []Capability) (Model, bool) {
	var best Model
	found := false
	for _, m := range c.Matching("", caps) {
		if m.PricePerMTok <= 0 {
			continue
		}
		if !found || m.PricePerMTok < best.PricePerMTok {
			best, found = m, true
		}
	}
	return best, found
}

// MostCapable returns the highest-priced model satisfying caps, used for the
// premium alias and for the savings denominator.
func (c *Catalog) MostCapable(caps []Capability) (Model, bool) {
	var best Model
	found := false
	for _, m := range c.Matching("", caps) {
		if !found || m.PricePerMTok > best.PricePerMTok {
			best, found = m, true
		}
	}
	return best, found
}

// EmergencyFree returns the cheapest model flagged as the emergency fallback.
// Every candidate chain terminates with this model.
func (c *Catalog) EmergencyFree() Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best Model
	found := false
	for _, id := range c.order {
		m := c.models[id]
		if !m.EmergencyFree {
			continue
		}
		if !found || m.PricePerMTok < best.PricePerMTok {
			best, found = m, true
		}
	}
	return best
}
