package catalog

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  DEEPSEEK/deepseek-chat  ", "deepseek/deepseek-chat"},
		{"XAI/Grok-Code-Fast-1", "xai/Grok-Code-Fast-1"},
		{"AUTO", "auto"},
		{"deepseek/deepseek-chat", "deepseek/deepseek-chat"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	ids := []string{"  A/B ", "Vendor/Model-X", "plain", "OPENAI/gpt-4o"}
	for _, id := range ids {
		once := Normalize(id)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q != %q", id, once, twice)
		}
	}
}

func TestDefaultHasEmergencyFree(t *testing.T) {
	c := Default()
	em := c.EmergencyFree()
	if em.ID != "nvidia/gpt-oss-120b" {
		t.Fatalf("emergency free model = %q", em.ID)
	}
	if em.PricePerMTok != 0 {
		t.Fatalf("emergency free model must be free, price=%f", em.PricePerMTok)
	}
}

func TestMatchingSortedByPrice(t *testing.T) {
	c := Default()
	models := c.Matching(TierStandard, []Capability{CapGeneral})
	if len(models) < 2 {
		t.Fatalf("expected multiple standard models, got %d", len(models))
	}
	for i := 1; i < len(models); i++ {
		if models[i].PricePerMTok < models[i-1].PricePerMTok {
			t.Fatalf("models not sorted by price: %v", models)
		}
	}
}

func TestMatchingFiltersCapabilities(t *testing.T) {
	c := Default()
	for _, m := range c.Matching("", []Capability{CapVision}) {
		if !m.Has(CapVision) {
			t.Errorf("model %s lacks vision", m.ID)
		}
	}
}

func TestCheapestPaidSkipsFree(t *testing.T) {
	c := Default()
	m, ok := c.CheapestPaid([]Capability{CapGeneral})
	if !ok {
		t.Fatal("expected a paid model")
	}
	if m.PricePerMTok <= 0 {
		t.Fatalf("cheapest paid model has price %f", m.PricePerMTok)
	}
}

func TestHasAllGeneralAlwaysSatisfied(t *testing.T) {
	m := Model{ID: "x/y", Capabilities: []Capability{CapCode}}
	if !m.HasAll([]Capability{CapGeneral}) {
		t.Error("general should be satisfied by any model")
	}
	if m.HasAll([]Capability{CapReasoning}) {
		t.Error("reasoning should not be satisfied")
	}
}

func TestGetNormalizesLookup(t *testing.T) {
	c := Default()
	if _, ok := c.Get("  DEEPSEEK/deepseek-chat "); !ok {
		t.Fatal("lookup should normalize the id")
	}
}

func TestIsAlias(t *testing.T) {
	for _, a := range []string{"auto", "eco", "premium", "free"} {
		if !IsAlias(a) {
			t.Errorf("expected %q to be an alias", a)
		}
	}
	if IsAlias("deepseek/deepseek-chat") {
		t.Error("model id misdetected as alias")
	}
}
