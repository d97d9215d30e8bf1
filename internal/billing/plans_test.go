package billing

import "testing"

func TestNewStaticPlanResolver(t *testing.T) {
	resolver := NewStaticPlanResolver(map[string]string{
		"price_basic_monthly": "feat-basic",
	})
	if resolver == nil {
		t.Fatal("NewStaticPlanResolver returned nil")
	}
	if resolver.Known() != 1 {
		t.Errorf("Known() = %d, want 1", resolver.Known())
	}
}

func TestResolve_KnownPrice(t *testing.T) {
	resolver := NewStaticPlanResolver(map[string]string{
		"price_basic_monthly": "feat-basic",
		"price_pro_yearly":    "feat-pro",
	})

	featureID, ok := resolver.Resolve("price_pro_yearly")
	if !ok {
		t.Fatal("Resolve returned ok=false for a configured price")
	}
	if featureID != "feat-pro" {
		t.Errorf("featureID = %q, want feat-pro", featureID)
	}
}

func TestResolve_UnknownPrice(t *testing.T) {
	resolver := NewStaticPlanResolver(map[string]string{
		"price_basic_monthly": "feat-basic",
	})

	featureID, ok := resolver.Resolve("price_unmapped")
	if ok {
		t.Error("Resolve returned ok=true for an unmapped price")
	}
	if featureID != "" {
		t.Errorf("featureID = %q, want empty string for unmapped price", featureID)
	}
}

func TestResolve_EmptyTable(t *testing.T) {
	resolver := NewStaticPlanResolver(nil)

	if resolver.Known() != 0 {
		t.Errorf("Known() = %d, want 0 for empty table", resolver.Known())
	}
	if _, ok := resolver.Resolve("price_anything"); ok {
		t.Error("Resolve returned ok=true on an empty table")
	}
}

func TestResolve_CallerCannotMutateTable(t *testing.T) {
	source := map[string]string{"price_basic_monthly": "feat-basic"}
	resolver := NewStaticPlanResolver(source)

	source["price_basic_monthly"] = "feat-hijacked"
	source["price_injected"] = "feat-injected"

	featureID, ok := resolver.Resolve("price_basic_monthly")
	if !ok || featureID != "feat-basic" {
		t.Errorf("Resolve = (%q, %v), want (feat-basic, true) after source mutation", featureID, ok)
	}
	if _, ok := resolver.Resolve("price_injected"); ok {
		t.Error("mutation of the source map leaked into the resolver")
	}
}
