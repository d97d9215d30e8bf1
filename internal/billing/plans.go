// Package billing provides plan mapping and billing domain logic.
package billing

// PlanResolver translates Stripe price IDs into identity provider feature IDs.
// This is the single source of truth for which purchase grants which feature.
type PlanResolver interface {
	// Resolve returns the feature ID granted by the given price ID.
	// The second return value is false when the price ID has no mapping;
	// callers must treat that as a configuration gap, not a user error.
	Resolve(priceID string) (featureID string, ok bool)

	// Known returns the number of configured price mappings. Used at startup
	// to log the table size and catch an accidentally empty deployment.
	Known() int
}

// staticPlanResolver is a compile-time plan resolver backed by an in-memory map.
// It implements PlanResolver and is the standard implementation for production
// use: the table is loaded from configuration once at startup and never
// changes while the process runs.
type staticPlanResolver struct {
	features map[string]string
}

// NewStaticPlanResolver returns a PlanResolver backed by the given
// price-to-feature table. The table is copied so callers cannot mutate the
// resolver's view after construction.
func NewStaticPlanResolver(mapping map[string]string) PlanResolver {
	m := make(map[string]string, len(mapping))
	for priceID, featureID := range mapping {
		m[priceID] = featureID
	}
	return &staticPlanResolver{features: m}
}

// Resolve returns the feature ID for the given price ID.
// An unknown price ID returns ok=false; there is no fallback feature, because
// granting the wrong entitlement is worse than granting none.
func (r *staticPlanResolver) Resolve(priceID string) (string, bool) {
	featureID, ok := r.features[priceID]
	return featureID, ok
}

// Known returns the number of configured price mappings.
func (r *staticPlanResolver) Known() int {
	return len(r.features)
}
