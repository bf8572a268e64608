package reconcile

import "github.com/sells-group/monitor-cli/internal/model"

// DefaultComputedAttrs is the production dependency graph. Derived values
// are recomputed whenever an input attribute changes and are never directly
// assertable.
func DefaultComputedAttrs() []ComputedAttr {
	return []ComputedAttr{
		{
			Name:   "trust_per_share",
			Inputs: []string{"trust_cash", "shares_outstanding"},
			Compute: func(inputs []any) (any, bool) {
				cash, ok1 := asNumber(inputs[0])
				shares, ok2 := asNumber(inputs[1])
				if !ok1 || !ok2 || shares == 0 {
					return nil, false
				}
				return cash / shares, true
			},
		},
		{
			Name:   "redemption_ratio",
			Inputs: []string{"shares_redeemed", "shares_outstanding"},
			Compute: func(inputs []any) (any, bool) {
				redeemed, ok1 := asNumber(inputs[0])
				shares, ok2 := asNumber(inputs[1])
				if !ok1 || !ok2 || shares == 0 {
					return nil, false
				}
				return redeemed / shares, true
			},
		},
	}
}

// DefaultInvariants are the built-in post-write checks. Investigation adds
// more at runtime through the registry.
func DefaultInvariants() []Invariant {
	return []Invariant{
		{
			Name:       "trust_per_share_positive",
			Attributes: []string{"trust_per_share"},
			Severity:   model.SeverityHigh,
			Check: func(e *model.Entity) (bool, string) {
				av, ok := e.Attribute("trust_per_share")
				if !ok {
					return true, ""
				}
				v, numeric := asNumber(av.Value)
				if !numeric {
					return true, ""
				}
				if v <= 0 {
					return false, "trust_per_share is not positive"
				}
				return true, ""
			},
		},
		{
			Name:       "redemptions_within_float",
			Attributes: []string{"redemption_ratio"},
			Severity:   model.SeverityMedium,
			Check: func(e *model.Entity) (bool, string) {
				av, ok := e.Attribute("redemption_ratio")
				if !ok {
					return true, ""
				}
				v, numeric := asNumber(av.Value)
				if !numeric {
					return true, ""
				}
				if v > 1 {
					return false, "shares_redeemed exceeds shares_outstanding"
				}
				return true, ""
			},
		},
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
