package ratelimit

import (
	"fmt"
	"time"
)

// Tier is the rate-limit class of a method. It is a static property of the
// method, never supplied by the caller.
type Tier int

const (
	TierAuth Tier = iota
	TierExpensive
	TierNormal
	TierCheap

	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierAuth:
		return "auth"
	case TierExpensive:
		return "expensive"
	case TierNormal:
		return "normal"
	case TierCheap:
		return "cheap"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses the String form of a tier.
func ParseTier(s string) (Tier, error) {
	for t := TierAuth; t < numTiers; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Quota is the number of requests admitted per fixed window.
type Quota struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultQuotas returns the built-in quota per tier.
func DefaultQuotas() map[Tier]Quota {
	return map[Tier]Quota{
		TierAuth:      {Limit: 5, Window: 5 * time.Minute},
		TierExpensive: {Limit: 10, Window: time.Minute},
		TierNormal:    {Limit: 60, Window: time.Minute},
		TierCheap:     {Limit: 300, Window: time.Minute},
	}
}

var methodTiers = map[string]Tier{
	"authenticate":           TierAuth,
	"rotate_token":           TierAuth,
	"ping":                   TierCheap,
	"get_stats":              TierCheap,
	"task_status":            TierCheap,
	"list_tasks":             TierCheap,
	"task_cancel":            TierNormal,
	"clear_cache":            TierNormal,
	"invalidate_layer_cache": TierNormal,
	"list_layers":            TierNormal,
	"get_layer_info":         TierNormal,
	"get_features":           TierNormal,
	"load_layer":             TierExpensive,
	"save_project":           TierExpensive,
	"render_map":             TierExpensive,
	"execute_processing":     TierExpensive,
	"execute_code":           TierExpensive,
}

// TierFor returns the tier of a gateway method. Unknown methods are normal.
func TierFor(method string) Tier {
	if t, ok := methodTiers[method]; ok {
		return t
	}
	return TierNormal
}
