package service

import (
	"fmt"
	"math"
	"strings"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

// Targets summing inside this band are used as given.
const (
	TargetSumLow  = 95.0
	TargetSumHigh = 105.0
)

// NormalizeTarget checks a target allocation and rescales it to sum to exactly
// 100 when its sum falls outside [TargetSumLow, TargetSumHigh].
// The input map is never modified.
func NormalizeTarget(target domain.TargetAllocation) (domain.TargetAllocation, error) {
	if len(target) == 0 {
		return nil, domain.NewValidationError("target_allocation", "missing target allocation data")
	}

	for symbol, pct := range target {
		if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 {
			return nil, domain.NewValidationError("target_allocation."+symbol, "percentage must be a non-negative number")
		}
	}

	sum := target.Sum()
	if sum <= 0 {
		return nil, domain.NewValidationError("target_allocation", "percentages must sum to more than zero")
	}

	out := make(domain.TargetAllocation, len(target))
	if sum >= TargetSumLow && sum <= TargetSumHigh {
		for symbol, pct := range target {
			out[symbol] = pct
		}
		return out, nil
	}

	for symbol, pct := range target {
		out[symbol] = pct / sum * 100
	}
	return out, nil
}

// AlignTargetSymbols rewrites target keys that match one of symbols ignoring
// case to that symbol's spelling, so "STETH" from a language model lines up
// with a held "stETH". Exact matches win. Keys matching nothing are kept.
// Two keys landing on the same symbol are a ValidationError.
func AlignTargetSymbols(target domain.TargetAllocation, symbols []string) (domain.TargetAllocation, error) {
	exact := make(map[string]bool, len(symbols))
	folded := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		exact[sym] = true
		if _, ok := folded[strings.ToLower(sym)]; !ok {
			folded[strings.ToLower(sym)] = sym
		}
	}

	out := make(domain.TargetAllocation, len(target))
	from := make(map[string]string, len(target))
	for key, pct := range target {
		symbol := key
		if !exact[key] {
			if held, ok := folded[strings.ToLower(key)]; ok {
				symbol = held
			}
		}
		if prev, dup := from[symbol]; dup {
			return nil, domain.NewValidationError("target_allocation."+symbol,
				fmt.Sprintf("symbols %q and %q refer to the same token", prev, key))
		}
		from[symbol] = key
		out[symbol] = pct
	}
	return out, nil
}

// describeTargetSum is used in log lines when a target had to be rescaled.
func describeTargetSum(target domain.TargetAllocation) string {
	return fmt.Sprintf("%.4f", target.Sum())
}
