package service

import (
	"math"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

// DefaultThreshold is the minimum percentage-point drift that produces an action.
const DefaultThreshold = 1.0

// RebalanceCalculator computes allocation drift and the trades that close it.
// It performs no I/O and holds no state besides its threshold.
type RebalanceCalculator struct {
	threshold float64
}

// NewRebalanceCalculator returns a calculator that ignores drift of at most
// threshold percentage points. A negative threshold is treated as zero.
func NewRebalanceCalculator(threshold float64) *RebalanceCalculator {
	if threshold < 0 || math.IsNaN(threshold) {
		threshold = 0
	}
	return &RebalanceCalculator{threshold: threshold}
}

// Threshold returns the significance threshold in percentage points.
func (c *RebalanceCalculator) Threshold() float64 {
	return c.threshold
}

// Calculate compares current holdings against the target allocation.
//
// Prices missing from prices are taken as domain.DefaultPrice and reported back
// in the result's token prices. Target symbols that are not held produce no action.
func (c *RebalanceCalculator) Calculate(
	holdings domain.Holdings,
	prices domain.PriceTable,
	target domain.TargetAllocation,
) (*domain.RebalanceResult, error) {
	if len(holdings) == 0 {
		return nil, domain.NewValidationError("tokens", "missing tokens data")
	}
	if len(target) == 0 {
		return nil, domain.NewValidationError("target_allocation", "missing target allocation data")
	}

	resolved := make(domain.PriceTable, len(holdings))
	for _, h := range holdings {
		if h.Balance < 0 || math.IsNaN(h.Balance) || math.IsInf(h.Balance, 0) {
			return nil, domain.NewValidationError("tokens."+h.Symbol, "balance must be a non-negative number")
		}
		price, ok := prices[h.Symbol]
		if !ok {
			price = domain.DefaultPrice
		}
		if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return nil, domain.NewValidationError("token_prices."+h.Symbol, "price must be a non-negative number")
		}
		resolved[h.Symbol] = price
	}

	var totalValue float64
	for _, h := range holdings {
		totalValue += h.Balance * resolved[h.Symbol]
	}
	if totalValue == 0 {
		return nil, &domain.ZeroValueError{}
	}

	current := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		current[h.Symbol] = h.Balance * resolved[h.Symbol] / totalValue * 100
	}

	actions := make([]domain.RebalanceAction, 0)
	for _, h := range holdings {
		targetPct, ok := target[h.Symbol]
		if !ok {
			continue
		}
		diff := current[h.Symbol] - targetPct
		if math.Abs(diff) <= c.threshold {
			continue
		}
		price := resolved[h.Symbol]
		if price == 0 {
			// A zero-priced token has no value to move and no tradeable amount.
			continue
		}

		direction := domain.ActionBuy
		if diff > 0 {
			direction = domain.ActionSell
		}
		amountUSD := math.Abs(diff) * totalValue / 100
		actions = append(actions, domain.RebalanceAction{
			Token:            h.Symbol,
			Action:           direction,
			Amount:           amountUSD / price,
			PercentageChange: math.Abs(diff),
		})
	}

	return &domain.RebalanceResult{
		TotalValue:        totalValue,
		CurrentAllocation: current,
		TargetAllocation:  target,
		RebalanceActions:  actions,
		TokenPrices:       resolved,
	}, nil
}
