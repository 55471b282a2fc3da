// Command simulate runs a rebalance calculation from a JSON file without
// starting the server.
//
//	simulate -in portfolio.json -threshold 0.5
//	simulate -live
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/supaandu/rebalancer/internal/adapters/price"
	"github.com/supaandu/rebalancer/internal/config"
	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/core/service"
	"github.com/supaandu/rebalancer/pkg/logger"
)

// input has the same shape as a /api/calculate_rebalance request.
type input struct {
	Tokens           domain.Holdings         `json:"tokens"`
	TargetAllocation domain.TargetAllocation `json:"target_allocation"`
	TokenPrices      domain.PriceTable       `json:"token_prices"`
}

const sample = `{
  "tokens": {
    "ETH":  {"balance": 1.5, "decimals": 18},
    "USDC": {"address": "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "balance": 1200, "decimals": 6},
    "LINK": {"address": "0x514910771af9ca656af840dff83e8264ecf986ca", "balance": 40, "decimals": 18}
  },
  "target_allocation": {"ETH": 50, "USDC": 30, "LINK": 20}
}`

func main() {
	var (
		inPath    = flag.String("in", "", "JSON file with tokens, target_allocation and optional token_prices (default: built-in sample)")
		threshold = flag.Float64("threshold", service.DefaultThreshold, "minimum allocation drift in percentage points")
		live      = flag.Bool("live", false, "look up prices from CoinGecko and DexScreener")
		verbose   = flag.Bool("v", false, "log price lookups")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true, Output: os.Stderr})

	if err := run(*inPath, *threshold, *live, log); err != nil {
		log.Error().Err(err).Msg("Simulation failed")
		os.Exit(1)
	}
}

func run(inPath string, threshold float64, live bool, log zerolog.Logger) error {
	data := []byte(sample)
	if inPath != "" {
		var err error
		if data, err = os.ReadFile(inPath); err != nil {
			return err
		}
	}

	var in input
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode %s: %w", describeInput(inPath), err)
	}

	var (
		sources  []domain.PriceService
		fallback domain.PriceTable
	)
	if live {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		sources = append(sources, price.NewCoinGeckoService(cfg.CoinGecko.BaseURL, cfg.CoinGecko.APIKey, cfg.CoinGecko.Platform, cfg.HTTPTimeout))
		if cfg.DexScreener.Enabled {
			sources = append(sources, price.NewDexScreenerService(cfg.DexScreener.BaseURL, dexScreenerChain(cfg), cfg.HTTPTimeout))
		}
		fallback = cfg.Rebalance.FallbackPrices
	}

	resolver := service.NewPriceResolver(sources, fallback, log)
	portfolio := service.NewPortfolioService(nil, nil, resolver, service.NewRebalanceCalculator(threshold), nil, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := portfolio.CalculateRebalance(ctx, in.Tokens, in.TargetAllocation, in.TokenPrices)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func describeInput(path string) string {
	if path == "" {
		return "built-in sample"
	}
	return path
}

// dexScreenerChain keeps DexScreener on the same chain as the CoinGecko
// platform unless a chain is configured explicitly.
func dexScreenerChain(cfg *config.Config) string {
	if cfg.DexScreener.ChainID != "" {
		return cfg.DexScreener.ChainID
	}
	return price.DexScreenerChain(cfg.CoinGecko.Platform)
}
