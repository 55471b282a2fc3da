package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/metrics"
)

// DefaultFallbackPrices are used when every live source fails for a known symbol.
var DefaultFallbackPrices = domain.PriceTable{
	"ETH":  1500,
	"WETH": 1500,
	"USDC": 1,
	"USDT": 1,
	"DAI":  1,
}

const defaultLookupConcurrency = 4

// PriceResolver resolves USD prices for holdings. Live sources are tried in
// order, then the static fallback table, then domain.DefaultPrice.
// A failing symbol never fails the batch.
type PriceResolver struct {
	sources     []domain.PriceService
	fallback    domain.PriceTable
	concurrency int
	log         zerolog.Logger
}

// NewPriceResolver creates a resolver. A nil fallback uses DefaultFallbackPrices.
func NewPriceResolver(sources []domain.PriceService, fallback domain.PriceTable, log zerolog.Logger) *PriceResolver {
	if fallback == nil {
		fallback = DefaultFallbackPrices
	}
	normalized := make(domain.PriceTable, len(fallback))
	for symbol, price := range fallback {
		normalized[strings.ToUpper(symbol)] = price
	}
	return &PriceResolver{
		sources:     sources,
		fallback:    normalized,
		concurrency: defaultLookupConcurrency,
		log:         log.With().Str("component", "price_resolver").Logger(),
	}
}

// Resolve returns a price for every holding plus a quote describing each one.
// Symbols present in known are taken as caller-supplied and not looked up.
func (r *PriceResolver) Resolve(ctx context.Context, holdings domain.Holdings, known domain.PriceTable) (domain.PriceTable, []domain.PriceQuote) {
	quotes := make([]domain.PriceQuote, len(holdings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, h := range holdings {
		if price, ok := known[h.Symbol]; ok {
			quotes[i] = domain.PriceQuote{Symbol: h.Symbol, PriceUSD: price, Source: domain.PriceSourceCaller}
			continue
		}
		g.Go(func() error {
			quotes[i] = r.resolveOne(gctx, h)
			return nil
		})
	}
	_ = g.Wait()

	table := make(domain.PriceTable, len(quotes))
	for _, q := range quotes {
		table[q.Symbol] = q.PriceUSD
		metrics.PriceLookups.WithLabelValues(string(q.Source)).Inc()
	}
	return table, quotes
}

func (r *PriceResolver) resolveOne(ctx context.Context, h domain.Holding) domain.PriceQuote {
	var lastErr error
	for _, src := range r.sources {
		price, err := src.GetCurrentPrice(ctx, h)
		if err == nil && price > 0 {
			r.log.Debug().Str("symbol", h.Symbol).Str("source", src.Name()).Float64("price", price).Msg("Price resolved")
			return domain.PriceQuote{Symbol: h.Symbol, PriceUSD: price, Source: domain.PriceSourceLive}
		}
		if err == nil {
			err = domain.ErrPriceNotFound
		}
		lastErr = err
		metrics.UpstreamErrors.WithLabelValues(src.Name()).Inc()
		r.log.Debug().Err(err).Str("symbol", h.Symbol).Str("address", h.Address).Str("source", src.Name()).Msg("Live price lookup failed")
	}

	quote := domain.PriceQuote{Symbol: h.Symbol}
	if lastErr != nil {
		quote.Error = lastErr.Error()
	}

	if price, ok := r.fallback[strings.ToUpper(h.Symbol)]; ok {
		quote.PriceUSD = price
		quote.Source = domain.PriceSourceFallback
		r.log.Warn().Str("symbol", h.Symbol).Float64("price", price).Msg("Using fallback price")
		return quote
	}

	quote.PriceUSD = domain.DefaultPrice
	quote.Source = domain.PriceSourceDefault
	r.log.Warn().Str("symbol", h.Symbol).Str("address", h.Address).Msg("No price available, using default")
	return quote
}
