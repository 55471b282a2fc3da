package service

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/metrics"
)

// NativeSymbol is the symbol under which the wallet's ETH balance is reported.
const NativeSymbol = "ETH"

const nativeDecimals = 18

// PortfolioService ties token discovery, price resolution, target parsing and
// the rebalance calculator together for a single request.
type PortfolioService struct {
	chain      domain.ChainService
	explorer   domain.TokenExplorer
	prices     *PriceResolver
	calculator *RebalanceCalculator
	parser     domain.TargetParser
	log        zerolog.Logger
}

// NewPortfolioService wires a portfolio service. chain, explorer and parser may
// be nil when the corresponding upstream is not configured.
func NewPortfolioService(
	chain domain.ChainService,
	explorer domain.TokenExplorer,
	prices *PriceResolver,
	calculator *RebalanceCalculator,
	parser domain.TargetParser,
	log zerolog.Logger,
) *PortfolioService {
	return &PortfolioService{
		chain:      chain,
		explorer:   explorer,
		prices:     prices,
		calculator: calculator,
		parser:     parser,
		log:        log.With().Str("component", "portfolio_service").Logger(),
	}
}

// NormalizeWallet validates a wallet address and returns its checksum form.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return "", domain.NewValidationError("wallet_address", "No wallet address provided")
	}
	if !common.IsHexAddress(wallet) {
		return "", domain.NewValidationError("wallet_address", "Invalid wallet address")
	}
	return common.HexToAddress(wallet).Hex(), nil
}

// DetectTokens reads the wallet's native balance and every ERC-20 token with a
// non-zero balance among the contracts reported by the explorer plus extra.
func (s *PortfolioService) DetectTokens(ctx context.Context, wallet string, extra []string) (*domain.Portfolio, error) {
	wallet, err := NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	if s.chain == nil {
		return nil, &domain.UpstreamLookupError{Service: "chain", Err: domain.ErrNotConfigured}
	}

	log := s.log.With().Str("wallet", wallet).Logger()

	ethBalance, err := s.chain.GetNativeBalance(ctx, wallet)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("chain").Inc()
		log.Error().Err(err).Msg("Failed to read native balance")
		return nil, &domain.UpstreamLookupError{Service: "chain", Symbol: NativeSymbol, Err: err}
	}

	tokens := domain.Holdings{{
		Symbol:   NativeSymbol,
		Decimals: nativeDecimals,
		Balance:  ethBalance,
	}}

	candidates := s.candidateContracts(ctx, wallet, extra, log)
	log.Debug().Int("contracts", len(candidates)).Msg("Checking token balances")

	found := make([]*domain.Holding, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultLookupConcurrency)
	for i, addr := range candidates {
		g.Go(func() error {
			h, err := s.readToken(gctx, addr, wallet)
			if err != nil {
				metrics.UpstreamErrors.WithLabelValues("chain").Inc()
				log.Warn().Err(err).Str("token", addr).Msg("Error checking token")
				return nil
			}
			found[i] = h
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range found {
		if h == nil || h.Balance <= 0 {
			continue
		}
		tokens.Put(*h)
		log.Debug().Str("symbol", h.Symbol).Float64("balance", h.Balance).Msg("Added token")
	}

	log.Info().Int("tokens", len(tokens)).Msg("Token detection complete")
	return &domain.Portfolio{Wallet: wallet, Tokens: tokens}, nil
}

// candidateContracts merges explorer results with caller-supplied contracts,
// checksummed and deduplicated in discovery order.
func (s *PortfolioService) candidateContracts(ctx context.Context, wallet string, extra []string, log zerolog.Logger) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		if !common.IsHexAddress(addr) {
			log.Warn().Str("token", addr).Msg("Skipping invalid token address")
			return
		}
		checksummed := common.HexToAddress(addr).Hex()
		key := strings.ToLower(checksummed)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, checksummed)
	}

	if s.explorer != nil {
		contracts, err := s.explorer.TokenContracts(ctx, wallet)
		if err != nil {
			metrics.UpstreamErrors.WithLabelValues("explorer").Inc()
			log.Warn().Err(err).Msg("Explorer lookup failed, continuing with supplied tokens")
		}
		for _, c := range contracts {
			add(c)
		}
	}
	for _, c := range extra {
		add(strings.TrimSpace(c))
	}
	return out
}

func (s *PortfolioService) readToken(ctx context.Context, addr, wallet string) (*domain.Holding, error) {
	meta, err := s.chain.GetTokenMetadata(ctx, addr)
	if err != nil {
		return nil, err
	}
	balance, err := s.chain.GetTokenBalance(ctx, meta, wallet)
	if err != nil {
		return nil, err
	}
	return &domain.Holding{
		Symbol:      meta.Symbol,
		Address:     meta.Address,
		Decimals:    meta.Decimals,
		Balance:     balance,
		CoingeckoID: strings.ToLower(meta.Address),
	}, nil
}

// CalculateRebalance resolves prices for holdings (caller-supplied prices win),
// normalizes the target and runs the calculator.
func (s *PortfolioService) CalculateRebalance(
	ctx context.Context,
	holdings domain.Holdings,
	target domain.TargetAllocation,
	known domain.PriceTable,
) (*domain.RebalanceResult, error) {
	if len(holdings) == 0 || len(target) == 0 {
		return nil, domain.NewValidationError("", "Missing tokens or target allocation data")
	}

	normalized, err := NormalizeTarget(target)
	if err != nil {
		return nil, err
	}
	if normalized.Sum() != target.Sum() {
		s.log.Info().Str("sum", describeTargetSum(target)).Msg("Target allocation renormalized to 100")
	}

	prices, quotes := s.prices.Resolve(ctx, holdings, known)

	result, err := s.calculator.Calculate(holdings, prices, normalized)
	if err != nil {
		var zv *domain.ZeroValueError
		if errors.As(err, &zv) {
			s.log.Warn().Strs("symbols", holdings.Symbols()).Interface("prices", prices).Msg("Portfolio has zero value")
		}
		return nil, err
	}
	result.PriceQuotes = quotes

	for _, a := range result.RebalanceActions {
		metrics.RebalanceActions.WithLabelValues(a.Action).Inc()
	}
	return result, nil
}

// ParseTarget asks the language model for an allocation matching query and
// normalizes it. symbols, when given, are the tokens the user holds; target
// keys are mapped onto them ignoring case.
func (s *PortfolioService) ParseTarget(ctx context.Context, query string, symbols []string) (domain.TargetAllocation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.NewValidationError("query", "No query provided")
	}
	if s.parser == nil {
		return nil, &domain.UpstreamLookupError{Service: "llm", Err: domain.ErrNotConfigured}
	}

	target, raw, err := s.parser.ParseTarget(ctx, query, symbols)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("llm").Inc()
		s.log.Error().Err(err).Str("query", query).Str("raw", raw).Msg("Target parsing failed")
		return nil, err
	}

	aligned, err := AlignTargetSymbols(target, symbols)
	if err != nil {
		s.log.Error().Err(err).Str("raw", raw).Strs("symbols", symbols).Msg("Parsed target has conflicting symbols")
		return nil, &domain.ParseError{Raw: raw, Err: err}
	}

	normalized, err := NormalizeTarget(aligned)
	if err != nil {
		s.log.Error().Err(err).Str("raw", raw).Msg("Parsed target failed sanity check")
		return nil, &domain.ParseError{Raw: raw, Err: err}
	}
	return normalized, nil
}
