package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

// DefaultDexScreenerURL is the public DexScreener API.
const DefaultDexScreenerURL = "https://api.dexscreener.com"

// coingeckoToDexScreener maps CoinGecko asset platform ids to DexScreener
// chain ids where the two differ.
var coingeckoToDexScreener = map[string]string{
	"arbitrum-one":        "arbitrum",
	"polygon-pos":         "polygon",
	"binance-smart-chain": "bsc",
	"optimistic-ethereum": "optimism",
	"avalanche":           "avalanche",
	"base":                "base",
	"ethereum":            "ethereum",
}

// DexScreenerChain returns the DexScreener chain id for a CoinGecko platform
// id. Unknown platforms are passed through unchanged; empty means ethereum.
func DexScreenerChain(platform string) string {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		return "ethereum"
	}
	if chain, ok := coingeckoToDexScreener[platform]; ok {
		return chain
	}
	return platform
}

// DexScreenerService prices tokens from DEX pair data.
type DexScreenerService struct {
	baseURL string
	chainID string
	client  *http.Client
}

// NewDexScreenerService creates a DexScreener client. Pairs on chainID are
// preferred when a token trades on several chains.
func NewDexScreenerService(baseURL, chainID string, timeout time.Duration) *DexScreenerService {
	if baseURL == "" {
		baseURL = DefaultDexScreenerURL
	}
	if chainID == "" {
		chainID = "ethereum"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DexScreenerService{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *DexScreenerService) Name() string { return "dexscreener" }

// GetCurrentPrice returns the USD price of the most liquid pair for the
// holding's contract. The native asset has no contract and is not priced here.
func (s *DexScreenerService) GetCurrentPrice(ctx context.Context, h domain.Holding) (float64, error) {
	if h.IsNative() {
		return 0, domain.ErrPriceNotFound
	}

	url := fmt.Sprintf("%s/latest/dex/tokens/%s", s.baseURL, h.Address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("dexscreener api returned status: %d", resp.StatusCode)
	}

	var result struct {
		Pairs []struct {
			PriceUsd  string `json:"priceUsd"`
			ChainId   string `json:"chainId"`
			Liquidity struct {
				Usd float64 `json:"usd"`
			} `json:"liquidity"`
		} `json:"pairs"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode dexscreener response: %w", err)
	}

	best := -1
	for i, p := range result.Pairs {
		if p.PriceUsd == "" {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		cur := result.Pairs[best]
		sameChain := p.ChainId == s.chainID
		curSameChain := cur.ChainId == s.chainID
		if (sameChain && !curSameChain) || (sameChain == curSameChain && p.Liquidity.Usd > cur.Liquidity.Usd) {
			best = i
		}
	}
	if best < 0 {
		return 0, domain.ErrPriceNotFound
	}

	price, err := strconv.ParseFloat(result.Pairs[best].PriceUsd, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}
