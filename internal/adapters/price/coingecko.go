package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

const (
	// DefaultCoinGeckoURL is the public CoinGecko v3 API.
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	// DefaultPlatform is the CoinGecko asset platform for ERC-20 lookups.
	DefaultPlatform = "ethereum"

	nativeCoinID = "ethereum"
	apiKeyHeader = "x-cg-demo-api-key"
)

// CoinGeckoService prices holdings and lists trending tokens using CoinGecko.
type CoinGeckoService struct {
	baseURL  string
	apiKey   string
	platform string
	client   *http.Client
}

// NewCoinGeckoService creates a CoinGecko client. Empty arguments take defaults.
func NewCoinGeckoService(baseURL, apiKey, platform string, timeout time.Duration) *CoinGeckoService {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if platform == "" {
		platform = DefaultPlatform
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGeckoService{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		platform: platform,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *CoinGeckoService) Name() string { return "coingecko" }

// GetCurrentPrice returns the USD price for the native asset by coin id and
// for ERC-20 tokens by contract address.
func (s *CoinGeckoService) GetCurrentPrice(ctx context.Context, h domain.Holding) (float64, error) {
	var (
		path string
		key  string
		q    = url.Values{"vs_currencies": {"usd"}}
	)
	if h.IsNative() {
		path = "/simple/price"
		key = nativeCoinID
		q.Set("ids", nativeCoinID)
	} else {
		path = "/simple/token_price/" + s.platform
		key = strings.ToLower(h.Address)
		q.Set("contract_addresses", key)
	}

	var body map[string]map[string]float64
	if err := s.get(ctx, path, q, &body); err != nil {
		return 0, err
	}

	price, ok := body[key]["usd"]
	if !ok {
		return 0, domain.ErrPriceNotFound
	}
	return price, nil
}

// GetTrendingTokens returns the coins currently trending on CoinGecko.
func (s *CoinGeckoService) GetTrendingTokens(ctx context.Context) ([]domain.TrendingToken, error) {
	var body struct {
		Coins []struct {
			Item struct {
				ID            string `json:"id"`
				Name          string `json:"name"`
				Symbol        string `json:"symbol"`
				MarketCapRank int    `json:"market_cap_rank"`
				Data          struct {
					Price json.RawMessage `json:"price"`
				} `json:"data"`
			} `json:"item"`
		} `json:"coins"`
	}
	if err := s.get(ctx, "/search/trending", nil, &body); err != nil {
		return nil, err
	}

	out := make([]domain.TrendingToken, 0, len(body.Coins))
	for _, c := range body.Coins {
		out = append(out, domain.TrendingToken{
			Symbol:        strings.ToUpper(c.Item.Symbol),
			Name:          c.Item.Name,
			PriceUSD:      parseLoosePrice(c.Item.Data.Price),
			MarketCapRank: c.Item.MarketCapRank,
		})
	}
	return out, nil
}

func (s *CoinGeckoService) get(ctx context.Context, path string, q url.Values, out any) error {
	reqURL := s.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set(apiKeyHeader, s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coingecko api returned status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode coingecko response: %w", err)
	}
	return nil
}

// parseLoosePrice accepts a JSON number or a display string such as "$1,234.5".
func parseLoosePrice(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0
	}
	str = strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(str))
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0
	}
	return f
}
