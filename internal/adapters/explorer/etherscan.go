package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEtherscanURL targets the Sepolia testnet API.
const DefaultEtherscanURL = "https://api-sepolia.etherscan.io/api"

// EtherscanService lists token contracts a wallet has touched using the
// Etherscan account API.
type EtherscanService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewEtherscanService creates an explorer client. An empty baseURL uses DefaultEtherscanURL.
func NewEtherscanService(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *EtherscanService {
	if baseURL == "" {
		baseURL = DefaultEtherscanURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EtherscanService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "etherscan").Logger(),
	}
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"` // array on success, string on error
}

type tokenEntry struct {
	ContractAddress string `json:"contractAddress"`
}

// TokenContracts returns unique token contract addresses from the wallet's
// token transfer history followed by its token list. An error is returned only
// when both lookups fail.
func (s *EtherscanService) TokenContracts(ctx context.Context, wallet string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(entries []tokenEntry) {
		for _, e := range entries {
			if e.ContractAddress == "" {
				continue
			}
			key := strings.ToLower(e.ContractAddress)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e.ContractAddress)
		}
	}

	txs, txErr := s.fetch(ctx, url.Values{
		"module":  {"account"},
		"action":  {"tokentx"},
		"address": {wallet},
		"sort":    {"desc"},
	})
	if txErr != nil {
		s.log.Warn().Err(txErr).Str("wallet", wallet).Msg("tokentx lookup failed")
	} else {
		s.log.Debug().Int("transfers", len(txs)).Msg("Fetched token transfers")
		add(txs)
	}

	list, listErr := s.fetch(ctx, url.Values{
		"module":  {"account"},
		"action":  {"tokenlist"},
		"address": {wallet},
	})
	if listErr != nil {
		s.log.Warn().Err(listErr).Str("wallet", wallet).Msg("tokenlist lookup failed")
	} else {
		add(list)
	}

	if txErr != nil && listErr != nil {
		return nil, fmt.Errorf("etherscan: %w", txErr)
	}
	return out, nil
}

func (s *EtherscanService) fetch(ctx context.Context, params url.Values) ([]tokenEntry, error) {
	if s.apiKey != "" {
		params.Set("apikey", s.apiKey)
	}
	reqURL := s.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", params.Get("action"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status: %d", params.Get("action"), resp.StatusCode)
	}

	var body etherscanResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", params.Get("action"), err)
	}

	if body.Status != "1" {
		var detail string
		_ = json.Unmarshal(body.Result, &detail)
		if detail == "" {
			detail = body.Message
		}
		return nil, fmt.Errorf("%s: %s", params.Get("action"), detail)
	}

	var entries []tokenEntry
	if err := json.Unmarshal(body.Result, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", params.Get("action"), err)
	}
	return entries, nil
}
