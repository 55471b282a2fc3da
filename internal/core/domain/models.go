package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Holding is a single token position in a wallet.
type Holding struct {
	Symbol      string  `json:"symbol"`
	Address     string  `json:"address,omitempty"` // empty for the native asset
	Decimals    int     `json:"decimals"`
	Balance     float64 `json:"balance" validate:"gte=0"`
	CoingeckoID string  `json:"coingecko_id,omitempty"`
}

// IsNative reports whether the holding is the chain's native asset (no contract).
func (h Holding) IsNative() bool {
	return h.Address == ""
}

// Holdings is a symbol-keyed collection that keeps the order in which
// positions were discovered or supplied. It encodes as a JSON object.
type Holdings []Holding

// Get returns the holding for symbol.
func (hs Holdings) Get(symbol string) (Holding, bool) {
	for _, h := range hs {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return Holding{}, false
}

// Put inserts h, replacing an existing holding with the same symbol in place.
func (hs *Holdings) Put(h Holding) {
	for i := range *hs {
		if (*hs)[i].Symbol == h.Symbol {
			(*hs)[i] = h
			return
		}
	}
	*hs = append(*hs, h)
}

// Symbols returns the symbols in holding order.
func (hs Holdings) Symbols() []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Symbol)
	}
	return out
}

// UnmarshalJSON decodes a JSON object of symbol -> holding, preserving key order.
// The object key is authoritative for the symbol.
func (hs *Holdings) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*hs = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("holdings: expected JSON object")
	}

	out := Holdings{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("holdings: expected string key")
		}
		var h Holding
		if err := dec.Decode(&h); err != nil {
			return fmt.Errorf("holdings: token %s: %w", key, err)
		}
		h.Symbol = key
		out.Put(h)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*hs = out
	return nil
}

// MarshalJSON encodes the holdings as a JSON object in holding order.
func (hs Holdings) MarshalJSON() ([]byte, error) {
	if hs == nil {
		return []byte("{}"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, h := range hs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(h.Symbol)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PriceTable maps symbol to USD unit price.
type PriceTable map[string]float64

// TargetAllocation maps symbol to a target percentage of portfolio value.
type TargetAllocation map[string]float64

// Sum returns the total of all target percentages.
func (t TargetAllocation) Sum() float64 {
	var sum float64
	for _, pct := range t {
		sum += pct
	}
	return sum
}

// Rebalance action directions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// RebalanceAction is a suggested trade moving one token toward its target.
type RebalanceAction struct {
	Token            string  `json:"token"`
	Action           string  `json:"action"` // "buy" or "sell"
	Amount           float64 `json:"amount"` // token units
	PercentageChange float64 `json:"percentage_change"`
}

// RebalanceResult is the full output of a rebalance calculation.
type RebalanceResult struct {
	TotalValue        float64            `json:"total_value"`
	CurrentAllocation map[string]float64 `json:"current_allocation"`
	TargetAllocation  TargetAllocation   `json:"target_allocation"`
	RebalanceActions  []RebalanceAction  `json:"rebalance_actions"`
	TokenPrices       PriceTable         `json:"token_prices"`
	PriceQuotes       []PriceQuote       `json:"price_quotes,omitempty"`
}

// PriceSource tells where a resolved price came from.
type PriceSource string

const (
	PriceSourceLive     PriceSource = "live"
	PriceSourceCaller   PriceSource = "caller"
	PriceSourceFallback PriceSource = "fallback"
	PriceSourceDefault  PriceSource = "default"
)

// DefaultPrice is used for symbols with neither a live nor a fallback price.
const DefaultPrice = 1.0

// PriceQuote is the outcome of resolving one symbol's price.
type PriceQuote struct {
	Symbol   string      `json:"symbol"`
	PriceUSD float64     `json:"price_usd"`
	Source   PriceSource `json:"source"`
	Error    string      `json:"error,omitempty"` // last live lookup failure, if any
}

// Portfolio is the result of token discovery for a wallet.
type Portfolio struct {
	Wallet string   `json:"wallet"`
	Tokens Holdings `json:"tokens"`
}

// TrendingToken is a token currently trending on the price aggregator.
type TrendingToken struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	PriceUSD      float64 `json:"price_usd,omitempty"`
	MarketCapRank int     `json:"market_cap_rank,omitempty"`
}

// TokenMetadata holds basic information about a token contract.
type TokenMetadata struct {
	Address  string
	Symbol   string
	Decimals int
}
