// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port               int           `yaml:"port" default:"5001" validate:"gt=0,lte=65535"`
		RequestTimeout     time.Duration `yaml:"request_timeout" default:"60s" validate:"gt=0"`
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" default:"10s"`
		CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" default:"[\"*\"]"`
		JWTSecret          string        `yaml:"jwt_secret"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	// HTTPTimeout applies to every outbound API client.
	HTTPTimeout time.Duration `yaml:"http_timeout" default:"15s" validate:"gt=0"`

	Ethereum struct {
		RPCURL string `yaml:"rpc_url" default:"https://ethereum-sepolia-rpc.publicnode.com" validate:"omitempty,url"`
	} `yaml:"ethereum"`

	Etherscan struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url" default:"https://api-sepolia.etherscan.io/api" validate:"url"`
	} `yaml:"etherscan"`

	CoinGecko struct {
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url" default:"https://api.coingecko.com/api/v3" validate:"url"`
		Platform string `yaml:"platform" default:"ethereum" validate:"required"`
	} `yaml:"coingecko"`

	DexScreener struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		BaseURL string `yaml:"base_url" default:"https://api.dexscreener.com" validate:"url"`
		// ChainID is the preferred DexScreener chain; empty follows the CoinGecko platform.
		ChainID string `yaml:"chain_id"`
	} `yaml:"dexscreener"`

	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model" default:"gpt-4o-mini"`
		BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	} `yaml:"openai"`

	Rebalance struct {
		Threshold      float64            `yaml:"threshold" default:"1.0" validate:"gte=0"`
		FallbackPrices map[string]float64 `yaml:"fallback_prices" validate:"omitempty,dive,gt=0"`
	} `yaml:"rebalance"`

	Agent struct {
		MaxIterations int `yaml:"max_iterations" default:"5" validate:"gte=1,lte=20"`
	} `yaml:"agent"`

	Redis struct {
		URL           string        `yaml:"url"`
		PriceCacheTTL time.Duration `yaml:"price_cache_ttl" default:"60s" validate:"gt=0"`
	} `yaml:"redis"`
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads .env (if present) and builds the configuration from the process
// environment. CONFIG_FILE names an optional YAML file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration using lookup for environment values.
func FromEnv(lookup LookupFunc) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := c.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.setInt("PORT", &c.Server.Port)
	e.setDuration("REQUEST_TIMEOUT", &c.Server.RequestTimeout)
	e.setList("CORS_ALLOWED_ORIGINS", &c.Server.CORSAllowedOrigins)
	e.setString("JWT_SECRET", &c.Server.JWTSecret)

	e.setString("LOG_LEVEL", &c.Log.Level)
	e.setBool("LOG_PRETTY", &c.Log.Pretty)
	e.setDuration("HTTP_TIMEOUT", &c.HTTPTimeout)

	e.setString("ETH_RPC_URL", &c.Ethereum.RPCURL)
	e.setString("ETHERSCAN_API_KEY", &c.Etherscan.APIKey)
	e.setString("ETHERSCAN_BASE_URL", &c.Etherscan.BaseURL)

	e.setString("COINGECKO_API_KEY", &c.CoinGecko.APIKey)
	e.setString("COINGECKO_BASE_URL", &c.CoinGecko.BaseURL)
	e.setString("COINGECKO_PLATFORM", &c.CoinGecko.Platform)
	e.setBool("DEXSCREENER_ENABLED", &c.DexScreener.Enabled)
	e.setString("DEXSCREENER_BASE_URL", &c.DexScreener.BaseURL)
	e.setString("DEXSCREENER_CHAIN_ID", &c.DexScreener.ChainID)

	e.setString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	e.setString("OPENAI_MODEL", &c.OpenAI.Model)
	e.setString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	e.setFloat("REBALANCE_THRESHOLD", &c.Rebalance.Threshold)
	if v, ok := lookup("FALLBACK_PRICES"); ok && v != "" {
		prices, err := ParsePriceList(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("FALLBACK_PRICES: %w", err))
		} else {
			c.Rebalance.FallbackPrices = prices
		}
	}

	e.setInt("AGENT_MAX_ITERATIONS", &c.Agent.MaxIterations)

	e.setString("REDIS_URL", &c.Redis.URL)
	e.setDuration("PRICE_CACHE_TTL", &c.Redis.PriceCacheTTL)

	return errors.Join(e.errs...)
}

// Validate checks field constraints and returns a readable error.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ParsePriceList parses "ETH=1500,USDC=1" into a price table.
func ParsePriceList(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		symbol, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected SYMBOL=PRICE, got %q", pair)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", symbol, err)
		}
		out[strings.ToUpper(strings.TrimSpace(symbol))] = price
	}
	return out, nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setList(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
