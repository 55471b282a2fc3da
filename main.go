package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/supaandu/rebalancer/internal/adapters/chain"
	"github.com/supaandu/rebalancer/internal/adapters/explorer"
	"github.com/supaandu/rebalancer/internal/adapters/llm"
	"github.com/supaandu/rebalancer/internal/adapters/price"
	"github.com/supaandu/rebalancer/internal/config"
	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/core/service"
	"github.com/supaandu/rebalancer/internal/server"
	"github.com/supaandu/rebalancer/pkg/logger"
	"github.com/supaandu/rebalancer/pkg/version"
)

func main() {
	fmt.Println(version.GetBanner())

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	logger.SetGlobalLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Rebalancer stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	var chainSvc domain.ChainService
	eth, err := chain.NewEthereumService(ctx, cfg.Ethereum.RPCURL, log)
	switch {
	case err == nil:
		defer eth.Close()
		chainSvc = eth
	case errors.Is(err, domain.ErrNotConfigured):
		log.Warn().Msg("No Ethereum RPC configured, token detection disabled")
	default:
		return fmt.Errorf("connect ethereum rpc: %w", err)
	}

	etherscan := explorer.NewEtherscanService(cfg.Etherscan.BaseURL, cfg.Etherscan.APIKey, cfg.HTTPTimeout, log)
	coingecko := price.NewCoinGeckoService(cfg.CoinGecko.BaseURL, cfg.CoinGecko.APIKey, cfg.CoinGecko.Platform, cfg.HTTPTimeout)

	sources := []domain.PriceService{coingecko}
	if cfg.DexScreener.Enabled {
		sources = append(sources, price.NewDexScreenerService(cfg.DexScreener.BaseURL, dexScreenerChain(cfg), cfg.HTTPTimeout))
	}

	rdb := connectRedis(ctx, cfg, log)
	if rdb != nil {
		defer rdb.Close()
		for i, src := range sources {
			sources[i] = price.NewCachedPriceService(src, rdb, cfg.Redis.PriceCacheTTL)
		}
	}

	var (
		parser domain.TargetParser
		model  domain.ChatModel
	)
	openaiClient, err := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.HTTPTimeout*4, log)
	switch {
	case err == nil:
		parser, model = openaiClient, openaiClient
	case errors.Is(err, domain.ErrNotConfigured):
		log.Warn().Msg("OPENAI_API_KEY not set, query parsing and the agent are disabled")
	default:
		return fmt.Errorf("create openai client: %w", err)
	}

	resolver := service.NewPriceResolver(sources, cfg.Rebalance.FallbackPrices, log)
	calculator := service.NewRebalanceCalculator(cfg.Rebalance.Threshold)
	portfolio := service.NewPortfolioService(chainSvc, etherscan, resolver, calculator, parser, log)
	agent := service.NewAgentService(model, portfolio, coingecko, cfg.Agent.MaxIterations, log)

	srv := server.New(server.Config{
		Port:               cfg.Server.Port,
		Log:                log,
		Portfolio:          portfolio,
		Agent:              agent,
		RequestTimeout:     cfg.Server.RequestTimeout,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		JWTSecret:          cfg.Server.JWTSecret,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

// connectRedis returns nil when no cache is configured or it is unreachable.
func connectRedis(ctx context.Context, cfg *config.Config, log zerolog.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid REDIS_URL, price cache disabled")
		return nil
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, price cache disabled")
		_ = rdb.Close()
		return nil
	}
	log.Info().Str("addr", opts.Addr).Dur("ttl", cfg.Redis.PriceCacheTTL).Msg("Price cache enabled")
	return rdb
}

// dexScreenerChain keeps DexScreener on the same chain as the CoinGecko
// platform unless a chain is configured explicitly.
func dexScreenerChain(cfg *config.Config) string {
	if cfg.DexScreener.ChainID != "" {
		return cfg.DexScreener.ChainID
	}
	return price.DexScreenerChain(cfg.CoinGecko.Platform)
}
