package chain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

// erc20ABI covers the read-only calls needed for balance discovery.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

const nativeDecimals = 18

// Backend is the subset of ethclient.Client used by EthereumService.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthereumService implements domain.ChainService over a JSON-RPC node.
type EthereumService struct {
	backend Backend
	client  *ethclient.Client // nil when constructed from a Backend
	erc20   abi.ABI
	log     zerolog.Logger
}

// NewEthereumService dials rpcURL and returns a service reading from it.
func NewEthereumService(ctx context.Context, rpcURL string, log zerolog.Logger) (*EthereumService, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("ethereum rpc url: %w", domain.ErrNotConfigured)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	s, err := NewEthereumServiceWithBackend(client, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewEthereumServiceWithBackend builds a service on an existing backend.
func NewEthereumServiceWithBackend(backend Backend, log zerolog.Logger) (*EthereumService, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &EthereumService{
		backend: backend,
		erc20:   parsed,
		log:     log.With().Str("component", "ethereum").Logger(),
	}, nil
}

// Close closes the underlying RPC connection, if this service owns one.
func (s *EthereumService) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// GetNativeBalance returns the wallet's ETH balance.
func (s *EthereumService) GetNativeBalance(ctx context.Context, wallet string) (float64, error) {
	addr, err := parseAddress(wallet)
	if err != nil {
		return 0, err
	}
	wei, err := s.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return ScaleAmount(wei, nativeDecimals), nil
}

// GetTokenMetadata reads symbol() and decimals() from an ERC-20 contract.
func (s *EthereumService) GetTokenMetadata(ctx context.Context, tokenAddress string) (*domain.TokenMetadata, error) {
	token, err := parseAddress(tokenAddress)
	if err != nil {
		return nil, err
	}

	out, err := s.call(ctx, token, "decimals")
	if err != nil {
		return nil, err
	}
	var decimals uint8
	if err := s.erc20.UnpackIntoInterface(&decimals, "decimals", out); err != nil {
		return nil, fmt.Errorf("failed to unpack decimals: %w", err)
	}

	out, err = s.call(ctx, token, "symbol")
	if err != nil {
		return nil, err
	}
	symbol, err := s.unpackSymbol(out)
	if err != nil {
		return nil, err
	}

	return &domain.TokenMetadata{
		Address:  token.Hex(),
		Symbol:   symbol,
		Decimals: int(decimals),
	}, nil
}

// GetTokenBalance reads balanceOf(wallet) and scales it by the token decimals.
func (s *EthereumService) GetTokenBalance(ctx context.Context, meta *domain.TokenMetadata, wallet string) (float64, error) {
	token, err := parseAddress(meta.Address)
	if err != nil {
		return 0, err
	}
	owner, err := parseAddress(wallet)
	if err != nil {
		return 0, err
	}

	out, err := s.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return 0, err
	}
	var raw *big.Int
	if err := s.erc20.UnpackIntoInterface(&raw, "balanceOf", out); err != nil {
		return 0, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	return ScaleAmount(raw, meta.Decimals), nil
}

func (s *EthereumService) call(ctx context.Context, to common.Address, method string, args ...any) ([]byte, error) {
	data, err := s.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, to.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s response from %s", method, to.Hex())
	}
	return out, nil
}

// unpackSymbol accepts both the standard string return and the bytes32
// variant used by some older tokens.
func (s *EthereumService) unpackSymbol(out []byte) (string, error) {
	var symbol string
	if err := s.erc20.UnpackIntoInterface(&symbol, "symbol", out); err == nil {
		return symbol, nil
	}
	if len(out) == 32 {
		return string(bytes.TrimRight(out, "\x00")), nil
	}
	return "", fmt.Errorf("failed to unpack symbol")
}

// ScaleAmount converts a raw integer amount to whole units.
func ScaleAmount(raw *big.Int, decimals int) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
