package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testToken  = "0x2222222222222222222222222222222222222222"
)

type fakeToken struct {
	symbol        string
	bytes32Symbol bool
	decimals      uint8
	balances      map[common.Address]*big.Int
}

type fakeBackend struct {
	t        *testing.T
	abi      abi.ABI
	balances map[common.Address]*big.Int
	tokens   map[common.Address]*fakeToken
	err      error
}

func newFakeBackend(t *testing.T) *fakeBackend {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return &fakeBackend{
		t:        t,
		abi:      parsed,
		balances: map[common.Address]*big.Int{},
		tokens:   map[common.Address]*fakeToken{},
	}
}

func (b *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b.err != nil {
		return nil, b.err
	}
	if bal, ok := b.balances[account]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	tok, ok := b.tokens[*call.To]
	if !ok {
		return nil, nil
	}

	method, err := b.abi.MethodById(call.Data[:4])
	require.NoError(b.t, err)

	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(tok.decimals)
	case "symbol":
		if tok.bytes32Symbol {
			out := make([]byte, 32)
			copy(out, tok.symbol)
			return out, nil
		}
		return method.Outputs.Pack(tok.symbol)
	case "balanceOf":
		args, err := method.Inputs.Unpack(call.Data[4:])
		require.NoError(b.t, err)
		owner := args[0].(common.Address)
		bal := tok.balances[owner]
		if bal == nil {
			bal = big.NewInt(0)
		}
		return method.Outputs.Pack(bal)
	}
	b.t.Fatalf("unexpected method %s", method.Name)
	return nil, nil
}

func newTestService(t *testing.T, backend *fakeBackend) *EthereumService {
	s, err := NewEthereumServiceWithBackend(backend, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestEthereumService_GetNativeBalance(t *testing.T) {
	backend := newFakeBackend(t)
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	backend.balances[common.HexToAddress(testWallet)] = wei
	s := newTestService(t, backend)

	bal, err := s.GetNativeBalance(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, 1.5, bal)
}

func TestEthereumService_GetNativeBalance_InvalidAddress(t *testing.T) {
	s := newTestService(t, newFakeBackend(t))

	_, err := s.GetNativeBalance(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestEthereumService_GetNativeBalance_RPCError(t *testing.T) {
	backend := newFakeBackend(t)
	backend.err = errors.New("connection refused")
	s := newTestService(t, backend)

	_, err := s.GetNativeBalance(context.Background(), testWallet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEthereumService_TokenMetadataAndBalance(t *testing.T) {
	backend := newFakeBackend(t)
	backend.tokens[common.HexToAddress(testToken)] = &fakeToken{
		symbol:   "USDC",
		decimals: 6,
		balances: map[common.Address]*big.Int{
			common.HexToAddress(testWallet): big.NewInt(1_500_000_000),
		},
	}
	s := newTestService(t, backend)

	meta, err := s.GetTokenMetadata(context.Background(), strings.ToLower(testToken))
	require.NoError(t, err)
	assert.Equal(t, "USDC", meta.Symbol)
	assert.Equal(t, 6, meta.Decimals)
	assert.Equal(t, common.HexToAddress(testToken).Hex(), meta.Address)

	bal, err := s.GetTokenBalance(context.Background(), meta, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 1500.0, bal)
}

func TestEthereumService_Bytes32Symbol(t *testing.T) {
	backend := newFakeBackend(t)
	backend.tokens[common.HexToAddress(testToken)] = &fakeToken{symbol: "MKR", bytes32Symbol: true, decimals: 18}
	s := newTestService(t, backend)

	meta, err := s.GetTokenMetadata(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, "MKR", meta.Symbol)
}

func TestEthereumService_NotAContract(t *testing.T) {
	s := newTestService(t, newFakeBackend(t))

	_, err := s.GetTokenMetadata(context.Background(), testToken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty decimals response")
}

func TestEthereumService_ZeroBalance(t *testing.T) {
	backend := newFakeBackend(t)
	backend.tokens[common.HexToAddress(testToken)] = &fakeToken{symbol: "DAI", decimals: 18}
	s := newTestService(t, backend)

	bal, err := s.GetTokenBalance(context.Background(), &domain.TokenMetadata{Address: testToken, Symbol: "DAI", Decimals: 18}, testWallet)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestNewEthereumService_RequiresURL(t *testing.T) {
	_, err := NewEthereumService(context.Background(), "", zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestScaleAmount(t *testing.T) {
	tests := []struct {
		name     string
		raw      *big.Int
		decimals int
		want     float64
	}{
		{"nil", nil, 18, 0},
		{"zero decimals", big.NewInt(42), 0, 42},
		{"six decimals", big.NewInt(2_500_000), 6, 2.5},
		{"sub unit", big.NewInt(1), 3, 0.001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ScaleAmount(tt.raw, tt.decimals), 1e-12)
		})
	}
}
