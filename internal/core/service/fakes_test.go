package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/supaandu/rebalancer/internal/core/domain"
)

type fakeChain struct {
	native    float64
	nativeErr error
	tokens    map[string]*fakeERC20 // lower-case address
}

type fakeERC20 struct {
	symbol   string
	decimals int
	balance  float64
	err      error
}

func (f *fakeChain) GetNativeBalance(context.Context, string) (float64, error) {
	return f.native, f.nativeErr
}

func (f *fakeChain) GetTokenMetadata(_ context.Context, addr string) (*domain.TokenMetadata, error) {
	tok, ok := f.tokens[strings.ToLower(addr)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	if tok.err != nil {
		return nil, tok.err
	}
	return &domain.TokenMetadata{Address: addr, Symbol: tok.symbol, Decimals: tok.decimals}, nil
}

func (f *fakeChain) GetTokenBalance(_ context.Context, meta *domain.TokenMetadata, _ string) (float64, error) {
	return f.tokens[strings.ToLower(meta.Address)].balance, nil
}

type fakeExplorer struct {
	contracts []string
	err       error
}

func (f *fakeExplorer) TokenContracts(context.Context, string) ([]string, error) {
	return f.contracts, f.err
}

type fakeParser struct {
	target domain.TargetAllocation
	raw    string
	err    error
}

func (f *fakeParser) ParseTarget(context.Context, string, []string) (domain.TargetAllocation, string, error) {
	return f.target, f.raw, f.err
}

type fakeTrending struct {
	tokens []domain.TrendingToken
	err    error
}

func (f *fakeTrending) GetTrendingTokens(context.Context) ([]domain.TrendingToken, error) {
	return f.tokens, f.err
}

// scriptedModel replays replies in order and records what it was sent.
type scriptedModel struct {
	mu      sync.Mutex
	replies []domain.ChatMessage
	err     error
	calls   [][]domain.ChatMessage
	tools   [][]domain.ToolSpec
}

func (m *scriptedModel) Chat(_ context.Context, messages []domain.ChatMessage, tools []domain.ToolSpec) (domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]domain.ChatMessage(nil), messages...))
	m.tools = append(m.tools, tools)
	if m.err != nil {
		return domain.ChatMessage{}, m.err
	}
	if len(m.replies) == 0 {
		return domain.ChatMessage{Role: domain.RoleAssistant, Content: "done"}, nil
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply, nil
}
