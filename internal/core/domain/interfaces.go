package domain

import "context"

// ChainService defines the operations required to read wallet state from a blockchain.
type ChainService interface {
	// GetNativeBalance returns the wallet's native asset balance in whole units.
	GetNativeBalance(ctx context.Context, wallet string) (float64, error)

	// GetTokenMetadata fetches the symbol and decimals for a token contract.
	GetTokenMetadata(ctx context.Context, tokenAddress string) (*TokenMetadata, error)

	// GetTokenBalance returns the wallet's balance of a token in whole units.
	GetTokenBalance(ctx context.Context, meta *TokenMetadata, wallet string) (float64, error)
}

// TokenExplorer lists token contracts a wallet has interacted with.
type TokenExplorer interface {
	TokenContracts(ctx context.Context, wallet string) ([]string, error)
}

// PriceService defines how to get token price data.
type PriceService interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// GetCurrentPrice returns the current USD price of the holding's token.
	GetCurrentPrice(ctx context.Context, h Holding) (float64, error)
}

// TrendingService lists tokens currently trending on a price aggregator.
type TrendingService interface {
	GetTrendingTokens(ctx context.Context) ([]TrendingToken, error)
}

// TargetParser turns free-text intent into a raw target allocation.
type TargetParser interface {
	// ParseTarget returns the allocation and the raw model output it came from.
	ParseTarget(ctx context.Context, query string, symbols []string) (TargetAllocation, string, error)
}

// Chat roles understood by ChatModel implementations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of a tool-calling conversation.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model's request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  any
}

// ChatModel runs one completion step of a tool-calling conversation.
type ChatModel interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (ChatMessage, error)
}
