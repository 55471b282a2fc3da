package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/metrics"
)

// DefaultAgentIterations bounds tool-calling rounds per agent run.
const DefaultAgentIterations = 5

// Agent tool names.
const (
	ToolWalletPortfolio = "get_wallet_portfolio"
	ToolRebalance       = "calculate_rebalance"
	ToolTrendingTokens  = "get_trending_tokens"
)

// AgentState is a step of an agent run.
type AgentState string

const (
	StateAwaitingModel AgentState = "awaiting_model"
	StateExecutingTool AgentState = "executing_tool"
	StateDone          AgentState = "done"
	StateFailed        AgentState = "failed"
)

// AgentEvent reports a state transition of an agent run.
type AgentEvent struct {
	SessionID string     `json:"session_id"`
	State     AgentState `json:"state"`
	Iteration int        `json:"iteration"`
	Tool      string     `json:"tool,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// AgentObserver receives every transition of a run. It is called synchronously.
type AgentObserver func(AgentEvent)

// AgentRequest is a user turn addressed to the portfolio agent.
type AgentRequest struct {
	UserMessage   string `json:"user_message" validate:"required"`
	WalletAddress string `json:"wallet_address"`
}

// AgentData carries the structured results gathered by tools during a run.
type AgentData struct {
	TrendingTokens []domain.TrendingToken  `json:"trending_tokens,omitempty"`
	Portfolio      *domain.Portfolio       `json:"portfolio,omitempty"`
	Rebalance      *domain.RebalanceResult `json:"rebalance,omitempty"`
}

// AgentResponse is the outcome of an agent run.
type AgentResponse struct {
	SessionID  string    `json:"session_id"`
	Response   string    `json:"response"`
	Data       AgentData `json:"data"`
	Iterations int       `json:"iterations"`
}

const agentSystemPrompt = `You are a portfolio assistant for an Ethereum wallet.
Use the tools to look up the wallet's holdings, compute rebalancing trades toward a target allocation,
and list trending tokens. Only describe trades; never claim to execute them.
Answer concisely in plain text.`

// AgentService runs a bounded tool-calling loop against a chat model.
type AgentService struct {
	model         domain.ChatModel
	portfolio     *PortfolioService
	trending      domain.TrendingService
	maxIterations int
	log           zerolog.Logger
}

// NewAgentService creates an agent. maxIterations <= 0 uses DefaultAgentIterations.
// trending may be nil.
func NewAgentService(model domain.ChatModel, portfolio *PortfolioService, trending domain.TrendingService, maxIterations int, log zerolog.Logger) *AgentService {
	if maxIterations <= 0 {
		maxIterations = DefaultAgentIterations
	}
	return &AgentService{
		model:         model,
		portfolio:     portfolio,
		trending:      trending,
		maxIterations: maxIterations,
		log:           log.With().Str("component", "agent").Logger(),
	}
}

// Run answers req, calling tools as the model requests. After maxIterations
// tool rounds the model is asked once more with tools disabled.
func (s *AgentService) Run(ctx context.Context, req AgentRequest, observe AgentObserver) (*AgentResponse, error) {
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, domain.NewValidationError("user_message", "No message provided")
	}
	if s.model == nil {
		return nil, &domain.UpstreamLookupError{Service: "llm", Err: domain.ErrNotConfigured}
	}
	if observe == nil {
		observe = func(AgentEvent) {}
	}

	run := &agentRun{
		AgentService: s,
		sessionID:    uuid.NewString(),
		wallet:       strings.TrimSpace(req.WalletAddress),
		observe:      observe,
	}
	run.log = s.log.With().Str("session", run.sessionID).Logger()
	return run.execute(ctx, req.UserMessage)
}

type agentRun struct {
	*AgentService
	sessionID string
	wallet    string
	observe   AgentObserver
	data      AgentData
	log       zerolog.Logger
}

func (r *agentRun) emit(state AgentState, iteration int, tool, message string) {
	r.observe(AgentEvent{
		SessionID: r.sessionID,
		State:     state,
		Iteration: iteration,
		Tool:      tool,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (r *agentRun) execute(ctx context.Context, userMessage string) (*AgentResponse, error) {
	user := userMessage
	if r.wallet != "" {
		user = fmt.Sprintf("Connected wallet: %s\n\n%s", r.wallet, userMessage)
	}
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: agentSystemPrompt},
		{Role: domain.RoleUser, Content: user},
	}
	tools := agentTools()

	for iteration := 0; ; iteration++ {
		offered := tools
		if iteration >= r.maxIterations {
			offered = nil
			r.log.Warn().Int("iterations", iteration).Msg("Iteration limit reached, requesting final answer")
		}

		r.emit(StateAwaitingModel, iteration, "", "")
		reply, err := r.model.Chat(ctx, messages, offered)
		if err != nil {
			metrics.UpstreamErrors.WithLabelValues("llm").Inc()
			r.emit(StateFailed, iteration, "", err.Error())
			r.log.Error().Err(err).Int("iteration", iteration).Msg("Model call failed")
			return nil, err
		}

		if len(reply.ToolCalls) == 0 || offered == nil {
			metrics.AgentIterations.Observe(float64(iteration))
			r.emit(StateDone, iteration, "", reply.Content)
			r.log.Info().Int("iterations", iteration).Msg("Agent run complete")
			return &AgentResponse{
				SessionID:  r.sessionID,
				Response:   reply.Content,
				Data:       r.data,
				Iterations: iteration,
			}, nil
		}

		reply.Role = domain.RoleAssistant
		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			r.emit(StateExecutingTool, iteration, call.Name, "")
			messages = append(messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				ToolCallID: call.ID,
				Content:    r.callTool(ctx, call),
			})
		}
	}
}

// callTool runs one tool and returns its JSON result. Failures are reported
// to the model as {"error": "..."} instead of aborting the run.
func (r *agentRun) callTool(ctx context.Context, call domain.ToolCall) string {
	log := r.log.With().Str("tool", call.Name).Logger()

	result, err := r.dispatch(ctx, call)
	if err != nil {
		log.Warn().Err(err).Str("arguments", call.Arguments).Msg("Tool failed")
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(out)
	}

	out, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode tool result")
		return `{"error":"failed to encode result"}`
	}
	log.Debug().Int("bytes", len(out)).Msg("Tool complete")
	return string(out)
}

type walletArgs struct {
	WalletAddress  string   `json:"wallet_address"`
	TokenAddresses []string `json:"token_addresses"`
}

type rebalanceArgs struct {
	WalletAddress    string                  `json:"wallet_address"`
	TargetAllocation domain.TargetAllocation `json:"target_allocation"`
}

func (r *agentRun) dispatch(ctx context.Context, call domain.ToolCall) (any, error) {
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}

	switch call.Name {
	case ToolWalletPortfolio:
		var a walletArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		p, err := r.loadPortfolio(ctx, a.WalletAddress, a.TokenAddresses)
		if err != nil {
			return nil, err
		}
		return p, nil

	case ToolRebalance:
		var a rebalanceArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		p := r.data.Portfolio
		if p == nil || (a.WalletAddress != "" && !strings.EqualFold(a.WalletAddress, p.Wallet)) {
			var err error
			if p, err = r.loadPortfolio(ctx, a.WalletAddress, nil); err != nil {
				return nil, err
			}
		}
		target, err := AlignTargetSymbols(a.TargetAllocation, p.Tokens.Symbols())
		if err != nil {
			return nil, err
		}
		result, err := r.portfolio.CalculateRebalance(ctx, p.Tokens, target, nil)
		if err != nil {
			return nil, err
		}
		r.data.Rebalance = result
		return result, nil

	case ToolTrendingTokens:
		if r.trending == nil {
			return nil, fmt.Errorf("trending tokens: %w", domain.ErrNotConfigured)
		}
		tokens, err := r.trending.GetTrendingTokens(ctx)
		if err != nil {
			metrics.UpstreamErrors.WithLabelValues("trending").Inc()
			return nil, err
		}
		r.data.TrendingTokens = tokens
		return tokens, nil
	}
	return nil, fmt.Errorf("unknown tool %q", call.Name)
}

func (r *agentRun) loadPortfolio(ctx context.Context, wallet string, extra []string) (*domain.Portfolio, error) {
	if wallet == "" {
		wallet = r.wallet
	}
	p, err := r.portfolio.DetectTokens(ctx, wallet, extra)
	if err != nil {
		return nil, err
	}
	r.data.Portfolio = p
	return p, nil
}

func agentTools() []domain.ToolSpec {
	wallet := jsonschema.Definition{
		Type:        jsonschema.String,
		Description: "Ethereum wallet address. Defaults to the connected wallet.",
	}
	return []domain.ToolSpec{
		{
			Name:        ToolWalletPortfolio,
			Description: "Detect the tokens and balances held by a wallet.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"wallet_address": wallet,
					"token_addresses": {
						Type:        jsonschema.Array,
						Description: "Extra ERC-20 contract addresses to check.",
						Items:       &jsonschema.Definition{Type: jsonschema.String},
					},
				},
			},
		},
		{
			Name:        ToolRebalance,
			Description: "Compute buy and sell amounts that move the wallet toward a target allocation.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"wallet_address": wallet,
					"target_allocation": {
						Type:                 jsonschema.Object,
						Description:          "Token symbol to percentage of portfolio value, summing to 100.",
						AdditionalProperties: jsonschema.Definition{Type: jsonschema.Number},
					},
				},
				Required: []string{"target_allocation"},
			},
		},
		{
			Name:        ToolTrendingTokens,
			Description: "List tokens currently trending on CoinGecko.",
			Parameters: jsonschema.Definition{
				Type:       jsonschema.Object,
				Properties: map[string]jsonschema.Definition{},
			},
		},
	}
}
