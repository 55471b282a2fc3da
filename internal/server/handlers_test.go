package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/core/service"
	"github.com/supaandu/rebalancer/pkg/types"
)

const (
	testWallet   = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	testWalletCS = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	testUSDC     = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
)

type stubChain struct{}

func (stubChain) GetNativeBalance(context.Context, string) (float64, error) { return 2, nil }

func (stubChain) GetTokenMetadata(_ context.Context, addr string) (*domain.TokenMetadata, error) {
	if strings.EqualFold(addr, testUSDC) {
		return &domain.TokenMetadata{Address: addr, Symbol: "USDC", Decimals: 6}, nil
	}
	return nil, errors.New("execution reverted")
}

func (stubChain) GetTokenBalance(context.Context, *domain.TokenMetadata, string) (float64, error) {
	return 1000, nil
}

type stubParser struct {
	target domain.TargetAllocation
	raw    string
	err    error
}

func (p stubParser) ParseTarget(context.Context, string, []string) (domain.TargetAllocation, string, error) {
	return p.target, p.raw, p.err
}

type stubModel struct {
	reply domain.ChatMessage
	err   error
}

func (m stubModel) Chat(context.Context, []domain.ChatMessage, []domain.ToolSpec) (domain.ChatMessage, error) {
	return m.reply, m.err
}

// blockingModel holds each Chat call until release is closed or the
// context ends.
type blockingModel struct {
	started   chan struct{}
	release   chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func newBlockingModel() *blockingModel {
	return &blockingModel{
		started:   make(chan struct{}),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (m *blockingModel) Chat(ctx context.Context, _ []domain.ChatMessage, _ []domain.ToolSpec) (domain.ChatMessage, error) {
	m.once.Do(func() { close(m.started) })
	select {
	case <-m.release:
		return domain.ChatMessage{Role: domain.RoleAssistant, Content: "Finally."}, nil
	case <-ctx.Done():
		close(m.cancelled)
		return domain.ChatMessage{}, ctx.Err()
	}
}

type testDeps struct {
	parser domain.TargetParser
	model  domain.ChatModel
	secret string
}

func newTestServer(d testDeps) *Server {
	log := zerolog.Nop()
	resolver := service.NewPriceResolver(nil, nil, log)
	portfolio := service.NewPortfolioService(stubChain{}, nil, resolver, service.NewRebalanceCalculator(service.DefaultThreshold), d.parser, log)
	agent := service.NewAgentService(d.model, portfolio, nil, 0, log)
	return New(Config{
		Log:            log,
		Portfolio:      portfolio,
		Agent:          agent,
		RequestTimeout: 5 * time.Second,
		JWTSecret:      d.secret,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	h := newTestServer(testDeps{}).Handler()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, h, http.MethodGet, "/api/version", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"Portfolio Rebalancer"`)
}

func TestDetectTokens(t *testing.T) {
	h := newTestServer(testDeps{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/detect_tokens",
		`{"wallet_address":"`+testWallet+`","token_addresses":["`+testUSDC+`"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p domain.Portfolio
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, testWalletCS, p.Wallet)
	assert.Equal(t, []string{"ETH", "USDC"}, p.Tokens.Symbols())
	usdc, ok := p.Tokens.Get("USDC")
	require.True(t, ok)
	assert.Equal(t, 1000.0, usdc.Balance)
}

func TestDetectTokens_InvalidWallet(t *testing.T) {
	h := newTestServer(testDeps{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/detect_tokens", `{"wallet_address":"0x123"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Equal(t, "Invalid wallet address", resp.Error)
}

func TestCalculateRebalance(t *testing.T) {
	h := newTestServer(testDeps{}).Handler()

	body := `{
		"tokens": {"ETH": {"balance": 1, "decimals": 18}, "USDC": {"balance": 500, "decimals": 6}},
		"target_allocation": {"ETH": 50, "USDC": 50},
		"token_prices": {"ETH": 1500, "USDC": 1}
	}`
	rec := do(t, h, http.MethodPost, "/api/calculate_rebalance", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.RebalanceResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2000.0, result.TotalValue)
	assert.InDelta(t, 75.0, result.CurrentAllocation["ETH"], 1e-9)
	require.Len(t, result.RebalanceActions, 2)
	assert.Equal(t, "ETH", result.RebalanceActions[0].Token)
	assert.Equal(t, "sell", result.RebalanceActions[0].Action)
}

func TestCalculateRebalance_ZeroCallerPrice(t *testing.T) {
	h := newTestServer(testDeps{}).Handler()

	body := `{
		"tokens": {"ETH": {"balance": 1}, "JUNK": {"balance": 100}},
		"target_allocation": {"ETH": 50, "JUNK": 50},
		"token_prices": {"ETH": 2000, "JUNK": 0}
	}`
	rec := do(t, h, http.MethodPost, "/api/calculate_rebalance", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.RebalanceResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0.0, result.TokenPrices["JUNK"])
	require.Len(t, result.RebalanceActions, 1)
	assert.Equal(t, "ETH", result.RebalanceActions[0].Token)
	assert.Equal(t, "sell", result.RebalanceActions[0].Action)
}

func TestCalculateRebalance_Errors(t *testing.T) {
	h := newTestServer(testDeps{}).Handler()

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty body", ``, http.StatusBadRequest, CodeValidation},
		{"malformed", `{"tokens":`, http.StatusBadRequest, CodeValidation},
		{"missing target", `{"tokens":{"ETH":{"balance":1}}}`, http.StatusBadRequest, CodeValidation},
		{"negative balance", `{"tokens":{"ETH":{"balance":-1}},"target_allocation":{"ETH":100}}`, http.StatusBadRequest, CodeValidation},
		{"negative price", `{"tokens":{"ETH":{"balance":1}},"target_allocation":{"ETH":100},"token_prices":{"ETH":-1}}`, http.StatusBadRequest, CodeValidation},
		{"zero value", `{"tokens":{"ETH":{"balance":0}},"target_allocation":{"ETH":100}}`, http.StatusBadRequest, CodeZeroValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/calculate_rebalance", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestParseQuery(t *testing.T) {
	parser := stubParser{target: domain.TargetAllocation{"ETH": 1, "USDC": 1}, raw: `{"ETH":1,"USDC":1}`}
	h := newTestServer(testDeps{parser: parser}).Handler()

	rec := do(t, h, http.MethodPost, "/api/parse_query", `{"query":"half and half"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"parsed_allocation":{"ETH":50,"USDC":50}}`, rec.Body.String())
}

func TestParseQuery_Errors(t *testing.T) {
	t.Run("no query", func(t *testing.T) {
		h := newTestServer(testDeps{parser: stubParser{}}).Handler()
		rec := do(t, h, http.MethodPost, "/api/parse_query", `{"query":"  "}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "No query provided", resp.Error)
		assert.Equal(t, "query", resp.Field)
	})

	t.Run("llm not configured", func(t *testing.T) {
		h := newTestServer(testDeps{}).Handler()
		rec := do(t, h, http.MethodPost, "/api/parse_query", `{"query":"all in"}`, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, CodeUpstream, decodeError(t, rec).Code)
	})

	t.Run("unparseable output", func(t *testing.T) {
		parser := stubParser{raw: "I cannot help", err: &domain.ParseError{Raw: "I cannot help", Err: errors.New("no JSON object")}}
		h := newTestServer(testDeps{parser: parser}).Handler()
		rec := do(t, h, http.MethodPost, "/api/parse_query", `{"query":"all in"}`, nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, CodeParse, resp.Code)
		assert.Equal(t, "I cannot help", resp.Raw)
	})

	t.Run("unexpected failure", func(t *testing.T) {
		h := newTestServer(testDeps{parser: stubParser{err: errors.New("boom")}}).Handler()
		rec := do(t, h, http.MethodPost, "/api/parse_query", `{"query":"all in"}`, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, CodeInternal, resp.Code)
		assert.Equal(t, "Internal server error", resp.Error)
	})
}

func TestPortfolioAgent(t *testing.T) {
	model := stubModel{reply: domain.ChatMessage{Role: domain.RoleAssistant, Content: "Hold steady."}}
	h := newTestServer(testDeps{model: model}).Handler()

	rec := do(t, h, http.MethodPost, "/api/portfolio-agent", `{"user_message":"what should I do?"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp service.AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hold steady.", resp.Response)
	assert.NotEmpty(t, resp.SessionID)

	rec = do(t, h, http.MethodPost, "/api/portfolio-agent", `{"user_message":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	h := newTestServer(testDeps{secret: secret}).Handler()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	rec = do(t, h, http.MethodGet, "/api/version", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)

	bad, err := IssueToken([]byte("other"), "alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/version", "", http.Header{"Authorization": {"Bearer " + bad}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken([]byte(secret), "alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/version", "", http.Header{"Authorization": {"Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good, err := IssueToken([]byte(secret), "alice", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	rec = do(t, h, http.MethodGet, "/api/version", "", http.Header{"Authorization": {"Bearer " + good}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/version?token="+good, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth_SubjectInContext(t *testing.T) {
	secret := []byte("test-secret")
	s := newTestServer(testDeps{})

	var got string
	h := s.jwtMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := IssueToken(secret, "0xabc", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))})
	require.NoError(t, err)
	rec := do(t, h, http.MethodGet, "/anything", "", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0xabc", got)

	assert.Empty(t, Subject(context.Background()))
}

func dialAgentStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/portfolio-agent/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m types.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestAgentStream(t *testing.T) {
	model := stubModel{reply: domain.ChatMessage{Role: domain.RoleAssistant, Content: "All good."}}
	srv := httptest.NewServer(newTestServer(testDeps{model: model}).Handler())
	defer srv.Close()
	conn := dialAgentStream(t, srv)

	ping, err := types.NewMessage(types.MessageTypePing, "p1", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ping))
	pong := readMessage(t, conn)
	assert.Equal(t, types.MessageTypePong, pong.Type)
	assert.Equal(t, "p1", pong.TaskID)

	task, err := types.NewMessage(types.MessageTypeTask, "t1", types.TaskMessage{UserMessage: "how am I doing?"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(task))

	var states []service.AgentState
	for {
		m := readMessage(t, conn)
		assert.Equal(t, "t1", m.TaskID)
		if m.Type != types.MessageTypeState {
			require.Equal(t, types.MessageTypeTaskResult, m.Type)
			var resp service.AgentResponse
			require.NoError(t, m.DecodeData(&resp))
			assert.Equal(t, "All good.", resp.Response)
			break
		}
		var e service.AgentEvent
		require.NoError(t, m.DecodeData(&e))
		states = append(states, e.State)
	}
	assert.Equal(t, []service.AgentState{service.StateAwaitingModel, service.StateDone}, states)
}

func TestAgentStream_Errors(t *testing.T) {
	srv := httptest.NewServer(newTestServer(testDeps{}).Handler())
	defer srv.Close()
	conn := dialAgentStream(t, srv)

	bad, err := types.NewMessage(types.MessageTypeTask, "t1", types.TaskMessage{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(bad))
	m := readMessage(t, conn)
	require.Equal(t, types.MessageTypeError, m.Type)
	var em types.ErrorMessage
	require.NoError(t, m.DecodeData(&em))
	assert.Equal(t, CodeValidation, em.Code)

	// No model configured.
	task, err := types.NewMessage(types.MessageTypeTask, "t2", types.TaskMessage{UserMessage: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(task))
	m = readMessage(t, conn)
	require.Equal(t, types.MessageTypeError, m.Type)
	require.NoError(t, m.DecodeData(&em))
	assert.Equal(t, CodeUpstream, em.Code)

	unknown := types.Message{Type: "subscribe", Timestamp: time.Now()}
	require.NoError(t, conn.WriteJSON(unknown))
	m = readMessage(t, conn)
	assert.Equal(t, types.MessageTypeError, m.Type)
}

func TestAgentStream_ReadsWhileTaskRuns(t *testing.T) {
	model := newBlockingModel()
	srv := httptest.NewServer(newTestServer(testDeps{model: model}).Handler())
	defer srv.Close()
	conn := dialAgentStream(t, srv)

	task, err := types.NewMessage(types.MessageTypeTask, "slow", types.TaskMessage{UserMessage: "take your time"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(task))

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model was never called")
	}

	ping, err := types.NewMessage(types.MessageTypePing, "p1", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ping))
	for {
		m := readMessage(t, conn)
		require.NotEqual(t, types.MessageTypeTaskResult, m.Type, "pong must arrive while the task is still running")
		if m.Type == types.MessageTypePong {
			break
		}
	}

	close(model.release)
	for {
		m := readMessage(t, conn)
		if m.Type == types.MessageTypeTaskResult {
			var resp service.AgentResponse
			require.NoError(t, m.DecodeData(&resp))
			assert.Equal(t, "Finally.", resp.Response)
			break
		}
	}
}

func TestAgentStream_CloseCancelsTask(t *testing.T) {
	model := newBlockingModel()
	srv := httptest.NewServer(newTestServer(testDeps{model: model}).Handler())
	defer srv.Close()
	conn := dialAgentStream(t, srv)

	task, err := types.NewMessage(types.MessageTypeTask, "t1", types.TaskMessage{UserMessage: "hello"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(task))

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model was never called")
	}
	require.NoError(t, conn.Close())

	select {
	case <-model.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("closing the stream did not cancel the running task")
	}
}
