package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/creasty/defaults"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/supaandu/rebalancer/internal/core/domain"
	"github.com/supaandu/rebalancer/internal/core/service"
	"github.com/supaandu/rebalancer/pkg/version"
)

const maxBodyBytes = 1 << 20

// Error codes returned in the "code" field of error responses.
const (
	CodeValidation = "validation_error"
	CodeZeroValue  = "zero_value"
	CodeUpstream   = "upstream_error"
	CodeParse      = "parse_error"
	CodeInternal   = "internal_error"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
	Raw   string `json:"raw,omitempty"` // model output for parse errors
}

type detectTokensRequest struct {
	WalletAddress  string   `json:"wallet_address"`
	TokenAddresses []string `json:"token_addresses" validate:"max=100"`
}

type calculateRebalanceRequest struct {
	Tokens           domain.Holdings         `json:"tokens" validate:"dive"`
	TargetAllocation domain.TargetAllocation `json:"target_allocation"`
	TokenPrices      domain.PriceTable       `json:"token_prices" validate:"omitempty,dive,gte=0"`
}

type parseQueryRequest struct {
	Query   string   `json:"query" validate:"max=2000"`
	Symbols []string `json:"symbols" validate:"max=100"`
}

type parseQueryResponse struct {
	ParsedAllocation domain.TargetAllocation `json:"parsed_allocation"`
}

type agentRequest struct {
	UserMessage   string `json:"user_message" validate:"max=4000"`
	WalletAddress string `json:"wallet_address"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.GetVersionString(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetBuildInfo())
}

func (s *Server) handleDetectTokens(w http.ResponseWriter, r *http.Request) {
	var req detectTokensRequest
	if err := s.readRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	portfolio, err := s.portfolio.DetectTokens(r.Context(), req.WalletAddress, req.TokenAddresses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (s *Server) handleCalculateRebalance(w http.ResponseWriter, r *http.Request) {
	var req calculateRebalanceRequest
	if err := s.readRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.portfolio.CalculateRebalance(r.Context(), req.Tokens, req.TargetAllocation, req.TokenPrices)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleParseQuery(w http.ResponseWriter, r *http.Request) {
	var req parseQueryRequest
	if err := s.readRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	target, err := s.portfolio.ParseTarget(r.Context(), req.Query, req.Symbols)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, parseQueryResponse{ParsedAllocation: target})
}

func (s *Server) handlePortfolioAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := s.readRequest(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.agent.Run(r.Context(), service.AgentRequest{
		UserMessage:   req.UserMessage,
		WalletAddress: req.WalletAddress,
	}, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// readRequest decodes a JSON body into dst, applies defaults and validates it.
// Every failure is a *domain.ValidationError.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("", "Request body is required")
		}
		return domain.NewValidationError("", fmt.Sprintf("Invalid JSON body: %v", err))
	}

	if err := defaults.Set(dst); err != nil {
		return domain.NewValidationError("", err.Error())
	}

	if err := s.validate.StructCtx(r.Context(), dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.NewValidationError(verrs[0].Namespace(), describeFieldError(verrs[0]))
		}
		return domain.NewValidationError("", err.Error())
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "max":
		return fmt.Sprintf("must have at most %s items or characters", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// statusFor maps an error to its HTTP status and API error code.
func statusFor(err error) (int, string) {
	var (
		ve *domain.ValidationError
		zv *domain.ZeroValueError
		pe *domain.ParseError
		ue *domain.UpstreamLookupError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, CodeValidation
	case errors.As(err, &zv):
		return http.StatusBadRequest, CodeZeroValue
	case errors.As(err, &pe):
		return http.StatusBadGateway, CodeParse
	case errors.As(err, &ue):
		return http.StatusBadGateway, CodeUpstream
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		resp.Error = ve.Message
		resp.Field = ve.Field
	}
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		resp.Raw = pe.Raw
	}
	if status == http.StatusInternalServerError {
		resp.Error = "Internal server error"
	}

	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).
		Str("path", r.URL.Path).
		Str("code", code).
		Int("status", status).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("subject", Subject(r.Context())).
		Msg("Request failed")

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
