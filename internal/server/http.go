package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/feed"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/query"
	"CDPLedger/internal/token"
	"CDPLedger/internal/vault"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

var errNoReadModel = errors.New("read model not configured")

type route struct {
	method, pattern, endpoint string
	handler                   func(r *http.Request, p map[string]string) (any, error)
}

func (s *Server) registerRoutes() error {
	routes := []route{
		{"GET", "/v1/oracle", "oracle", s.getOracle},
		{"GET", "/v1/params", "params", s.getParams},
		{"GET", "/v1/head", "head", s.getHead},
		{"GET", "/v1/branches/{kind}", "branch", s.getBranch},
		{"GET", "/v1/branches/{kind}/vaults/{id}", "vault", s.getVault},
		{"GET", "/v1/branches/{kind}/candidates", "candidates", s.getCandidates},
		{"GET", "/v1/branches/{kind}/owners/{owner}", "branch_owner", s.getBranchOwner},
		{"GET", "/v1/pool", "pool", s.getPool},
		{"GET", "/v1/pool/deposits/{depositor}", "pool_deposit", s.getPoolDeposit},
		{"GET", "/v1/redemptions/{kind}/quote", "redemption_quote", s.getRedemptionQuote},
		{"GET", "/v1/treasury", "treasury", s.getTreasury},
		{"GET", "/v1/owners/{owner}/vaults", "owner_vaults", s.getOwnerVaults},
		{"GET", "/v1/liquidations", "liquidations", s.getLiquidations},
		{"GET", "/v1/redemptions", "redemptions", s.getRedemptions},
		{"GET", "/v1/balances", "balances", s.getBalances},
		{"GET", "/v1/accounts/{account}/journals", "journals", s.getJournals},
		{"GET", "/v1/admin/integrity", "integrity", s.getIntegrity},
		{"POST", "/v1/admin/projections/rebuild", "rebuild", s.postRebuild},
		{"POST", "/v1/commands/{type}", "command", s.postCommand},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, s.instrument(rt.endpoint, rt.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// instrument adapts a handler to the gateway, writes JSON and records
// metrics.
func (s *Server) instrument(endpoint string, h func(*http.Request, map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		body, err := h(r, p)
		code := http.StatusOK
		if err != nil {
			code = httpStatus(err)
			body = errorBody{Error: err.Error(), Code: code}
			if code >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		}
		writeJSON(w, code, body)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				m.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			}
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// httpStatus maps domain errors onto HTTP status codes.
func httpStatus(err error) int {
	var sme *oracle.SafeModeError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, ingestion.ErrMalformed),
		errors.Is(err, protocol.ErrInvalidAmount), errors.Is(err, protocol.ErrInvalidParams),
		errors.Is(err, protocol.ErrUnsupportedCollateral), errors.Is(err, core.ErrMissingKey),
		errors.Is(err, core.ErrClockSkew):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrVaultNotFound), errors.Is(err, protocol.ErrDepositNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrDuplicate):
		return http.StatusConflict
	case errors.As(err, &sme), errors.Is(err, protocol.ErrSafeModeBlocked),
		errors.Is(err, protocol.ErrOracleUnavailable), errors.Is(err, protocol.ErrOracleStale),
		errors.Is(err, protocol.ErrOracleDeviation), errors.Is(err, protocol.ErrOracleInvalidRate),
		errors.Is(err, protocol.ErrOracleDecimalsMismatch),
		errors.Is(err, query.ErrStale), errors.Is(err, errNoReadModel):
		return http.StatusServiceUnavailable
	case errors.Is(err, token.ErrSettlementFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case isDomainRejection(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var domainRejections = []error{
	protocol.ErrInsufficientCollateralization, protocol.ErrBelowMinDebt,
	protocol.ErrInterestRateOutOfBounds, protocol.ErrRepayExceedsDebt,
	protocol.ErrInsufficientCollateral, protocol.ErrInvalidAdjustment,
	protocol.ErrInsufficientPoolBalance, protocol.ErrNotLiquidatable,
	protocol.ErrInsufficientDeposit, protocol.ErrFeeExceedsMax,
	protocol.ErrNothingToRedeem, protocol.ErrSlippageExceeded,
	protocol.ErrInsufficientFunds, core.ErrUnsupportedCommand,
}

func isDomainRejection(err error) bool {
	for _, target := range domainRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// gatewayErrorHandler renders routing errors (unknown path, wrong method)
// in the same shape as handler errors.
func gatewayErrorHandler(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, err error) {
	code := http.StatusInternalServerError
	if st, ok := status.FromError(err); ok {
		code = runtime.HTTPStatusFromCode(st.Code())
		if st.Code() == codes.Unimplemented {
			code = http.StatusMethodNotAllowed
		}
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Code: code})
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func pathKind(p map[string]string) (protocol.CollateralKind, error) {
	kind, err := protocol.ParseCollateralKind(p["kind"])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", protocol.ErrUnsupportedCollateral, err)
	}
	return kind, nil
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("%s: %v", name, err)
	}
	return v, nil
}

func cursor(r *http.Request) (query.Cursor, error) {
	before, err := queryUint(r, "before")
	if err != nil {
		return query.Cursor{}, err
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		return query.Cursor{}, err
	}
	return query.Cursor{Before: before, Limit: int(limit)}, nil
}

// --- live state, read from the core ---

func (s *Server) getOracle(r *http.Request, _ map[string]string) (any, error) {
	return s.deps.Core.Oracle(r.Context(), s.deps.Now()), nil
}

func (s *Server) getParams(_ *http.Request, _ map[string]string) (any, error) {
	return s.deps.Core.Params(), nil
}

type headResponse struct {
	Sequence  uint64 `json:"sequence"`
	StateHash string `json:"state_hash"`
	Clock     int64  `json:"clock"`
}

func (s *Server) getHead(_ *http.Request, _ map[string]string) (any, error) {
	seq, hash := s.deps.Core.Head()
	return headResponse{Sequence: seq, StateHash: hex.EncodeToString(hash[:]), Clock: s.deps.Core.Clock()}, nil
}

func (s *Server) getBranch(r *http.Request, p map[string]string) (any, error) {
	kind, err := pathKind(p)
	if err != nil {
		return nil, err
	}
	return s.deps.Core.Branch(r.Context(), kind, s.deps.Now())
}

func (s *Server) getVault(r *http.Request, p map[string]string) (any, error) {
	kind, err := pathKind(p)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseUint(p["id"], 10, 64)
	if err != nil {
		return nil, badRequest("vault id %q", p["id"])
	}
	return s.deps.Core.Vault(r.Context(), kind, id, s.deps.Now())
}

// getBranchOwner reads an owner's open vaults from live state, unlike
// /v1/owners/{owner}/vaults which serves the projection.
func (s *Server) getBranchOwner(_ *http.Request, p map[string]string) (any, error) {
	kind, err := pathKind(p)
	if err != nil {
		return nil, err
	}
	vaults, err := s.deps.Core.VaultsByOwner(kind, protocol.Address(p["owner"]))
	if err != nil {
		return nil, err
	}
	if vaults == nil {
		vaults = []*vault.Vault{}
	}
	return vaults, nil
}

type candidatesResponse struct {
	Kind     protocol.CollateralKind `json:"kind"`
	VaultIDs []uint64                `json:"vault_ids"`
}

func (s *Server) getCandidates(r *http.Request, p map[string]string) (any, error) {
	kind, err := pathKind(p)
	if err != nil {
		return nil, err
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		return nil, err
	}
	ids, err := s.deps.Core.LiquidationCandidates(r.Context(), kind, s.deps.Now(), int(limit))
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return candidatesResponse{Kind: kind, VaultIDs: ids}, nil
}

func (s *Server) getPool(_ *http.Request, _ map[string]string) (any, error) {
	return s.deps.Core.Pool(), nil
}

func (s *Server) getPoolDeposit(_ *http.Request, p map[string]string) (any, error) {
	return s.deps.Core.PoolPosition(protocol.Address(p["depositor"]))
}

// getRedemptionQuote takes ?amount= in whole stablecoins.
func (s *Server) getRedemptionQuote(r *http.Request, p map[string]string) (any, error) {
	kind, err := pathKind(p)
	if err != nil {
		return nil, err
	}
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		return nil, badRequest("amount is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, badRequest("amount: %v", err)
	}
	amount, err := feed.ToFixed(d, s.deps.Core.Params().Units.DebtDecimals)
	if err != nil {
		return nil, badRequest("amount: %v", err)
	}
	return s.deps.Core.RedemptionQuote(r.Context(), kind, amount, s.deps.Now())
}

func (s *Server) getTreasury(_ *http.Request, _ map[string]string) (any, error) {
	return s.deps.Core.TreasuryBalances(), nil
}

// --- history, read from the projection ---

func (s *Server) readModel() (*query.QueryService, error) {
	if s.deps.Query == nil {
		return nil, errNoReadModel
	}
	return s.deps.Query, nil
}

// getOwnerVaults takes ?min_sequence= to wait out projection lag: a caller
// that just wrote passes the sequence it got back.
func (s *Server) getOwnerVaults(r *http.Request, p map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	minSeq, err := queryUint(r, "min_sequence")
	if err != nil {
		return nil, err
	}
	return qs.GetVaultsByOwner(r.Context(), p["owner"], minSeq)
}

func (s *Server) getLiquidations(r *http.Request, _ map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	c, err := cursor(r)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	return qs.GetLiquidations(r.Context(), query.LiquidationFilter{Kind: q.Get("kind"), Owner: q.Get("owner"), Cursor: c})
}

func (s *Server) getRedemptions(r *http.Request, _ map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	c, err := cursor(r)
	if err != nil {
		return nil, err
	}
	return qs.GetRedemptions(r.Context(), r.URL.Query().Get("redeemer"), c)
}

func (s *Server) getBalances(r *http.Request, _ map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	return qs.GetBalances(r.Context(), r.URL.Query().Get("asset"))
}

func (s *Server) getJournals(r *http.Request, p map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	c, err := cursor(r)
	if err != nil {
		return nil, err
	}
	return qs.GetJournalHistory(r.Context(), p["account"], c)
}

// --- admin ---

func (s *Server) getIntegrity(r *http.Request, _ map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	return qs.VerifyIntegrity(r.Context())
}

type rebuildResponse struct {
	Watermark uint64 `json:"watermark"`
}

func (s *Server) postRebuild(r *http.Request, _ map[string]string) (any, error) {
	qs, err := s.readModel()
	if err != nil {
		return nil, err
	}
	if s.deps.DB == nil {
		return nil, errNoReadModel
	}
	if err := projection.RebuildProjections(r.Context(), s.deps.DB, s.logger); err != nil {
		return nil, err
	}
	wm, err := qs.Watermark(r.Context())
	if err != nil {
		return nil, err
	}
	return rebuildResponse{Watermark: wm}, nil
}

// --- commands ---

type commandResponse struct {
	Sequence  uint64        `json:"sequence"`
	StateHash string        `json:"state_hash"`
	Timestamp int64         `json:"timestamp"`
	Events    []event.Event `json:"events"`
	QuoteErr  string        `json:"quote_error,omitempty"`
}

// postCommand executes one command synchronously. The body uses the same
// wire format as the command stream.
func (s *Server) postCommand(r *http.Request, p map[string]string) (any, error) {
	ct, err := event.ParseCommandType(p["type"])
	if err != nil {
		return nil, badRequest("command type %q", p["type"])
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	cmd, err := s.deps.Parser.Parse(ct, body)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Core.Execute(r.Context(), cmd)
	if err != nil {
		return nil, err
	}

	resp := commandResponse{
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
		Timestamp: res.Timestamp,
		Events:    res.Events,
	}
	if res.QuoteErr != nil {
		resp.QuoteErr = res.QuoteErr.Error()
	}
	return resp, nil
}
