package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokenvest/native/custody"
	"tokenvest/native/vesting"
)

const (
	maxBodyBytes = 1 << 20
	tracerName   = "tokenvest/vestingd"
)

type createScheduleRequest struct {
	Creator             string `json:"creator"`
	Beneficiary         string `json:"beneficiary"`
	Asset               string `json:"asset"`
	StartTs             int64  `json:"startTs"`
	EndTs               int64  `json:"endTs"`
	InitialUnlockAmount string `json:"initialUnlockAmount"`
	TotalAmount         string `json:"totalAmount"`
}

// ScheduleView is the JSON representation of a schedule at an instant.
type ScheduleView struct {
	Key       vesting.Key       `json:"key"`
	Vault     string            `json:"vault"`
	Schedule  *vesting.Schedule `json:"schedule"`
	Phase     string            `json:"phase"`
	Vested    uint64            `json:"vestedAmount,string"`
	Claimable uint64            `json:"claimableAmount,string"`
	At        int64             `json:"at"`
}

// ClaimView is the JSON representation of a successful claim.
type ClaimView struct {
	Key       vesting.Key `json:"key"`
	Released  uint64      `json:"releasedAmount,string"`
	Withdrawn uint64      `json:"withdrawnAmount,string"`
	Total     uint64      `json:"totalAmount,string"`
	Phase     string      `json:"phase"`
	ClaimedAt int64       `json:"claimedAt"`
}

// BalanceView is the JSON representation of a custody balance.
type BalanceView struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance,string"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.metrics.RecordInitialize("invalid_request")
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	params, err := s.initParams(r, req)
	if err != nil {
		s.metrics.RecordInitialize("invalid_request")
		s.writeEngineError(w, err)
		return
	}
	sched, err := s.engine.Initialize(r.Context(), params)
	if err != nil {
		_, code := classify(err)
		s.metrics.RecordInitialize(code)
		s.writeEngineError(w, err)
		return
	}
	s.metrics.RecordInitialize("success")
	s.logger.Info("schedule initialized",
		"key", sched.Key().Hex(),
		"creator", sched.Creator.Hex(),
		"beneficiary", sched.Beneficiary.Hex(),
		"asset", sched.Asset)
	view, err := s.view(sched, s.engine.Now())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) initParams(r *http.Request, req createScheduleRequest) (vesting.InitParams, error) {
	params := vesting.InitParams{
		Asset:   req.Asset,
		StartTs: req.StartTs,
		EndTs:   req.EndTs,
	}
	var err error
	if strings.TrimSpace(req.Creator) == "" {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			return params, fmt.Errorf("%w: creator required", vesting.ErrInvalidParty)
		}
		params.Creator = principal.Subject
	} else if params.Creator, err = vesting.ParseAddress(req.Creator); err != nil {
		return params, err
	}
	if params.Beneficiary, err = vesting.ParseAddress(req.Beneficiary); err != nil {
		return params, err
	}
	if params.Total, err = parseAmount(req.TotalAmount, false); err != nil {
		return params, err
	}
	if params.InitialUnlock, err = parseAmount(req.InitialUnlockAmount, true); err != nil {
		return params, err
	}
	return params, nil
}

func parseAmount(raw string, optional bool) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" && optional {
		return 0, nil
	}
	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a base-unit integer", vesting.ErrInvalidAmount, raw)
	}
	return v, nil
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, s.engine.Now())
}

func (s *Server) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	at := s.engine.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timestamp", "at must be unix seconds")
			return
		}
		at = parsed
	}
	s.writeStatus(w, r, at)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, at int64) {
	key, err := vesting.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return
	}
	status, err := s.engine.Status(r.Context(), key, at)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScheduleView{
		Key:       key,
		Vault:     custody.VaultAddress(key).Hex(),
		Schedule:  status.Schedule,
		Phase:     status.Phase.String(),
		Vested:    status.Vested,
		Claimable: status.Claimable,
		At:        status.At,
	})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, err := vesting.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		s.metrics.RecordClaim("invalid_request", "", 0, time.Since(start))
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return
	}
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "vesting.claim",
		trace.WithAttributes(attribute.String("vesting.key", key.Hex())))
	defer span.End()

	res, err := s.engine.Claim(ctx, key, s.engine.Now())
	if err != nil {
		_, code := classify(err)
		span.SetStatus(codes.Error, code)
		s.metrics.RecordClaim(code, "", 0, time.Since(start))
		s.writeEngineError(w, err)
		return
	}
	span.SetAttributes(
		attribute.String("vesting.asset", res.Schedule.Asset),
		attribute.String("vesting.released", strconv.FormatUint(res.Released, 10)),
	)
	s.metrics.RecordClaim("success", res.Schedule.Asset, res.Released, time.Since(start))
	s.logger.Info("claim processed",
		"key", key.Hex(),
		"beneficiary", res.Schedule.Beneficiary.Hex(),
		"asset", res.Schedule.Asset,
		"released", res.Released,
		"trace_id", traceID(ctx))
	writeJSON(w, http.StatusOK, ClaimView{
		Key:       key,
		Released:  res.Released,
		Withdrawn: res.Schedule.Withdrawn,
		Total:     res.Schedule.Total,
		Phase:     res.Phase.String(),
		ClaimedAt: res.ClaimedAt,
	})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		writeError(w, http.StatusNotImplemented, "unavailable", "balance lookups are not configured")
		return
	}
	addr, err := vesting.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	asset, err := vesting.NormalizeAsset(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	balance, err := s.balances.Balance(r.Context(), addr, asset)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceView{Address: addr.Hex(), Asset: asset, Balance: balance})
}

func (s *Server) view(sched *vesting.Schedule, at int64) (ScheduleView, error) {
	vested, err := sched.Vested(at)
	if err != nil {
		return ScheduleView{}, err
	}
	claimable, err := sched.Claimable(at)
	if err != nil {
		return ScheduleView{}, err
	}
	key := sched.Key()
	return ScheduleView{
		Key:       key,
		Vault:     custody.VaultAddress(key).Hex(),
		Schedule:  sched,
		Phase:     sched.Phase(at).String(),
		Vested:    vested,
		Claimable: claimable,
		At:        at,
	}, nil
}

// classify maps engine and custody errors onto an HTTP status and a stable
// error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, vesting.ErrInvalidSchedule):
		return http.StatusBadRequest, "invalid_schedule"
	case errors.Is(err, vesting.ErrInvalidAmount), errors.Is(err, custody.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, vesting.ErrInvalidAsset), errors.Is(err, custody.ErrUnsupportedAsset):
		return http.StatusBadRequest, "invalid_asset"
	case errors.Is(err, vesting.ErrInvalidParty), errors.Is(err, custody.ErrSelfTransfer):
		return http.StatusBadRequest, "invalid_party"
	case errors.Is(err, vesting.ErrNoTokensToClaim):
		return http.StatusConflict, "no_tokens_to_claim"
	case errors.Is(err, vesting.ErrScheduleExists):
		return http.StatusConflict, "schedule_exists"
	case errors.Is(err, vesting.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, vesting.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, vesting.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, custody.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, vesting.ErrArithmetic), errors.Is(err, custody.ErrBalanceOverflow):
		return http.StatusInternalServerError, "arithmetic_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err, "code", code)
		writeError(w, status, code, http.StatusText(status))
		return
	}
	writeError(w, status, code, err.Error())
}

func traceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}
