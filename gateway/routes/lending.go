package routes

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	nativecommon "oxylend/native/common"
	"oxylend/native/lending"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type lendingRoutes struct {
	engine *lending.Engine
}

type errorBody struct {
	Error string `json:"error"`
}

type depositRequest struct {
	From          string `json:"from"`
	PoolID        string `json:"poolId"`
	Amount        string `json:"amount"`
	Collateral    bool   `json:"collateral"`
	EnableLending bool   `json:"enableLending"`
}

type amountRequest struct {
	From   string `json:"from"`
	PoolID string `json:"poolId"`
	Amount string `json:"amount"`
	Full   bool   `json:"full,omitempty"`
}

type claimYieldRequest struct {
	From     string `json:"from"`
	PoolID   string `json:"poolId"`
	Reinvest bool   `json:"reinvest"`
}

type toggleRequest struct {
	From    string `json:"from"`
	PoolID  string `json:"poolId"`
	Enabled bool   `json:"enabled"`
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	DebtPool   string `json:"debtPool"`
	SeizePool  string `json:"seizePool"`
	Amount     string `json:"amount"`
}

type initPoolRequest struct {
	Asset  string             `json:"asset"`
	Params lending.RiskParams `json:"params"`
}

type withdrawReservesRequest struct {
	PoolID    string `json:"poolId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type creditRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorBody(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeEngineFailure maps engine sentinel errors onto HTTP statuses.
func writeEngineFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lending.ErrZeroAmount),
		errors.Is(err, lending.ErrOverflow),
		errors.Is(err, lending.ErrExcessRepayment),
		errors.Is(err, lending.ErrEntryLimit),
		errors.Is(err, lending.ErrPoolExists):
		writeErrorBody(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lending.ErrPoolUnavailable),
		errors.Is(err, lending.ErrEntryNotFound):
		writeErrorBody(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrHealthFactorBreach),
		errors.Is(err, lending.ErrExceedsCloseFactor),
		errors.Is(err, lending.ErrNotLiquidatable):
		writeErrorBody(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lending.ErrStalePrice),
		errors.Is(err, nativecommon.ErrModulePaused):
		writeErrorBody(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lending.ErrConflict):
		writeErrorBody(w, http.StatusConflict, err.Error())
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaValueExceeded):
		writeErrorBody(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, lending.ErrUnauthorized):
		writeErrorBody(w, http.StatusForbidden, err.Error())
	default:
		writeErrorBody(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parsePositiveAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		writeErrorBody(w, http.StatusBadRequest, "amount is required")
		return nil, false
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() <= 0 {
		writeErrorBody(w, http.StatusBadRequest, "amount must be a positive base-10 integer")
		return nil, false
	}
	return amount, true
}

func (lr *lendingRoutes) listPools(w http.ResponseWriter, _ *http.Request) {
	pools, err := lr.engine.ListPools()
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	if pools == nil {
		pools = []*lending.Pool{}
	}
	writeJSON(w, http.StatusOK, pools)
}

func (lr *lendingRoutes) getPool(w http.ResponseWriter, r *http.Request) {
	pool, err := lr.engine.GetPool(chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (lr *lendingRoutes) getPosition(w http.ResponseWriter, r *http.Request) {
	position, err := lr.engine.GetPosition(chi.URLParam(r, "address"))
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (lr *lendingRoutes) getHealth(w http.ResponseWriter, r *http.Request) {
	health, err := lr.engine.HealthFactor(chi.URLParam(r, "address"))
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (lr *lendingRoutes) getMaxBorrow(w http.ResponseWriter, r *http.Request) {
	amount, err := lr.engine.MaxBorrow(chi.URLParam(r, "address"), chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: amount.String()})
}

func (lr *lendingRoutes) getBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	asset := chi.URLParam(r, "asset")
	balance, err := lr.engine.Balance(address, asset)
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Address: address, Asset: asset, Balance: balance.String()})
}

func (lr *lendingRoutes) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeErrorBody(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	events := lr.engine.Events().Recent(limit)
	if events == nil {
		events = []lending.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (lr *lendingRoutes) initPool(w http.ResponseWriter, r *http.Request) {
	var req initPoolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	pool, err := lr.engine.InitPool(req.Asset, req.Params)
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (lr *lendingRoutes) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parsePositiveAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := lr.engine.Deposit(req.From, req.PoolID, amount, req.Collateral, req.EnableLending); err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (lr *lendingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parsePositiveAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := lr.engine.Withdraw(req.From, req.PoolID, amount); err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parsePositiveAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := lr.engine.Borrow(req.From, req.PoolID, amount); err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var repaid *big.Int
	var err error
	if req.Full {
		repaid, err = lr.engine.RepayFull(req.From, req.PoolID)
	} else {
		var amount *big.Int
		var ok bool
		amount, ok = parsePositiveAmount(w, req.Amount)
		if !ok {
			return
		}
		repaid, err = lr.engine.Repay(req.From, req.PoolID, amount)
	}
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: repaid.String()})
}

func (lr *lendingRoutes) claimYield(w http.ResponseWriter, r *http.Request) {
	var req claimYieldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claimed, err := lr.engine.ClaimYield(req.From, req.PoolID, req.Reinvest)
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: claimed.String()})
}

func (lr *lendingRoutes) setCollateral(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := lr.engine.SetCollateral(req.From, req.PoolID, req.Enabled); err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (lr *lendingRoutes) setLendingEnabled(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := lr.engine.SetLendingEnabled(req.From, req.PoolID, req.Enabled); err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}

func (lr *lendingRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parsePositiveAmount(w, req.Amount)
	if !ok {
		return
	}
	result, err := lr.engine.Liquidate(req.Liquidator, req.Borrower, req.DebtPool, req.SeizePool, amount)
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (lr *lendingRoutes) withdrawReserves(w http.ResponseWriter, r *http.Request) {
	var req withdrawReservesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parsePositiveAmount(w, req.Amount)
	if !ok {
		return
	}
	withdrawn, err := lr.engine.WithdrawReserves(req.PoolID, req.Recipient, amount)
	if err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: withdrawn.String()})
}

func (lr *lendingRoutes) credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parsePositiveAmount(w, req.Amount)
	if !ok {
		return
	}
	if err := lr.engine.Credit(req.Account, req.Asset, amount); err != nil {
		writeEngineFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{OK: true})
}
