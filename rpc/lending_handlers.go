package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"oxylend/native/lending"
	"oxylend/observability"
)

// recordOperation feeds the ledger-operation counters. Stale-price rejections
// are tracked separately because they alarm on oracle health rather than on
// client behaviour.
func recordOperation(op string, err error) {
	metrics := observability.Lending()
	metrics.RecordOperation(op, err)
	if errors.Is(err, lending.ErrStalePrice) {
		metrics.RecordStalePrice(op)
	}
}

type poolParam struct {
	PoolID string `json:"poolId"`
}

type accountParam struct {
	Address string `json:"address"`
}

type accountPoolParam struct {
	Address string `json:"address"`
	PoolID  string `json:"poolId"`
}

type balanceParam struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type initPoolParams struct {
	Asset  string             `json:"asset"`
	Params lending.RiskParams `json:"params"`
}

type depositParams struct {
	From          string `json:"from"`
	PoolID        string `json:"poolId"`
	Amount        string `json:"amount"`
	Collateral    bool   `json:"collateral"`
	EnableLending bool   `json:"enableLending"`
}

type amountParams struct {
	From   string `json:"from"`
	PoolID string `json:"poolId"`
	Amount string `json:"amount"`
}

type claimYieldParams struct {
	From     string `json:"from"`
	PoolID   string `json:"poolId"`
	Reinvest bool   `json:"reinvest"`
}

type toggleParams struct {
	From    string `json:"from"`
	PoolID  string `json:"poolId"`
	Enabled bool   `json:"enabled"`
}

type liquidateParams struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	DebtPool   string `json:"debtPool"`
	SeizePool  string `json:"seizePool"`
	Amount     string `json:"amount"`
}

type withdrawReservesParams struct {
	PoolID    string `json:"poolId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type creditParams struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type eventsParams struct {
	Limit int `json:"limit"`
}

type poolResult struct {
	Pool *lending.Pool `json:"pool"`
}

type poolsResult struct {
	Pools []*lending.Pool `json:"pools"`
}

type positionResult struct {
	Position *lending.Position `json:"position,omitempty"`
}

type balanceResult struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

type eventsResult struct {
	Events []lending.Event `json:"events"`
}

type ackResult struct {
	OK bool `json:"ok"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	poolID, rpcErr := poolIDParam(req)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	pool, err := s.engine.GetPool(poolID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, poolResult{Pool: pool})
}

func (s *Server) handleListPools(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	pools, err := s.engine.ListPools()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if pools == nil {
		pools = []*lending.Pool{}
	}
	writeResult(w, req.ID, poolsResult{Pools: pools})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	address, rpcErr := addressParam(req)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	position, err := s.engine.GetPosition(address)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, positionResult{Position: position})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params balanceParam
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	if strings.TrimSpace(params.Address) == "" || strings.TrimSpace(params.Asset) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address and asset are required", nil)
		return
	}
	balance, err := s.engine.Balance(params.Address, params.Asset)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address: strings.TrimSpace(params.Address),
		Asset:   strings.TrimSpace(params.Asset),
		Balance: balance.String(),
	})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	address, rpcErr := addressParam(req)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	health, err := s.engine.HealthFactor(address)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, health)
}

func (s *Server) handleMaxBorrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountPoolParam
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	if strings.TrimSpace(params.Address) == "" || strings.TrimSpace(params.PoolID) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address and poolId are required", nil)
		return
	}
	amount, err := s.engine.MaxBorrow(params.Address, params.PoolID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: amount.String()})
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	limit := 0
	if len(req.Params) == 1 {
		var params eventsParams
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
			return
		}
		limit = params.Limit
	} else if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected at most one parameter object", nil)
		return
	}
	events := s.engine.Events().Recent(limit)
	if events == nil {
		events = []lending.Event{}
	}
	writeResult(w, req.ID, eventsResult{Events: events})
}

func (s *Server) handleInitPool(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params initPoolParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	if strings.TrimSpace(params.Asset) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "asset is required", nil)
		return
	}
	pool, err := s.engine.InitPool(params.Asset, params.Params)
	recordOperation("initPool", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, poolResult{Pool: pool})
}

func (s *Server) handleDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params depositParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err := s.engine.Deposit(params.From, params.PoolID, amount, params.Collateral, params.EnableLending)
	recordOperation("deposit", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ackResult{OK: true})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params amountParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err := s.engine.Withdraw(params.From, params.PoolID, amount)
	recordOperation("withdraw", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ackResult{OK: true})
}

func (s *Server) handleBorrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params amountParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err := s.engine.Borrow(params.From, params.PoolID, amount)
	recordOperation("borrow", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ackResult{OK: true})
}

func (s *Server) handleRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params amountParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	repaid, err := s.engine.Repay(params.From, params.PoolID, amount)
	recordOperation("repay", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: repaid.String()})
}

func (s *Server) handleRepayFull(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params amountParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	repaid, err := s.engine.RepayFull(params.From, params.PoolID)
	recordOperation("repayFull", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: repaid.String()})
}

func (s *Server) handleClaimYield(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params claimYieldParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	claimed, err := s.engine.ClaimYield(params.From, params.PoolID, params.Reinvest)
	recordOperation("claimYield", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: claimed.String()})
}

func (s *Server) handleSetCollateral(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params toggleParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err := s.engine.SetCollateral(params.From, params.PoolID, params.Enabled)
	recordOperation("setCollateral", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ackResult{OK: true})
}

func (s *Server) handleSetLendingEnabled(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params toggleParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err := s.engine.SetLendingEnabled(params.From, params.PoolID, params.Enabled)
	recordOperation("setLendingEnabled", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ackResult{OK: true})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params liquidateParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	result, err := s.engine.Liquidate(params.Liquidator, params.Borrower, params.DebtPool, params.SeizePool, amount)
	recordOperation("liquidate", err)
	observability.Lending().RecordLiquidation(params.DebtPool, err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleWithdrawReserves(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params withdrawReservesParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	withdrawn, err := s.engine.WithdrawReserves(params.PoolID, params.Recipient, amount)
	recordOperation("withdrawReserves", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amountResult{Amount: withdrawn.String()})
}

func (s *Server) handleCredit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params creditParams
	if rpcErr := singleObjectParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	err := s.engine.Credit(params.Account, params.Asset, amount)
	recordOperation("credit", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ackResult{OK: true})
}

// poolIDParam accepts either a bare string or a {"poolId": ...} object.
func poolIDParam(req *RPCRequest) (string, *RPCError) {
	if len(req.Params) != 1 {
		return "", &RPCError{Code: codeInvalidParams, Message: "expected a single parameter"}
	}
	var direct string
	if err := json.Unmarshal(req.Params[0], &direct); err == nil {
		return direct, nil
	}
	var wrapped poolParam
	if err := json.Unmarshal(req.Params[0], &wrapped); err != nil {
		return "", &RPCError{Code: codeInvalidParams, Message: "invalid pool parameter", Data: err.Error()}
	}
	if strings.TrimSpace(wrapped.PoolID) == "" {
		return "", &RPCError{Code: codeInvalidParams, Message: "poolId is required"}
	}
	return wrapped.PoolID, nil
}

// addressParam accepts either a bare string or an {"address": ...} object.
func addressParam(req *RPCRequest) (string, *RPCError) {
	if len(req.Params) != 1 {
		return "", &RPCError{Code: codeInvalidParams, Message: "expected a single parameter"}
	}
	var direct string
	if err := json.Unmarshal(req.Params[0], &direct); err == nil {
		return direct, nil
	}
	var wrapped accountParam
	if err := json.Unmarshal(req.Params[0], &wrapped); err != nil {
		return "", &RPCError{Code: codeInvalidParams, Message: "invalid address parameter", Data: err.Error()}
	}
	if strings.TrimSpace(wrapped.Address) == "" {
		return "", &RPCError{Code: codeInvalidParams, Message: "address is required"}
	}
	return wrapped.Address, nil
}
