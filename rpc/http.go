package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	nativecommon "oxylend/native/common"
	"oxylend/native/lending"
	"oxylend/observability"
)

// rpcModule labels every metric emitted by this server.
const rpcModule = "lending"

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	maxOpsPerWindow = 32
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeConflict       = -32010
	codeRateLimited    = -32020
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

type Server struct {
	engine *lending.Engine
	log    *slog.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string

	httpSrv *http.Server
}

func NewServer(engine *lending.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	token := strings.TrimSpace(os.Getenv("OXYLEND_RPC_TOKEN"))
	return &Server{
		engine:       engine,
		log:          log,
		rateLimiters: make(map[string]*rateLimiter),
		authToken:    token,
	}
}

// SetAuthToken overrides the token read from the environment. Mutating
// methods are rejected when no token is configured.
func (s *Server) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = strings.TrimSpace(token)
}

func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("starting JSON-RPC server", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ServeHTTP lets the server be mounted on an existing mux or exercised with
// httptest without binding a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeEngineError translates engine sentinel errors into JSON-RPC error
// objects with a matching HTTP status.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, lending.ErrZeroAmount),
		errors.Is(err, lending.ErrOverflow),
		errors.Is(err, lending.ErrExcessRepayment),
		errors.Is(err, lending.ErrEntryLimit),
		errors.Is(err, lending.ErrPoolExists):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, lending.ErrPoolUnavailable),
		errors.Is(err, lending.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, id, codeServerError, err.Error(), nil)
	case errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrHealthFactorBreach),
		errors.Is(err, lending.ErrExceedsCloseFactor),
		errors.Is(err, lending.ErrNotLiquidatable):
		writeError(w, http.StatusUnprocessableEntity, id, codeServerError, err.Error(), nil)
	case errors.Is(err, lending.ErrStalePrice),
		errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, id, codeServerError, err.Error(), nil)
	case errors.Is(err, lending.ErrConflict):
		writeError(w, http.StatusConflict, id, codeConflict, err.Error(), nil)
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded),
		errors.Is(err, nativecommon.ErrQuotaValueExceeded):
		observability.ModuleMetrics().RecordThrottle(rpcModule, "quota_exceeded")
		writeError(w, http.StatusTooManyRequests, id, codeRateLimited, err.Error(), nil)
	case errors.Is(err, lending.ErrUnauthorized):
		// Not produced by the engine itself; covers embedders that layer
		// credential checks onto engine calls.
		writeError(w, http.StatusForbidden, id, codeUnauthorized, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

// statusRecorder captures the HTTP status written by a handler so the request
// outcome can be fed to the module metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	w = rec
	method := "unknown"
	defer func() {
		observability.ModuleMetrics().Observe(rpcModule, method, rec.status, time.Since(start))
	}()

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, nil)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method is required", nil)
		return
	}
	method = req.Method

	switch req.Method {
	case "lend_getPool":
		s.handleGetPool(w, r, &req)
	case "lend_listPools":
		s.handleListPools(w, r, &req)
	case "lend_getPosition":
		s.handleGetPosition(w, r, &req)
	case "lend_getBalance":
		s.handleGetBalance(w, r, &req)
	case "lend_healthFactor":
		s.handleHealthFactor(w, r, &req)
	case "lend_maxBorrow":
		s.handleMaxBorrow(w, r, &req)
	case "lend_listEvents":
		s.handleListEvents(w, r, &req)
	case "lend_initPool":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleInitPool(w, r, &req)
	case "lend_deposit":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleDeposit(w, r, &req)
	case "lend_withdraw":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleWithdraw(w, r, &req)
	case "lend_borrow":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleBorrow(w, r, &req)
	case "lend_repay":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleRepay(w, r, &req)
	case "lend_repayFull":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleRepayFull(w, r, &req)
	case "lend_claimYield":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleClaimYield(w, r, &req)
	case "lend_setCollateral":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleSetCollateral(w, r, &req)
	case "lend_setLendingEnabled":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleSetLendingEnabled(w, r, &req)
	case "lend_liquidate":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleLiquidate(w, r, &req)
	case "lend_withdrawReserves":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleWithdrawReserves(w, r, &req)
	case "lend_credit":
		if !s.gateMutation(w, r, &req) {
			return
		}
		s.handleCredit(w, r, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// gateMutation applies bearer auth and per-source rate limiting to
// state-changing methods. It writes the error response itself and reports
// whether the handler may proceed.
func (s *Server) gateMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	if !s.allowSource(clientSource(r), time.Now()) {
		observability.ModuleMetrics().RecordThrottle(rpcModule, "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	s.mu.Lock()
	expected := s.authToken
	s.mu.Unlock()
	if expected == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.rateLimiters[source]
	if !ok {
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxOpsPerWindow {
		return false
	}
	limiter.count++
	return true
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// singleObjectParam unmarshals the lone object parameter carried by most
// lend_ methods.
func singleObjectParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "expected a single parameter object"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "invalid parameter object", Data: err.Error()}
	}
	return nil
}

func parseAmount(raw string) (*big.Int, *RPCError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &RPCError{Code: codeInvalidParams, Message: "amount is required"}
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, &RPCError{Code: codeInvalidParams, Message: "amount must be a base-10 integer"}
	}
	if amount.Sign() <= 0 {
		return nil, &RPCError{Code: codeInvalidParams, Message: "amount must be positive"}
	}
	return amount, nil
}
