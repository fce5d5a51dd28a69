package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"oxylend/native/lending"
	"oxylend/native/oracle"
	"oxylend/storage"
)

// counterValue reads a counter from the default registry by name and label
// subset.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, m := range fam.GetMetric() {
			for key, want := range labels {
				matched := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == key && pair.GetValue() == want {
						matched = true
						break
					}
				}
				if !matched {
					continue metric
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}
	return 0
}

const testToken = "test-token"

func newTestServer(t *testing.T) (*Server, *oracle.Manual) {
	t.Helper()
	prices := oracle.NewManual()
	engine := lending.NewEngine(lending.NewStore(storage.NewMemDB()), prices)
	srv := NewServer(engine, nil)
	srv.SetAuthToken(testToken)
	return srv, prices
}

func testRiskParams() lending.RiskParams {
	return lending.RiskParams{
		OptimalUtilisationBps:   8000,
		BaseRateBps:             200,
		Slope1Bps:               800,
		Slope2Bps:               5000,
		LoanToValueBps:          7500,
		LiquidationThresholdBps: 8000,
		LiquidationBonusBps:     500,
		ReserveFactorBps:        1000,
		CloseFactorBps:          5000,
	}
}

func rpcCall(t *testing.T, srv *Server, token, method string, params ...interface{}) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		rawParams = append(rawParams, encoded)
	}
	payload, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var resp RPCResponse
	dec := json.NewDecoder(bytes.NewReader(rec.Body.Bytes()))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, resp
}

func mustInitPool(t *testing.T, srv *Server, asset string) {
	t.Helper()
	rec, resp := rpcCall(t, srv, testToken, "lend_initPool", initPoolParams{Asset: asset, Params: testRiskParams()})
	if resp.Error != nil {
		t.Fatalf("init pool %s: status %d error %+v", asset, rec.Code, resp.Error)
	}
}

func mustCredit(t *testing.T, srv *Server, account, asset string, amount int64) {
	t.Helper()
	_, resp := rpcCall(t, srv, testToken, "lend_credit", creditParams{Account: account, Asset: asset, Amount: fmt.Sprintf("%d", amount)})
	if resp.Error != nil {
		t.Fatalf("credit %s: %+v", account, resp.Error)
	}
}

func TestHandleRejectsOversizedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	body := bytes.Repeat([]byte("a"), maxRequestBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestHandleRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := rpcCall(t, srv, "", "lend_unknown")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestMutationRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := rpcCall(t, srv, "", "lend_initPool", initPoolParams{Asset: "USD", Params: testRiskParams()})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}

	rec, resp = rpcCall(t, srv, "wrong-token", "lend_initPool", initPoolParams{Asset: "USD", Params: testRiskParams()})
	if rec.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected rejection of bad token, got %d %+v", rec.Code, resp.Error)
	}
}

func TestMutationRejectedWithoutConfiguredToken(t *testing.T) {
	prices := oracle.NewManual()
	engine := lending.NewEngine(lending.NewStore(storage.NewMemDB()), prices)
	srv := NewServer(engine, nil)
	srv.SetAuthToken("")
	rec, resp := rpcCall(t, srv, "anything", "lend_initPool", initPoolParams{Asset: "USD", Params: testRiskParams()})
	if rec.Code != http.StatusUnauthorized || resp.Error == nil {
		t.Fatalf("expected 401 when no token configured, got %d %+v", rec.Code, resp.Error)
	}
}

func TestMutationRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	mustInitPool(t, srv, "USD")
	now := time.Now()
	for i := 0; i < maxOpsPerWindow-1; i++ {
		if !srv.allowSource("10.0.0.1", now) {
			t.Fatalf("request %d unexpectedly throttled", i)
		}
	}
	if srv.allowSource("10.0.0.1", now) {
		t.Fatal("expected throttle once window is exhausted")
	}
	if !srv.allowSource("10.0.0.2", now) {
		t.Fatal("other sources must not share the window")
	}
	if !srv.allowSource("10.0.0.1", now.Add(rateLimitWindow)) {
		t.Fatal("window should reset after it elapses")
	}
}

func TestModuleMetricsRecorded(t *testing.T) {
	srv, _ := newTestServer(t)

	reqLabels := map[string]string{"module": "lending", "method": "lend_listPools", "outcome": "success"}
	requestsBefore := counterValue(t, "oxylend_module_requests_total", reqLabels)
	if rec, resp := rpcCall(t, srv, "", "lend_listPools"); resp.Error != nil {
		t.Fatalf("list pools: status %d error %+v", rec.Code, resp.Error)
	}
	if got := counterValue(t, "oxylend_module_requests_total", reqLabels); got != requestsBefore+1 {
		t.Fatalf("request counter not incremented: %v -> %v", requestsBefore, got)
	}

	throttleLabels := map[string]string{"module": "lending", "reason": "rate_limit"}
	throttlesBefore := counterValue(t, "oxylend_module_throttles_total", throttleLabels)
	now := time.Now()
	// httptest requests arrive from 192.0.2.1; exhaust that source's window.
	for i := 0; i < maxOpsPerWindow; i++ {
		srv.allowSource("192.0.2.1", now)
	}
	rec, _ := rpcCall(t, srv, testToken, "lend_setCollateral", toggleParams{From: "alice", PoolID: "USDX", Enabled: true})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := counterValue(t, "oxylend_module_throttles_total", throttleLabels); got != throttlesBefore+1 {
		t.Fatalf("throttle counter not incremented: %v -> %v", throttlesBefore, got)
	}
}

func TestDepositBorrowRepayOverRPC(t *testing.T) {
	srv, prices := newTestServer(t)
	now := time.Now()
	prices.SetPrice("COLL", big.NewRat(1, 1), now)
	prices.SetPrice("DEBT", big.NewRat(1, 1), now)

	mustInitPool(t, srv, "COLL")
	mustInitPool(t, srv, "DEBT")
	mustCredit(t, srv, "alice", "COLL", 1000)
	mustCredit(t, srv, "carol", "DEBT", 2000)

	_, resp := rpcCall(t, srv, testToken, "lend_deposit", depositParams{From: "alice", PoolID: "COLL", Amount: "1000", Collateral: true})
	if resp.Error != nil {
		t.Fatalf("deposit: %+v", resp.Error)
	}
	_, resp = rpcCall(t, srv, testToken, "lend_deposit", depositParams{From: "carol", PoolID: "DEBT", Amount: "2000", EnableLending: true})
	if resp.Error != nil {
		t.Fatalf("supply deposit: %+v", resp.Error)
	}
	_, resp = rpcCall(t, srv, testToken, "lend_borrow", amountParams{From: "alice", PoolID: "DEBT", Amount: "500"})
	if resp.Error != nil {
		t.Fatalf("borrow: %+v", resp.Error)
	}

	_, resp = rpcCall(t, srv, "", "lend_getBalance", balanceParam{Address: "alice", Asset: "DEBT"})
	if resp.Error != nil {
		t.Fatalf("balance: %+v", resp.Error)
	}
	var balance balanceResult
	mustDecodeResult(t, resp, &balance)
	if balance.Balance != "500" {
		t.Fatalf("expected borrowed funds in ledger, got %s", balance.Balance)
	}

	_, resp = rpcCall(t, srv, testToken, "lend_repayFull", amountParams{From: "alice", PoolID: "DEBT"})
	if resp.Error != nil {
		t.Fatalf("repay full: %+v", resp.Error)
	}
	var repaid amountResult
	mustDecodeResult(t, resp, &repaid)
	if repaid.Amount != "500" {
		t.Fatalf("expected full repayment of 500, got %s", repaid.Amount)
	}

	_, resp = rpcCall(t, srv, "", "lend_getPosition", accountParam{Address: "alice"})
	if resp.Error != nil {
		t.Fatalf("position: %+v", resp.Error)
	}
	var position positionResult
	mustDecodeResult(t, resp, &position)
	if position.Position == nil || len(position.Position.Borrows) != 0 {
		t.Fatalf("expected debt cleared, got %+v", position.Position)
	}
}

func TestEngineErrorsMapToStatuses(t *testing.T) {
	srv, prices := newTestServer(t)
	now := time.Now()
	prices.SetPrice("USD", big.NewRat(1, 1), now)
	mustInitPool(t, srv, "USD")

	rec, resp := rpcCall(t, srv, testToken, "lend_initPool", initPoolParams{Asset: "USD", Params: testRiskParams()})
	if rec.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("duplicate pool: status %d error %+v", rec.Code, resp.Error)
	}

	rec, resp = rpcCall(t, srv, "", "lend_getPool", "missing")
	if rec.Code != http.StatusNotFound || resp.Error == nil {
		t.Fatalf("missing pool: status %d error %+v", rec.Code, resp.Error)
	}

	rec, resp = rpcCall(t, srv, testToken, "lend_withdraw", amountParams{From: "alice", PoolID: "USD", Amount: "100"})
	if rec.Code != http.StatusNotFound || resp.Error == nil {
		t.Fatalf("withdraw without entry: status %d error %+v", rec.Code, resp.Error)
	}

	rec, resp = rpcCall(t, srv, testToken, "lend_deposit", depositParams{From: "alice", PoolID: "USD", Amount: "-5"})
	if rec.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("negative amount: status %d error %+v", rec.Code, resp.Error)
	}

	rec, resp = rpcCall(t, srv, testToken, "lend_deposit", depositParams{From: "alice", PoolID: "USD", Amount: "100"})
	if rec.Code != http.StatusUnprocessableEntity || resp.Error == nil {
		t.Fatalf("deposit without funds: status %d error %+v", rec.Code, resp.Error)
	}
}

func TestListPoolsAndEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	mustInitPool(t, srv, "AAA")
	mustInitPool(t, srv, "BBB")

	_, resp := rpcCall(t, srv, "", "lend_listPools")
	if resp.Error != nil {
		t.Fatalf("list pools: %+v", resp.Error)
	}
	var pools poolsResult
	mustDecodeResult(t, resp, &pools)
	if len(pools.Pools) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(pools.Pools))
	}

	_, resp = rpcCall(t, srv, "", "lend_listEvents", eventsParams{Limit: 1})
	if resp.Error != nil {
		t.Fatalf("list events: %+v", resp.Error)
	}
	var events eventsResult
	mustDecodeResult(t, resp, &events)
	if len(events.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events.Events))
	}
	if events.Events[0].Type != lending.EventPoolInitialized {
		t.Fatalf("unexpected event type %s", events.Events[0].Type)
	}
}

func TestHealthFactorOverRPC(t *testing.T) {
	srv, prices := newTestServer(t)
	now := time.Now()
	prices.SetPrice("COLL", big.NewRat(1, 1), now)
	prices.SetPrice("DEBT", big.NewRat(1, 1), now)
	mustInitPool(t, srv, "COLL")
	mustInitPool(t, srv, "DEBT")
	mustCredit(t, srv, "alice", "COLL", 1000)
	mustCredit(t, srv, "carol", "DEBT", 2000)

	_, resp := rpcCall(t, srv, testToken, "lend_deposit", depositParams{From: "alice", PoolID: "COLL", Amount: "1000", Collateral: true})
	if resp.Error != nil {
		t.Fatalf("deposit: %+v", resp.Error)
	}
	_, resp = rpcCall(t, srv, testToken, "lend_deposit", depositParams{From: "carol", PoolID: "DEBT", Amount: "2000"})
	if resp.Error != nil {
		t.Fatalf("supply: %+v", resp.Error)
	}
	_, resp = rpcCall(t, srv, testToken, "lend_borrow", amountParams{From: "alice", PoolID: "DEBT", Amount: "400"})
	if resp.Error != nil {
		t.Fatalf("borrow: %+v", resp.Error)
	}

	_, resp = rpcCall(t, srv, "", "lend_healthFactor", accountParam{Address: "alice"})
	if resp.Error != nil {
		t.Fatalf("health: %+v", resp.Error)
	}
	var health lending.PositionHealth
	mustDecodeResult(t, resp, &health)
	if health.HealthFactor == nil {
		t.Fatal("expected a health factor for an indebted position")
	}
	// 1000 * 0.80 / 400 = 2
	if health.HealthFactor.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("expected health factor 2, got %s", health.HealthFactor.RatString())
	}

	_, resp = rpcCall(t, srv, "", "lend_maxBorrow", accountPoolParam{Address: "alice", PoolID: "DEBT"})
	if resp.Error != nil {
		t.Fatalf("max borrow: %+v", resp.Error)
	}
	var capacity amountResult
	mustDecodeResult(t, resp, &capacity)
	// 1000 * 0.75 - 400 = 350
	if capacity.Amount != "350" {
		t.Fatalf("expected remaining capacity 350, got %s", capacity.Amount)
	}
}

func mustDecodeResult(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-encode result: %v", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}
