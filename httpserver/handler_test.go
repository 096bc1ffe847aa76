package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/ledger"
	"github.com/dnat-protocol/tee-asset-execution-backend/orchestrator"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubExecutor struct {
	result *orchestrator.Result
	err    error
}

func (s *stubExecutor) Execute(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error) {
	return s.result, s.err
}

type testServer struct {
	srv      *httptest.Server
	ledger   *ledger.Ledger
	executor *stubExecutor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	l, err := ledger.New(nil, testLog)
	require.NoError(t, err)

	executor := &stubExecutor{}
	handler := NewHandler(l, executor, testLog)

	mux := chi.NewRouter()
	mux.Post("/api/execute", handler.HandleExecute)
	mux.Post("/api/assets", handler.HandleRegisterAsset)
	mux.Get("/api/assets/{id}", handler.HandleGetAsset)
	mux.Post("/api/assets/{id}/update", handler.HandleUpdateAsset)
	mux.Post("/api/assets/{id}/revoke", handler.HandleRevokeAsset)
	mux.Post("/api/purchase", handler.HandlePurchase)
	mux.Get("/api/access", handler.HandleHasAccess)
	mux.Post("/api/deposit", handler.HandleDeposit)
	mux.Get("/api/balance/{account}", handler.HandleBalance)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, ledger: l, executor: executor}
}

func (ts *testServer) post(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const (
	ownerHex = "00000000000000000000000000000000000000aa"
	buyerHex = "00000000000000000000000000000000000000bb"
)

func validRegisterRequest() registerRequest {
	return registerRequest{
		Owner:         ownerHex,
		Kind:          "dataset",
		CipherRef:     interfaces.ComputeID([]byte("ciphertext")).String(),
		ManifestRef:   interfaces.ComputeID([]byte("manifest")).String(),
		ContentDigest: interfaces.ComputeDigest([]byte("content")).String(),
		Price:         "100",
	}
}

func TestHandleRegisterAsset(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/assets", validRegisterRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, uint64(1), decodeBody[registerResponse](t, resp).ID)

	second := validRegisterRequest()
	second.Kind = "application"
	second.CipherRef = interfaces.ComputeID([]byte("other")).String()
	resp = ts.post(t, "/api/assets", second)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, uint64(2), decodeBody[registerResponse](t, resp).ID)
}

func TestHandleRegisterAssetRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	req := validRegisterRequest()
	req.Owner = "not-hex"
	resp := ts.post(t, "/api/assets", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", decodeBody[errorResponse](t, resp).Error)

	req = validRegisterRequest()
	req.Kind = "model"
	resp = ts.post(t, "/api/assets", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req = validRegisterRequest()
	req.Price = "-5"
	resp = ts.post(t, "/api/assets", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRejectsEmptyAmounts(t *testing.T) {
	ts := newTestServer(t)

	req := validRegisterRequest()
	req.Price = ""
	resp := ts.post(t, "/api/assets", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", decodeBody[errorResponse](t, resp).Error)

	resp = ts.post(t, "/api/deposit", depositRequest{Account: ownerHex, Amount: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetAsset(t *testing.T) {
	ts := newTestServer(t)
	reg := validRegisterRequest()
	ts.post(t, "/api/assets", reg)

	resp := ts.get(t, "/api/assets/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	asset := decodeBody[interfaces.Asset](t, resp)
	assert.Equal(t, uint64(1), asset.ID)
	assert.Equal(t, reg.CipherRef, asset.CipherRef.String())
	assert.Equal(t, "100", asset.Price.String())
	assert.True(t, asset.Active)

	resp = ts.get(t, "/api/assets/99")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeBody[errorResponse](t, resp).Error)

	resp = ts.get(t, "/api/assets/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleUpdateAsset(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/assets", validRegisterRequest())

	resp := ts.post(t, "/api/assets/1/update", updateRequest{Caller: ownerHex, Price: "250", Active: true})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.get(t, "/api/assets/1")
	assert.Equal(t, "250", decodeBody[interfaces.Asset](t, resp).Price.String())

	// Non-owner update is forbidden
	resp = ts.post(t, "/api/assets/1/update", updateRequest{Caller: buyerHex, Price: "1", Active: true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandleRevokeAsset(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/assets", validRegisterRequest())

	resp := ts.post(t, "/api/assets/1/revoke", revokeRequest{Caller: ownerHex})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.post(t, "/api/assets/1/revoke", revokeRequest{Caller: ownerHex})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INTERNAL", decodeBody[errorResponse](t, resp).Error)
}

func TestHandleDepositAndBalance(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/deposit", depositRequest{Account: buyerHex, Amount: "500"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.get(t, "/api/balance/"+buyerHex)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decodeBody[balanceResponse](t, resp)
	assert.Equal(t, "500", balance.Balance)
	assert.Equal(t, buyerHex, balance.Account)

	resp = ts.post(t, "/api/deposit", depositRequest{Account: buyerHex, Amount: "-5"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlePurchaseAndAccess(t *testing.T) {
	ts := newTestServer(t)

	dataset := validRegisterRequest()
	ts.post(t, "/api/assets", dataset)
	application := validRegisterRequest()
	application.Kind = "application"
	application.CipherRef = interfaces.ComputeID([]byte("application")).String()
	application.Price = "50"
	ts.post(t, "/api/assets", application)

	ts.post(t, "/api/deposit", depositRequest{Account: buyerHex, Amount: "500"})

	resp := ts.post(t, "/api/purchase", purchaseRequest{Buyer: buyerHex, DatasetID: 1, ApplicationID: 2, Payment: "200"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	receipt := decodeBody[purchaseResponse](t, resp)
	assert.Equal(t, "100", receipt.DatasetAmount)
	assert.Equal(t, "50", receipt.ApplicationAmount)
	assert.Equal(t, "50", receipt.Refund)
	assert.NotEmpty(t, receipt.Grant)

	query := fmt.Sprintf("/api/access?user=%s&dataset_ref=%s&application_ref=%s",
		buyerHex, dataset.CipherRef, application.CipherRef)
	resp = ts.get(t, query)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[accessResponse](t, resp).HasAccess)

	query = fmt.Sprintf("/api/access?user=%s&dataset_ref=%s&application_ref=%s",
		ownerHex, dataset.CipherRef, application.CipherRef)
	resp = ts.get(t, query)
	assert.False(t, decodeBody[accessResponse](t, resp).HasAccess)
}

func TestHandlePurchasePaymentErrors(t *testing.T) {
	ts := newTestServer(t)

	dataset := validRegisterRequest()
	ts.post(t, "/api/assets", dataset)
	application := validRegisterRequest()
	application.Kind = "application"
	application.CipherRef = interfaces.ComputeID([]byte("application")).String()
	ts.post(t, "/api/assets", application)

	// Payment below the combined price
	resp := ts.post(t, "/api/purchase", purchaseRequest{Buyer: buyerHex, DatasetID: 1, ApplicationID: 2, Payment: "10"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	// Unfunded escrow account
	resp = ts.post(t, "/api/purchase", purchaseRequest{Buyer: buyerHex, DatasetID: 1, ApplicationID: 2, Payment: "200"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestHandleExecuteSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.executor.result = &orchestrator.Result{
		ExecutionID: uuid.New(),
		Success:     true,
		Output:      []byte("result"),
	}

	resp := ts.post(t, "/api/execute", map[string]any{
		"requester":      buyerHex,
		"dataset_id":     1,
		"application_id": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := decodeBody[orchestrator.Result](t, resp)
	assert.True(t, envelope.Success)
	assert.Equal(t, []byte("result"), envelope.Output)
}

func TestHandleExecuteFailureCarriesEnvelopeAndStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.executor.result = &orchestrator.Result{
		ExecutionID: uuid.New(),
		Error:       "ACCESS_DENIED",
	}
	ts.executor.err = interfaces.ErrAccessDenied

	resp := ts.post(t, "/api/execute", map[string]any{
		"requester":      buyerHex,
		"dataset_id":     1,
		"application_id": 2,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	envelope := decodeBody[orchestrator.Result](t, resp)
	assert.False(t, envelope.Success)
	assert.Equal(t, "ACCESS_DENIED", envelope.Error)
}

func TestHandleExecuteStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{interfaces.ErrInsufficientBalance, http.StatusPaymentRequired},
		{interfaces.ErrIntegrityFailure, http.StatusInternalServerError},
		{interfaces.ErrAssetUnavailable, http.StatusBadGateway},
		{interfaces.ErrExecutionTimeout, http.StatusGatewayTimeout},
		{interfaces.ErrApplicationFailed, http.StatusUnprocessableEntity},
	}

	for _, tc := range cases {
		ts := newTestServer(t)
		ts.executor.result = &orchestrator.Result{ExecutionID: uuid.New(), Error: orchestrator.ErrorCode(tc.err)}
		ts.executor.err = tc.err

		resp := ts.post(t, "/api/execute", map[string]any{"requester": buyerHex, "dataset_id": 1, "application_id": 2})
		assert.Equal(t, tc.status, resp.StatusCode, "error %v", tc.err)
	}
}

func TestHandleExecuteRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/api/execute", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
