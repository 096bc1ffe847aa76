// Package httpserver exposes the protocol over HTTP: asset management and
// purchase against the ledger, escrow deposits, and the execution endpoint
// driving the orchestrator.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-chi/chi/v5"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/metrics"
	"github.com/dnat-protocol/tee-asset-execution-backend/orchestrator"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Executor is the execution entrypoint the handler drives.
type Executor interface {
	Execute(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
}

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Handler processes HTTP requests for the asset execution service.
type Handler struct {
	ledger   interfaces.EscrowLedger
	executor Executor
	log      *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified dependencies.
func NewHandler(ledger interfaces.EscrowLedger, executor Executor, log *slog.Logger) *Handler {
	return &Handler{
		ledger:   ledger,
		executor: executor,
		log:      log,
	}
}

type registerRequest struct {
	Owner         string   `json:"owner"`
	Kind          string   `json:"kind"`
	CipherRef     string   `json:"cipher_ref"`
	ManifestRef   string   `json:"manifest_ref"`
	ContentDigest string   `json:"content_digest"`
	Price         string   `json:"price"`
	Whitelist     []string `json:"whitelist,omitempty"`
}

type registerResponse struct {
	ID uint64 `json:"id"`
}

type updateRequest struct {
	Caller string `json:"caller"`
	Price  string `json:"price"`
	Active bool   `json:"active"`
}

type revokeRequest struct {
	Caller string `json:"caller"`
}

type purchaseRequest struct {
	Buyer         string `json:"buyer"`
	DatasetID     uint64 `json:"dataset_id"`
	ApplicationID uint64 `json:"application_id"`
	Payment       string `json:"payment"`
}

type purchaseResponse struct {
	Grant             string `json:"grant"`
	DatasetAmount     string `json:"dataset_amount"`
	ApplicationAmount string `json:"application_amount"`
	Refund            string `json:"refund"`
}

type depositRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type accessResponse struct {
	HasAccess bool `json:"has_access"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleRegisterAsset handles POST /api/assets.
func (h *Handler) HandleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	owner, err := interfaces.NewAccountAddressFromHex(req.Owner)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	kind, err := interfaces.AssetKindFromString(req.Kind)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	cipherRef, err := interfaces.NewContentIDFromHex(req.CipherRef)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	manifestRef, err := interfaces.NewContentIDFromHex(req.ManifestRef)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	digest, err := interfaces.NewContentDigestFromHex(req.ContentDigest)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	whitelist, err := buildWhitelist(req.Whitelist)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	id, err := h.ledger.RegisterAsset(owner, kind, cipherRef, manifestRef, digest, price, whitelist)
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.AssetsRegisteredTotal.WithLabelValues(kind.String()).Inc()
	h.writeJSON(w, http.StatusCreated, registerResponse{ID: id})
}

// HandleUpdateAsset handles POST /api/assets/{id}/update.
func (h *Handler) HandleUpdateAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req updateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	caller, err := interfaces.NewAccountAddressFromHex(req.Caller)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	if err := h.ledger.UpdateAsset(caller, id, price, req.Active); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRevokeAsset handles POST /api/assets/{id}/revoke.
func (h *Handler) HandleRevokeAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req revokeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	caller, err := interfaces.NewAccountAddressFromHex(req.Caller)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	if err := h.ledger.RevokeAsset(caller, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetAsset handles GET /api/assets/{id}.
func (h *Handler) HandleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	asset, err := h.ledger.GetAsset(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, asset)
}

// HandlePurchase handles POST /api/purchase.
func (h *Handler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	buyer, err := interfaces.NewAccountAddressFromHex(req.Buyer)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	payment, err := parseAmount(req.Payment)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	receipt, err := h.ledger.PurchaseAccess(buyer, req.DatasetID, req.ApplicationID, payment)
	if err != nil {
		h.writeError(w, err)
		return
	}

	metrics.PurchasesTotal.Inc()
	h.writeJSON(w, http.StatusOK, purchaseResponse{
		Grant:             receipt.Grant.String(),
		DatasetAmount:     receipt.DatasetAmount.String(),
		ApplicationAmount: receipt.ApplicationAmount.String(),
		Refund:            receipt.Refund.String(),
	})
}

// HandleHasAccess handles GET /api/access.
func (h *Handler) HandleHasAccess(w http.ResponseWriter, r *http.Request) {
	user, err := interfaces.NewAccountAddressFromHex(r.URL.Query().Get("user"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	datasetRef, err := interfaces.NewContentIDFromHex(r.URL.Query().Get("dataset_ref"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	applicationRef, err := interfaces.NewContentIDFromHex(r.URL.Query().Get("application_ref"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	granted, err := h.ledger.HasAccess(user, datasetRef, applicationRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accessResponse{HasAccess: granted})
}

// HandleDeposit handles POST /api/deposit.
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	account, err := interfaces.NewAccountAddressFromHex(req.Account)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	if err := h.ledger.Deposit(account, amount); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBalance handles GET /api/balance/{account}.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := interfaces.NewAccountAddressFromHex(chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		Account: account.String(),
		Balance: h.ledger.BalanceOf(account).String(),
	})
}

// HandleExecute handles POST /api/execute. The response is always the
// execution envelope; failures carry the taxonomy code in the envelope and
// the matching HTTP status.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var wireReq struct {
		Requester     string         `json:"requester"`
		DatasetID     uint64         `json:"dataset_id"`
		ApplicationID uint64         `json:"application_id"`
		Parameters    map[string]any `json:"parameters,omitempty"`
	}
	if err := h.decode(r, &wireReq); err != nil {
		h.writeError(w, err)
		return
	}

	requester, err := interfaces.NewAccountAddressFromHex(wireReq.Requester)
	if err != nil {
		h.writeError(w, badRequest(err))
		return
	}

	result, err := h.executor.Execute(r.Context(), &orchestrator.Request{
		Requester:     requester,
		DatasetID:     wireReq.DatasetID,
		ApplicationID: wireReq.ApplicationID,
		Parameters:    wireReq.Parameters,
	})

	status := http.StatusOK
	if err != nil {
		status = statusForError(err)
	}
	if result != nil {
		metrics.ExecutionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	}
	h.writeJSON(w, status, result)
}

func (h *Handler) decode(r *http.Request, into any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to read request body: %w", err)}
	}
	if err := json.Unmarshal(body, into); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		h.writeJSON(w, reqErr.StatusCode, errorResponse{Error: "INVALID_INPUT", Message: reqErr.Err.Error()})
		return
	}

	code := orchestrator.ErrorCode(err)
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", slog.String("error_code", code), "err", err)
	}
	h.writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func badRequest(err error) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
}

func assetIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid asset id: %w", err)}
	}
	return id, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

// buildWhitelist folds application cipherRefs into a bloom filter.
func buildWhitelist(refs []string) (*types.Bloom, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	var bloom types.Bloom
	for _, raw := range refs {
		ref, err := interfaces.NewContentIDFromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", raw, err)
		}
		bloom.Add(ref.Bytes())
	}
	return &bloom, nil
}

// statusForError maps taxonomy errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrTypeMismatch),
		errors.Is(err, interfaces.ErrInactive),
		errors.Is(err, interfaces.ErrAlreadyRevoked):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInsufficientPayment),
		errors.Is(err, interfaces.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, interfaces.ErrUnauthorized),
		errors.Is(err, interfaces.ErrAccessDenied),
		errors.Is(err, interfaces.ErrKeyReleaseDenied):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrAssetUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, interfaces.ErrExecutionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrApplicationFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return orchestrator.ErrorCode(err)
}
