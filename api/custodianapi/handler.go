// Package custodianapi exposes the key custodian over HTTP for deployments
// where the stages run in separate TEE instances. Provisioning is the
// owner-side surface; release requires attestation evidence.
package custodianapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/metrics"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes HTTP requests against a key custodian.
type Handler struct {
	custodian interfaces.KeyCustodian
	log       *slog.Logger
}

// NewHandler creates a custodian HTTP handler.
func NewHandler(custodian interfaces.KeyCustodian, log *slog.Logger) *Handler {
	return &Handler{custodian: custodian, log: log}
}

// RegisterRoutes mounts the custodian endpoints on the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/custodian/keys/{key_id}", h.HandleProvision)
	r.Post("/api/custodian/keys/{key_id}/release", h.HandleRelease)
}

type provisionRequest struct {
	Key               string   `json:"key"`
	AllowedIdentities []string `json:"allowed_identities"`
	TTLSeconds        int64    `json:"ttl_seconds,omitempty"`
}

type releaseRequest struct {
	Type       string `json:"type"`
	Quote      string `json:"quote"`
	ReportData string `json:"report_data"`
}

// HandleProvision processes POST /api/custodian/keys/{key_id}.
//
// The request body carries the base64 key, the pinned identity hashes and
// an optional TTL. Responds 204 on success.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewKeyIDFromHex(chi.URLParam(r, "key_id"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid key id: %w", err).Error(), http.StatusBadRequest)
		return
	}

	var req provisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid key encoding: %w", err).Error(), http.StatusBadRequest)
		return
	}

	policy := interfaces.AttestationPolicy{TTL: time.Duration(req.TTLSeconds) * time.Second}
	for _, raw := range req.AllowedIdentities {
		identityID, err := interfaces.NewKeyIDFromHex(raw)
		if err != nil {
			http.Error(w, fmt.Errorf("invalid identity %q: %w", raw, err).Error(), http.StatusBadRequest)
			return
		}
		policy.AllowedIdentities = append(policy.AllowedIdentities, interfaces.TEEIdentity(identityID))
	}

	if err := h.custodian.Provision(r.Context(), id, key, policy); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, interfaces.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRelease processes POST /api/custodian/keys/{key_id}/release.
//
// The request body carries attestation evidence. On success the response is
// the raw key bytes as application/octet-stream.
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewKeyIDFromHex(chi.URLParam(r, "key_id"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid key id: %w", err).Error(), http.StatusBadRequest)
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request body: %w", err).Error(), http.StatusBadRequest)
		return
	}

	quote, err := base64.StdEncoding.DecodeString(req.Quote)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid quote encoding: %w", err).Error(), http.StatusBadRequest)
		return
	}
	reportDataRaw, err := base64.StdEncoding.DecodeString(req.ReportData)
	if err != nil || len(reportDataRaw) != 64 {
		http.Error(w, "invalid report data", http.StatusBadRequest)
		return
	}

	evidence := interfaces.AttestationEvidence{Type: req.Type, Quote: quote}
	copy(evidence.ReportData[:], reportDataRaw)

	key, err := h.custodian.ReleaseKey(r.Context(), id, evidence)
	if err != nil {
		metrics.KeyReleasesTotal.WithLabelValues("denied").Inc()
		status := http.StatusForbidden
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	metrics.KeyReleasesTotal.WithLabelValues("released").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(key); err != nil {
		h.log.Error("Failed to write release response", "err", err)
	}
}
