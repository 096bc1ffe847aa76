// Package orchestrator drives one confidential execution end to end. The
// orchestrator is plumbing, not policy: it never sees plaintext or keys,
// and every security decision it relays is re-made inside an attested
// stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/metrics"
	"github.com/dnat-protocol/tee-asset-execution-backend/stages/execute"
	"github.com/dnat-protocol/tee-asset-execution-backend/stages/reencrypt"
)

// DefaultStageTimeout bounds each stage invocation.
const DefaultStageTimeout = 5 * time.Minute

// fetchAttempts is how many times an asset store fetch is retried. Fetches
// are idempotent reads of immutable content, so retrying is always safe.
const fetchAttempts = 3

// ReencryptionStage is the stage-1 contract the orchestrator invokes.
type ReencryptionStage interface {
	Reencrypt(ctx context.Context, req *reencrypt.Request) (*reencrypt.Response, error)
}

// ExecutionStage is the stage-2 contract the orchestrator invokes.
type ExecutionStage interface {
	Execute(ctx context.Context, req *execute.Request) (*execute.Result, error)
}

// Request names the assets to execute and who is asking.
type Request struct {
	Requester     interfaces.AccountAddress `json:"requester"`
	DatasetID     uint64                    `json:"dataset_id"`
	ApplicationID uint64                    `json:"application_id"`
	Parameters    map[string]any            `json:"parameters,omitempty"`
}

// Result is the execution envelope returned to the requester. On failure
// Output is empty and Error carries the taxonomy code; internal detail
// never crosses this boundary.
type Result struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Success     bool      `json:"success"`
	Output      []byte    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ElapsedMS   int64     `json:"execution_time_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// Orchestrator coordinates the asset store, the two attested stages and
// the ledger for each execution request.
type Orchestrator struct {
	log          *slog.Logger
	ledger       interfaces.Ledger
	store        interfaces.StorageBackend
	reencryption ReencryptionStage
	execution    ExecutionStage
	stageTimeout time.Duration
}

// New creates an orchestrator.
func New(ledger interfaces.Ledger, store interfaces.StorageBackend, reencryption ReencryptionStage, execution ExecutionStage, stageTimeout time.Duration, log *slog.Logger) *Orchestrator {
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}

	return &Orchestrator{
		log:          log,
		ledger:       ledger,
		store:        store,
		reencryption: reencryption,
		execution:    execution,
		stageTimeout: stageTimeout,
	}
}

// Execute runs one request through the full pipeline and always returns a
// result envelope; the error return is the taxonomy error for callers that
// branch on it.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	executionID := uuid.New()
	started := time.Now()
	log := o.log.With(slog.String("execution_id", executionID.String()))

	result, err := o.run(ctx, log, executionID, req)
	elapsed := time.Since(started)

	envelope := &Result{
		ExecutionID: executionID,
		ElapsedMS:   elapsed.Milliseconds(),
		Timestamp:   started.UTC(),
	}
	if err != nil {
		envelope.Error = ErrorCode(err)
		log.Warn("Execution failed",
			slog.String("error_code", envelope.Error),
			slog.Duration("elapsed", elapsed),
			"err", err)
		return envelope, err
	}

	envelope.Success = true
	envelope.Output = result.Output
	log.Info("Execution succeeded",
		slog.Uint64("dataset_id", req.DatasetID),
		slog.Uint64("application_id", req.ApplicationID),
		slog.Duration("elapsed", elapsed))
	return envelope, nil
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, executionID uuid.UUID, req *Request) (*execute.Result, error) {
	if req.DatasetID == 0 || req.ApplicationID == 0 {
		return nil, fmt.Errorf("%w: asset ids are required", interfaces.ErrInvalidInput)
	}

	dataset, err := o.ledger.GetAsset(req.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("dataset lookup: %w", err)
	}
	application, err := o.ledger.GetAsset(req.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("application lookup: %w", err)
	}
	if dataset.Kind != interfaces.Dataset {
		return nil, fmt.Errorf("%w: asset %d is not a dataset", interfaces.ErrTypeMismatch, req.DatasetID)
	}
	if application.Kind != interfaces.Application {
		return nil, fmt.Errorf("%w: asset %d is not an application", interfaces.ErrTypeMismatch, req.ApplicationID)
	}

	if err := o.checkAccess(req.Requester, dataset, application); err != nil {
		return nil, err
	}

	datasetCiphertext, err := o.fetch(ctx, log, dataset.CipherRef)
	if err != nil {
		return nil, err
	}
	applicationCiphertext, err := o.fetch(ctx, log, application.CipherRef)
	if err != nil {
		return nil, err
	}

	stage1Ctx, cancel1 := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel1()

	stage1Started := time.Now()
	reencrypted, err := o.reencryption.Reencrypt(stage1Ctx, &reencrypt.Request{
		ExecutionID:           executionID,
		DatasetRef:            dataset.CipherRef,
		ApplicationRef:        application.CipherRef,
		DatasetCiphertext:     datasetCiphertext,
		ApplicationCiphertext: applicationCiphertext,
	})
	metrics.StageDuration.WithLabelValues("reencrypt").Observe(time.Since(stage1Started).Seconds())
	if err != nil {
		// A deadline hit while the parent context is still live is the
		// stage budget; anything else is the caller going away.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: re-encryption stage", interfaces.ErrExecutionTimeout)
		}
		return nil, err
	}

	stage2Ctx, cancel2 := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel2()

	stage2Started := time.Now()
	result, err := o.execution.Execute(stage2Ctx, &execute.Request{
		ExecutionID:        executionID,
		Requester:          req.Requester,
		DatasetID:          req.DatasetID,
		ApplicationID:      req.ApplicationID,
		SessionKeyID:       reencrypted.SessionKeyID,
		DatasetPayload:     reencrypted.DatasetPayload,
		ApplicationPayload: reencrypted.ApplicationPayload,
		DatasetTag:         reencrypted.DatasetTag,
		ApplicationTag:     reencrypted.ApplicationTag,
		Parameters:         req.Parameters,
	})
	metrics.StageDuration.WithLabelValues("execute").Observe(time.Since(stage2Started).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: execution stage", interfaces.ErrExecutionTimeout)
		}
		return nil, err
	}
	return result, nil
}

// checkAccess rejects unauthorized requests before any ciphertext is
// fetched or a stage invoked: a purchased grant for the exact
// (datasetRef, applicationRef) pair, or a whitelist entry on the dataset
// naming the application's cipherRef. The execution stage re-makes this
// decision from ledger state on its own.
func (o *Orchestrator) checkAccess(requester interfaces.AccountAddress, dataset, application interfaces.Asset) error {
	granted, err := o.ledger.HasAccess(requester, dataset.CipherRef, application.CipherRef)
	if err != nil {
		return fmt.Errorf("access check: %w", err)
	}
	if granted {
		return nil
	}

	if dataset.Whitelist != nil && dataset.Whitelist.Test(application.CipherRef.Bytes()) {
		return nil
	}

	return fmt.Errorf("%w: requester %s holds no grant for dataset %d with application %d",
		interfaces.ErrAccessDenied, requester, dataset.ID, application.ID)
}

// fetch retrieves one immutable ciphertext from the asset store, retrying
// transient backend failures.
func (o *Orchestrator) fetch(ctx context.Context, log *slog.Logger, ref interfaces.ContentID) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		data, err := o.store.Fetch(ctx, ref, interfaces.CiphertextType)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if errors.Is(err, interfaces.ErrContentNotFound) || ctx.Err() != nil {
			break
		}
		log.Debug("Asset fetch retry",
			slog.String("cipher_ref", ref.String()),
			slog.Int("attempt", attempt),
			"err", err)
	}

	return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrAssetUnavailable, ref, lastErr)
}

// ErrorCode maps a pipeline error to its stable taxonomy code for the
// result envelope and the HTTP surface.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, interfaces.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, interfaces.ErrTypeMismatch):
		return "TYPE_MISMATCH"
	case errors.Is(err, interfaces.ErrInactive):
		return "ASSET_INACTIVE"
	case errors.Is(err, interfaces.ErrAccessDenied):
		return "ACCESS_DENIED"
	case errors.Is(err, interfaces.ErrAssetUnavailable):
		return "ASSET_UNAVAILABLE"
	case errors.Is(err, interfaces.ErrIntegrityFailure):
		return "INTEGRITY_FAILURE"
	case errors.Is(err, interfaces.ErrContentTampered):
		return "CONTENT_TAMPERED"
	case errors.Is(err, interfaces.ErrKeyReleaseDenied):
		return "KEY_RELEASE_DENIED"
	case errors.Is(err, interfaces.ErrKeyNotFound):
		return "KEY_NOT_FOUND"
	case errors.Is(err, interfaces.ErrExecutionTimeout):
		return "EXECUTION_TIMEOUT"
	case errors.Is(err, interfaces.ErrApplicationFailed):
		return "APPLICATION_FAILED"
	default:
		return "INTERNAL"
	}
}
