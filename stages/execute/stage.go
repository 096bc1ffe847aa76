// Package execute implements the second attested stage. It obtains the
// per-execution session key through its own attested release, decrypts the
// re-encrypted payloads, verifies plaintext integrity and provenance, makes
// an independent access decision against the ledger, and runs the
// application in a confined runtime.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// DefaultRunTimeout bounds the application's wall-clock time.
const DefaultRunTimeout = 300 * time.Second

// Request carries one execution's re-encrypted inputs into the stage,
// produced by the re-encryption stage and relayed by the orchestrator.
type Request struct {
	ExecutionID        uuid.UUID
	Requester          interfaces.AccountAddress
	DatasetID          uint64
	ApplicationID      uint64
	SessionKeyID       interfaces.KeyID
	DatasetPayload     []byte
	ApplicationPayload []byte
	DatasetTag         [32]byte
	ApplicationTag     [32]byte
	Parameters         map[string]any
}

// Result is the application output of a successful execution.
type Result struct {
	Output []byte
}

// Stage is the execution stage.
type Stage struct {
	log        *slog.Logger
	ledger     interfaces.Ledger
	custodian  interfaces.KeyCustodian
	attestor   cryptoutils.AttestationProvider
	runtime    Runtime
	runTimeout time.Duration
}

// New creates an execution stage running applications on the given runtime.
func New(ledger interfaces.Ledger, custodian interfaces.KeyCustodian, attestor cryptoutils.AttestationProvider, runtime Runtime, runTimeout time.Duration, log *slog.Logger) *Stage {
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}

	return &Stage{
		log:        log,
		ledger:     ledger,
		custodian:  custodian,
		attestor:   attestor,
		runtime:    runtime,
		runTimeout: runTimeout,
	}
}

// Execute performs one stage-2 pass. The access decision is made here, from
// ledger state read by this stage, never trusted from the orchestrator.
// All plaintext and key buffers are zeroed before return.
func (s *Stage) Execute(ctx context.Context, req *Request) (*Result, error) {
	dataset, err := s.ledger.GetAsset(req.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("dataset lookup: %w", err)
	}
	application, err := s.ledger.GetAsset(req.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("application lookup: %w", err)
	}
	if dataset.Kind != interfaces.Dataset || application.Kind != interfaces.Application {
		return nil, fmt.Errorf("%w: ids name wrong asset kinds", interfaces.ErrTypeMismatch)
	}

	if err := s.checkAccess(req.Requester, dataset, application); err != nil {
		return nil, err
	}

	sessionKey, err := cryptoutils.AttestedKeyRelease(ctx, s.custodian, s.attestor, req.SessionKeyID)
	if err != nil {
		return nil, fmt.Errorf("session key release: %w", err)
	}
	defer cryptoutils.Zero(sessionKey)

	datasetPlain, err := s.openPayload(sessionKey, "dataset", req.DatasetPayload, dataset.CipherRef, req.DatasetTag)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zero(datasetPlain)

	applicationPlain, err := s.openPayload(sessionKey, "application", req.ApplicationPayload, application.CipherRef, req.ApplicationTag)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zero(applicationPlain)

	if !interfaces.ComputeDigest(datasetPlain).Equal(dataset.ContentDigest) {
		return nil, fmt.Errorf("%w: dataset %d", interfaces.ErrContentTampered, req.DatasetID)
	}
	if !interfaces.ComputeDigest(applicationPlain).Equal(application.ContentDigest) {
		return nil, fmt.Errorf("%w: application %d", interfaces.ErrContentTampered, req.ApplicationID)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	started := time.Now()
	output, err := s.runtime.Run(runCtx, &Input{
		Application: applicationPlain,
		Dataset:     datasetPlain,
		Parameters:  req.Parameters,
	})
	elapsed := time.Since(started)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("Application timed out",
				slog.String("execution_id", req.ExecutionID.String()),
				slog.Duration("timeout", s.runTimeout))
			return nil, fmt.Errorf("%w: after %s", interfaces.ErrExecutionTimeout, s.runTimeout)
		}
		return nil, err
	}

	s.log.Info("Execution completed",
		slog.String("execution_id", req.ExecutionID.String()),
		slog.Uint64("dataset_id", req.DatasetID),
		slog.Uint64("application_id", req.ApplicationID),
		slog.Duration("elapsed", elapsed),
		slog.Int("output_bytes", len(output)))
	return &Result{Output: output}, nil
}

// checkAccess applies the stage's own access decision: a purchased grant
// for the exact (datasetRef, applicationRef) pair, or a whitelist entry on
// the dataset naming the application's cipherRef.
func (s *Stage) checkAccess(requester interfaces.AccountAddress, dataset, application interfaces.Asset) error {
	granted, err := s.ledger.HasAccess(requester, dataset.CipherRef, application.CipherRef)
	if err != nil {
		return fmt.Errorf("access check: %w", err)
	}
	if granted {
		return nil
	}

	if dataset.Whitelist != nil && dataset.Whitelist.Test(application.CipherRef.Bytes()) {
		s.log.Debug("Whitelist access",
			slog.Uint64("dataset_id", dataset.ID),
			slog.Uint64("application_id", application.ID))
		return nil
	}

	return fmt.Errorf("%w: requester %s holds no grant for dataset %d with application %d",
		interfaces.ErrAccessDenied, requester, dataset.ID, application.ID)
}

// openPayload decrypts one re-encrypted payload under the purpose subkey
// and checks its plaintext tag against the one the re-encryption stage
// produced.
func (s *Stage) openPayload(sessionKey []byte, purpose string, payload []byte, ref interfaces.ContentID, tag [32]byte) ([]byte, error) {
	subkey, err := cryptoutils.DeriveSubkey(sessionKey, purpose)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zero(subkey)

	plaintext, err := cryptoutils.OpenAsset(subkey, payload, ref.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", purpose, err)
	}

	if !cryptoutils.VerifyIntegrityTag(sessionKey, plaintext, tag) {
		cryptoutils.Zero(plaintext)
		return nil, fmt.Errorf("%w: %s plaintext tag mismatch", interfaces.ErrIntegrityFailure, purpose)
	}
	return plaintext, nil
}
