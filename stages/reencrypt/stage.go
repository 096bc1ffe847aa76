// Package reencrypt implements the first attested stage. It is the only
// component that ever holds asset plaintext together with long-lived asset
// keys: it releases both asset keys under attestation, re-encrypts the
// plaintexts under a fresh per-execution session key and hands the session
// key to the custodian, pinned to the execution stage identity.
package reencrypt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// DefaultSessionTTL bounds how long an execution may sit between the two
// stages before its session key expires.
const DefaultSessionTTL = 10 * time.Minute

// Request carries one execution's encrypted inputs into the stage. The
// ciphertexts are exactly the bytes the asset store returned for the two
// cipherRefs.
type Request struct {
	ExecutionID           uuid.UUID
	DatasetRef            interfaces.ContentID
	ApplicationRef        interfaces.ContentID
	DatasetCiphertext     []byte
	ApplicationCiphertext []byte
}

// Response carries the re-encrypted payloads to the execution stage. The
// session key itself is never part of the response; the execution stage
// must obtain it from the custodian through its own attested release.
type Response struct {
	SessionKeyID       interfaces.KeyID
	DatasetPayload     []byte
	ApplicationPayload []byte
	DatasetTag         [32]byte
	ApplicationTag     [32]byte
}

// Stage is the re-encryption stage. One instance serves many executions;
// each Reencrypt call is independent and holds plaintext only for its own
// duration.
type Stage struct {
	log        *slog.Logger
	custodian  interfaces.KeyCustodian
	attestor   cryptoutils.AttestationProvider
	executeIDs []interfaces.TEEIdentity
	sessionTTL time.Duration
}

// New creates a re-encryption stage. executeIdentities pins which execution
// stage builds may ever receive the session keys this stage provisions.
func New(custodian interfaces.KeyCustodian, attestor cryptoutils.AttestationProvider, executeIdentities []interfaces.TEEIdentity, sessionTTL time.Duration, log *slog.Logger) (*Stage, error) {
	if len(executeIdentities) == 0 {
		return nil, fmt.Errorf("%w: no execution stage identities pinned", interfaces.ErrInvalidInput)
	}
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}

	return &Stage{
		log:        log,
		custodian:  custodian,
		attestor:   attestor,
		executeIDs: executeIdentities,
		sessionTTL: sessionTTL,
	}, nil
}

// SessionKeyID derives the custodian key id for an execution's session key.
// Both stages compute it from the execution id alone.
func SessionKeyID(executionID uuid.UUID) interfaces.KeyID {
	h := sha256.New()
	h.Write([]byte("session-key"))
	h.Write(executionID[:])

	var id interfaces.KeyID
	copy(id[:], h.Sum(nil))
	return id
}

// Reencrypt performs one stage-1 pass: attested release of both asset keys,
// authenticated decryption, re-encryption under session subkeys, and
// provisioning of the session key for the execution stage. All plaintext
// and key buffers are zeroed before return.
func (s *Stage) Reencrypt(ctx context.Context, req *Request) (*Response, error) {
	if len(req.DatasetCiphertext) == 0 || len(req.ApplicationCiphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", interfaces.ErrInvalidInput)
	}
	if req.DatasetRef.IsZero() || req.ApplicationRef.IsZero() {
		return nil, fmt.Errorf("%w: zero content reference", interfaces.ErrInvalidInput)
	}

	datasetKey, err := cryptoutils.AttestedKeyRelease(ctx, s.custodian, s.attestor, interfaces.KeyIDForCipherRef(req.DatasetRef))
	if err != nil {
		return nil, fmt.Errorf("dataset key release: %w", err)
	}
	defer cryptoutils.Zero(datasetKey)

	applicationKey, err := cryptoutils.AttestedKeyRelease(ctx, s.custodian, s.attestor, interfaces.KeyIDForCipherRef(req.ApplicationRef))
	if err != nil {
		return nil, fmt.Errorf("application key release: %w", err)
	}
	defer cryptoutils.Zero(applicationKey)

	// At-rest envelopes carry no associated data: the cipherRef is the
	// hash of the envelope itself, and the key is custodied under that
	// ref, so substitution already fails at key release.
	datasetPlain, err := cryptoutils.OpenAsset(datasetKey, req.DatasetCiphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("dataset envelope: %w", err)
	}
	defer cryptoutils.Zero(datasetPlain)

	applicationPlain, err := cryptoutils.OpenAsset(applicationKey, req.ApplicationCiphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("application envelope: %w", err)
	}
	defer cryptoutils.Zero(applicationPlain)

	sessionKey, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zero(sessionKey)

	datasetSubkey, err := cryptoutils.DeriveSubkey(sessionKey, "dataset")
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zero(datasetSubkey)

	applicationSubkey, err := cryptoutils.DeriveSubkey(sessionKey, "application")
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Zero(applicationSubkey)

	datasetPayload, err := cryptoutils.SealAsset(datasetSubkey, datasetPlain, req.DatasetRef.Bytes())
	if err != nil {
		return nil, fmt.Errorf("dataset re-encryption: %w", err)
	}
	applicationPayload, err := cryptoutils.SealAsset(applicationSubkey, applicationPlain, req.ApplicationRef.Bytes())
	if err != nil {
		return nil, fmt.Errorf("application re-encryption: %w", err)
	}

	resp := &Response{
		SessionKeyID:       SessionKeyID(req.ExecutionID),
		DatasetPayload:     datasetPayload,
		ApplicationPayload: applicationPayload,
		DatasetTag:         cryptoutils.IntegrityTag(sessionKey, datasetPlain),
		ApplicationTag:     cryptoutils.IntegrityTag(sessionKey, applicationPlain),
	}

	policy := interfaces.AttestationPolicy{
		AllowedIdentities: s.executeIDs,
		TTL:               s.sessionTTL,
	}
	if err := s.custodian.Provision(ctx, resp.SessionKeyID, sessionKey, policy); err != nil {
		return nil, fmt.Errorf("session key provisioning: %w", err)
	}

	s.log.Info("Re-encryption completed",
		slog.String("execution_id", req.ExecutionID.String()),
		slog.String("session_key_id", resp.SessionKeyID.String()),
		slog.Int("dataset_bytes", len(datasetPayload)),
		slog.Int("application_bytes", len(applicationPayload)))
	return resp, nil
}
