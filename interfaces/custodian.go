package interfaces

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeyID identifies a key held by the custodian. Per-asset keys are
// provisioned under the asset's cipherRef, so the key identifier is bound
// to the exact ciphertext it unlocks. Session keys are provisioned under a
// per-execution identifier.
type KeyID [32]byte

// KeyIDForCipherRef returns the custodian key id for an asset ciphertext.
func KeyIDForCipherRef(ref ContentID) KeyID {
	return KeyID(ref)
}

// NewKeyIDFromHex parses a 64-character hex key id.
func NewKeyIDFromHex(source string) (KeyID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return KeyID{}, errors.New("invalid key id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return KeyID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id KeyID
	copy(id[:], raw)
	return id, nil
}

// String returns hex representation.
func (id KeyID) String() string {
	return hex.EncodeToString(id[:])
}

// TEEIdentity is the identity hash of an attested program, computed over
// its measurement registers. Custody policy pins keys to identities.
type TEEIdentity [32]byte

// String returns hex representation.
func (id TEEIdentity) String() string {
	return hex.EncodeToString(id[:])
}

// AttestationPolicy governs release of a custodied key. A key is released
// only to callers whose verified identity appears in AllowedIdentities.
// A non-zero TTL expires the key independently of any caller, so an
// abandoned execution cannot be resumed later through a stale reference.
type AttestationPolicy struct {
	AllowedIdentities []TEEIdentity
	TTL               time.Duration
}

// Allows reports whether the policy admits the given identity.
func (p AttestationPolicy) Allows(identity TEEIdentity) bool {
	for _, allowed := range p.AllowedIdentities {
		if allowed == identity {
			return true
		}
	}
	return false
}

// AttestationEvidence is the proof a caller presents to the custodian:
// a quote of the given type over ReportData, which must bind the request
// (key id and a caller nonce) to the attested program.
type AttestationEvidence struct {
	Type       string   `json:"type"`
	Quote      []byte   `json:"quote"`
	ReportData [64]byte `json:"report_data"`
}

// KeyReportData computes the report data an attestation quote must carry
// to request release of the given key: the key id followed by the caller
// nonce hash.
func KeyReportData(id KeyID, nonce [32]byte) [64]byte {
	var reportData [64]byte
	copy(reportData[:32], id[:])
	copy(reportData[32:], nonce[:])
	return reportData
}

// AttestationVerifier validates a quote against expected report data and
// returns the verified identity of the quoting program.
type AttestationVerifier interface {
	Verify(evidence AttestationEvidence) (TEEIdentity, error)
}

// KeyCustodian holds symmetric keys under attestation policy. It releases
// a key only to callers that prove, via remote attestation, that they are
// executing a program whose identity the key's policy pins. Callers must
// treat ReleaseKey as fallible and must never cache, log or persist a
// released key outside the attested stage that requested it.
type KeyCustodian interface {
	// Provision stores a key under the given identifier and policy.
	Provision(ctx context.Context, id KeyID, key []byte, policy AttestationPolicy) error

	// ReleaseKey returns the key if the evidence verifies and the policy
	// admits the attested identity. Fails with ErrKeyReleaseDenied on
	// attestation or policy mismatch and ErrKeyNotFound for unknown or
	// expired keys.
	ReleaseKey(ctx context.Context, id KeyID, evidence AttestationEvidence) ([]byte, error)
}
