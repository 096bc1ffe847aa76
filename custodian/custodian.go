// Package custodian implements the key custodian: per-asset and
// per-session symmetric keys held under attestation policy and released
// only to callers whose verified TEE identity the policy pins.
package custodian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

type entry struct {
	key       []byte
	policy    interfaces.AttestationPolicy
	expiresAt time.Time // zero means no expiry
}

// Custodian is an in-process implementation of interfaces.KeyCustodian.
// Keys never leave the custodian except through a successful attested
// release, and the custodian never logs or persists key material.
type Custodian struct {
	log       *slog.Logger
	verifiers map[string]interfaces.AttestationVerifier
	now       func() time.Time

	mu   sync.Mutex
	keys map[interfaces.KeyID]*entry
}

// New creates a custodian that accepts the given attestation types.
// The verifier map is keyed by attestation type string id.
func New(verifiers map[string]interfaces.AttestationVerifier, log *slog.Logger) *Custodian {
	return &Custodian{
		log:       log,
		verifiers: verifiers,
		now:       time.Now,
		keys:      make(map[interfaces.KeyID]*entry),
	}
}

// WithClock returns a custodian using the given clock. Testing only.
func (c *Custodian) WithClock(now func() time.Time) *Custodian {
	c.now = now
	return c
}

// Provision implements interfaces.KeyCustodian.
func (c *Custodian) Provision(ctx context.Context, id interfaces.KeyID, key []byte, policy interfaces.AttestationPolicy) error {
	if len(key) != cryptoutils.KeySize {
		return fmt.Errorf("%w: key must be %d bytes", interfaces.ErrInvalidInput, cryptoutils.KeySize)
	}
	if len(policy.AllowedIdentities) == 0 {
		return fmt.Errorf("%w: policy must pin at least one identity", interfaces.ErrInvalidInput)
	}

	stored := make([]byte, len(key))
	copy(stored, key)

	e := &entry{key: stored, policy: policy}
	if policy.TTL > 0 {
		e.expiresAt = c.now().Add(policy.TTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[id] = e

	c.log.Debug("Key provisioned",
		slog.String("key_id", id.String()),
		slog.Int("pinned_identities", len(policy.AllowedIdentities)),
		slog.Duration("ttl", policy.TTL))
	return nil
}

// ReleaseKey implements interfaces.KeyCustodian. The evidence's report
// data must bind the requested key id (interfaces.KeyReportData), so a
// quote produced for one key cannot be replayed for another.
func (c *Custodian) ReleaseKey(ctx context.Context, id interfaces.KeyID, evidence interfaces.AttestationEvidence) ([]byte, error) {
	verifier, ok := c.verifiers[evidence.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported attestation type %q", interfaces.ErrKeyReleaseDenied, evidence.Type)
	}

	var boundKey interfaces.KeyID
	copy(boundKey[:], evidence.ReportData[:32])
	if boundKey != id {
		return nil, fmt.Errorf("%w: evidence bound to key %s, requested %s", interfaces.ErrKeyReleaseDenied, boundKey, id)
	}

	identity, err := verifier.Verify(evidence)
	if err != nil {
		// Attestation failures are observable on purpose: repeated ones
		// may indicate a compromised caller.
		c.log.Warn("Attestation verification failed",
			slog.String("key_id", id.String()),
			slog.String("attestation_type", evidence.Type),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyReleaseDenied, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, id)
	}

	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.keys, id)
		c.log.Info("Expired key purged on access", slog.String("key_id", id.String()))
		return nil, fmt.Errorf("%w: %s expired", interfaces.ErrKeyNotFound, id)
	}

	if !e.policy.Allows(identity) {
		c.log.Warn("Key release denied by policy",
			slog.String("key_id", id.String()),
			slog.String("identity", identity.String()))
		return nil, fmt.Errorf("%w: identity %s not pinned for key %s", interfaces.ErrKeyReleaseDenied, identity, id)
	}

	released := make([]byte, len(e.key))
	copy(released, e.key)

	c.log.Debug("Key released",
		slog.String("key_id", id.String()),
		slog.String("identity", identity.String()))
	return released, nil
}

// Sweep removes expired keys. Callers run it periodically so abandoned
// session keys do not linger until their next (never-coming) access.
func (c *Custodian) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, e := range c.keys {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			cryptoutils.Zero(e.key)
			delete(c.keys, id)
			removed++
		}
	}

	if removed > 0 {
		c.log.Debug("Swept expired keys", slog.Int("removed", removed))
	}
	return removed
}

// RunSweeper runs Sweep at the given interval until ctx is cancelled.
func (c *Custodian) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
