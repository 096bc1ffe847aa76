package custodian

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestCustodian() *Custodian {
	return New(map[string]interfaces.AttestationVerifier{
		cryptoutils.DummyAttestation.StringID: cryptoutils.DummyAttestationVerifier{},
	}, testLog)
}

func provisionTestKey(t *testing.T, c *Custodian, id interfaces.KeyID, identity interfaces.TEEIdentity, ttl time.Duration) []byte {
	t.Helper()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, c.Provision(context.Background(), id, key, interfaces.AttestationPolicy{
		AllowedIdentities: []interfaces.TEEIdentity{identity},
		TTL:               ttl,
	}))
	return key
}

func TestProvisionAndRelease(t *testing.T) {
	c := newTestCustodian()
	identity := interfaces.TEEIdentity{1}
	id := interfaces.KeyID{42}
	key := provisionTestKey(t, c, id, identity, 0)

	released, err := cryptoutils.AttestedKeyRelease(context.Background(), c,
		cryptoutils.DummyAttestationProvider{Identity: identity}, id)
	require.NoError(t, err)
	assert.Equal(t, key, released)
}

func TestProvisionValidation(t *testing.T) {
	c := newTestCustodian()

	err := c.Provision(context.Background(), interfaces.KeyID{1}, []byte("short"), interfaces.AttestationPolicy{
		AllowedIdentities: []interfaces.TEEIdentity{{1}},
	})
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)

	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	err = c.Provision(context.Background(), interfaces.KeyID{1}, key, interfaces.AttestationPolicy{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
}

func TestReleaseDeniedForUnpinnedIdentity(t *testing.T) {
	c := newTestCustodian()
	id := interfaces.KeyID{42}
	provisionTestKey(t, c, id, interfaces.TEEIdentity{1}, 0)

	_, err := cryptoutils.AttestedKeyRelease(context.Background(), c,
		cryptoutils.DummyAttestationProvider{Identity: interfaces.TEEIdentity{2}}, id)
	assert.ErrorIs(t, err, interfaces.ErrKeyReleaseDenied)
}

func TestReleaseRejectsQuoteBoundToOtherKey(t *testing.T) {
	c := newTestCustodian()
	identity := interfaces.TEEIdentity{1}
	provisionTestKey(t, c, interfaces.KeyID{42}, identity, 0)

	// Quote over report data for key 1 presented for key 42
	reportData := interfaces.KeyReportData(interfaces.KeyID{1}, [32]byte{})
	quote, err := cryptoutils.DummyAttestationProvider{Identity: identity}.Attest(reportData)
	require.NoError(t, err)

	_, err = c.ReleaseKey(context.Background(), interfaces.KeyID{42}, interfaces.AttestationEvidence{
		Type:       cryptoutils.DummyAttestation.StringID,
		Quote:      quote,
		ReportData: reportData,
	})
	assert.ErrorIs(t, err, interfaces.ErrKeyReleaseDenied)
}

func TestReleaseRejectsUnsupportedAttestationType(t *testing.T) {
	c := newTestCustodian()
	id := interfaces.KeyID{42}
	provisionTestKey(t, c, id, interfaces.TEEIdentity{1}, 0)

	_, err := c.ReleaseKey(context.Background(), id, interfaces.AttestationEvidence{
		Type:       "made-up",
		ReportData: interfaces.KeyReportData(id, [32]byte{}),
	})
	assert.ErrorIs(t, err, interfaces.ErrKeyReleaseDenied)
}

func TestReleaseUnknownKey(t *testing.T) {
	c := newTestCustodian()

	_, err := cryptoutils.AttestedKeyRelease(context.Background(), c,
		cryptoutils.DummyAttestationProvider{Identity: interfaces.TEEIdentity{1}}, interfaces.KeyID{99})
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestExpiredKeyPurgedOnAccess(t *testing.T) {
	now := time.Now()
	clock := &now
	c := newTestCustodian().WithClock(func() time.Time { return *clock })

	identity := interfaces.TEEIdentity{1}
	id := interfaces.KeyID{42}
	provisionTestKey(t, c, id, identity, time.Minute)

	provider := cryptoutils.DummyAttestationProvider{Identity: identity}

	_, err := cryptoutils.AttestedKeyRelease(context.Background(), c, provider, id)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	clock = &later

	_, err = cryptoutils.AttestedKeyRelease(context.Background(), c, provider, id)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestSweepRemovesOnlyExpiredKeys(t *testing.T) {
	now := time.Now()
	clock := &now
	c := newTestCustodian().WithClock(func() time.Time { return *clock })

	identity := interfaces.TEEIdentity{1}
	provisionTestKey(t, c, interfaces.KeyID{1}, identity, time.Minute)
	provisionTestKey(t, c, interfaces.KeyID{2}, identity, time.Hour)
	provisionTestKey(t, c, interfaces.KeyID{3}, identity, 0)

	later := now.Add(10 * time.Minute)
	clock = &later

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Sweep())

	provider := cryptoutils.DummyAttestationProvider{Identity: identity}
	_, err := cryptoutils.AttestedKeyRelease(context.Background(), c, provider, interfaces.KeyID{2})
	assert.NoError(t, err)
	_, err = cryptoutils.AttestedKeyRelease(context.Background(), c, provider, interfaces.KeyID{3})
	assert.NoError(t, err)
}

func TestReleasedKeyIsACopy(t *testing.T) {
	c := newTestCustodian()
	identity := interfaces.TEEIdentity{1}
	id := interfaces.KeyID{42}
	provisionTestKey(t, c, id, identity, 0)

	provider := cryptoutils.DummyAttestationProvider{Identity: identity}
	first, err := cryptoutils.AttestedKeyRelease(context.Background(), c, provider, id)
	require.NoError(t, err)

	// Zeroing the released buffer must not corrupt the custodied key
	cryptoutils.Zero(first)

	second, err := cryptoutils.AttestedKeyRelease(context.Background(), c, provider, id)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
