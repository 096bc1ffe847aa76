package custodianapi

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnat-protocol/tee-asset-execution-backend/cryptoutils"
	"github.com/dnat-protocol/tee-asset-execution-backend/custodian"
	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// newRemoteCustodian serves a real custodian over the HTTP handler and
// returns a client pointed at it.
func newRemoteCustodian(t *testing.T) *Client {
	t.Helper()

	kc := custodian.New(map[string]interfaces.AttestationVerifier{
		cryptoutils.DummyAttestation.StringID: cryptoutils.DummyAttestationVerifier{},
	}, testLog)

	mux := chi.NewRouter()
	NewHandler(kc, testLog).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL)
}

func TestClientProvisionAndRelease(t *testing.T) {
	client := newRemoteCustodian(t)
	identity := interfaces.TEEIdentity{1}
	id := interfaces.KeyID{42}

	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, client.Provision(context.Background(), id, key, interfaces.AttestationPolicy{
		AllowedIdentities: []interfaces.TEEIdentity{identity},
		TTL:               time.Minute,
	}))

	released, err := cryptoutils.AttestedKeyRelease(context.Background(), client,
		cryptoutils.DummyAttestationProvider{Identity: identity}, id)
	require.NoError(t, err)
	assert.Equal(t, key, released)
}

func TestClientProvisionRejectsBadKey(t *testing.T) {
	client := newRemoteCustodian(t)

	err := client.Provision(context.Background(), interfaces.KeyID{1}, []byte("short"), interfaces.AttestationPolicy{
		AllowedIdentities: []interfaces.TEEIdentity{{1}},
	})
	assert.Error(t, err)
}

func TestClientReleaseDenied(t *testing.T) {
	client := newRemoteCustodian(t)
	id := interfaces.KeyID{42}

	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, client.Provision(context.Background(), id, key, interfaces.AttestationPolicy{
		AllowedIdentities: []interfaces.TEEIdentity{{1}},
	}))

	_, err = cryptoutils.AttestedKeyRelease(context.Background(), client,
		cryptoutils.DummyAttestationProvider{Identity: interfaces.TEEIdentity{2}}, id)
	assert.ErrorIs(t, err, interfaces.ErrKeyReleaseDenied)
}

func TestClientReleaseUnknownKey(t *testing.T) {
	client := newRemoteCustodian(t)

	_, err := cryptoutils.AttestedKeyRelease(context.Background(), client,
		cryptoutils.DummyAttestationProvider{Identity: interfaces.TEEIdentity{1}}, interfaces.KeyID{99})
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}
