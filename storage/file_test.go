package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLog)
	require.NoError(t, err)

	data := []byte("encrypted asset bytes")
	id, err := backend.Store(context.Background(), data, interfaces.CiphertextType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	fetched, err := backend.Fetch(context.Background(), id, interfaces.CiphertextType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	assert.True(t, backend.Available(context.Background()))
}

func TestFileBackendContentTypesAreSeparateNamespaces(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLog)
	require.NoError(t, err)

	data := []byte("same bytes")
	id, err := backend.Store(context.Background(), data, interfaces.ManifestType)
	require.NoError(t, err)

	_, err = backend.Fetch(context.Background(), id, interfaces.CiphertextType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	fetched, err := backend.Fetch(context.Background(), id, interfaces.ManifestType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)
}

func TestFileBackendFetchMissing(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLog)
	require.NoError(t, err)

	_, err = backend.Fetch(context.Background(), interfaces.ComputeID([]byte("never stored")), interfaces.CiphertextType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestFileBackendStoreIsIdempotent(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLog)
	require.NoError(t, err)

	data := []byte("stored twice")
	first, err := backend.Store(context.Background(), data, interfaces.CiphertextType)
	require.NoError(t, err)
	second, err := backend.Store(context.Background(), data, interfaces.CiphertextType)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
