package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

func location(t *testing.T, uri string) interfaces.StorageBackendLocation {
	t.Helper()
	loc, err := interfaces.NewStorageBackendLocation(uri)
	require.NoError(t, err)
	return loc
}

func TestFactoryCreatesFileBackend(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	backend, err := factory.StorageBackendFor(location(t, "file://"+t.TempDir()))
	require.NoError(t, err)
	assert.True(t, backend.Available(context.Background()))

	data := []byte("through the factory")
	id, err := backend.Store(context.Background(), data, interfaces.CiphertextType)
	require.NoError(t, err)

	fetched, err := backend.Fetch(context.Background(), id, interfaces.CiphertextType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)
}

func TestFactoryRejectsEmptyFilePath(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	_, err := factory.StorageBackendFor(location(t, "file://"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestFactoryVaultRequiresTLSAuth(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	_, err := factory.StorageBackendFor(location(t, "vault://vault.example.com:8200/secret/assets"))
	assert.Error(t, err)
}

func TestLocationRejectsUnsupportedScheme(t *testing.T) {
	_, err := interfaces.NewStorageBackendLocation("ftp://host/path")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestCreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
		location(t, "file://"+t.TempDir()),
		location(t, "file://"+t.TempDir()),
	})
	require.NoError(t, err)

	data := []byte("replicated")
	id, err := multi.Store(context.Background(), data, interfaces.ManifestType)
	require.NoError(t, err)

	fetched, err := multi.Fetch(context.Background(), id, interfaces.ManifestType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)
}

func TestCreateMultiBackendSkipsInvalidLocations(t *testing.T) {
	factory := NewStorageBackendFactory(testLog)

	// The vault location fails without TLS auth but the file backend carries
	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
		location(t, "vault://vault.example.com:8200/secret/assets"),
		location(t, "file://"+t.TempDir()),
	})
	require.NoError(t, err)
	assert.True(t, multi.Available(context.Background()))

	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
		location(t, "vault://vault.example.com:8200/secret/assets"),
	})
	assert.Error(t, err)
}
