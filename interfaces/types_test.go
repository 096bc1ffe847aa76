package interfaces

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountAddressHexParsing(t *testing.T) {
	addr, err := NewAccountAddressFromHex("00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000000000000aa", addr.String())

	prefixed, err := NewAccountAddressFromHex("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.True(t, addr.Equal(prefixed))

	_, err = NewAccountAddressFromHex("too short")
	assert.Error(t, err)
	_, err = NewAccountAddressFromHex("zz000000000000000000000000000000000000aa")
	assert.Error(t, err)
}

func TestContentIDRoundTrip(t *testing.T) {
	id := ComputeID([]byte("some content"))
	assert.False(t, id.IsZero())
	assert.True(t, ContentID{}.IsZero())

	parsed, err := NewContentIDFromHex(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	// Same bytes, same id
	assert.Equal(t, id, ComputeID([]byte("some content")))
	assert.NotEqual(t, id, ComputeID([]byte("other content")))
}

func TestAssetKindFromString(t *testing.T) {
	kind, err := AssetKindFromString("dataset")
	require.NoError(t, err)
	assert.Equal(t, Dataset, kind)

	kind, err = AssetKindFromString("application")
	require.NoError(t, err)
	assert.Equal(t, Application, kind)

	_, err = AssetKindFromString("model")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestComputeGrantKey(t *testing.T) {
	datasetRef := ComputeID([]byte("dataset"))
	applicationRef := ComputeID([]byte("application"))
	user := AccountAddress{0xaa}

	grant := ComputeGrantKey(datasetRef, applicationRef, user)
	assert.Equal(t, grant, ComputeGrantKey(datasetRef, applicationRef, user))

	// Any differing component yields a different grant
	assert.NotEqual(t, grant, ComputeGrantKey(applicationRef, datasetRef, user))
	assert.NotEqual(t, grant, ComputeGrantKey(datasetRef, applicationRef, AccountAddress{0xbb}))
}

func TestAssetJSONRoundTrip(t *testing.T) {
	asset := Asset{
		ID:            7,
		Kind:          Application,
		Owner:         AccountAddress{0xaa},
		CipherRef:     ComputeID([]byte("ciphertext")),
		ManifestRef:   ComputeID([]byte("manifest")),
		ContentDigest: ComputeDigest([]byte("plaintext")),
		Price:         big.NewInt(125),
		Active:        true,
	}

	encoded, err := json.Marshal(asset)
	require.NoError(t, err)

	// Refs travel as hex strings, not byte arrays
	assert.Contains(t, string(encoded), asset.CipherRef.String())
	assert.Contains(t, string(encoded), asset.Owner.String())

	var decoded Asset
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, asset, decoded)
}

func TestKeyReportDataBindsKeyAndNonce(t *testing.T) {
	id := KeyID{1, 2, 3}
	nonce := [32]byte{4, 5, 6}

	reportData := KeyReportData(id, nonce)
	assert.Equal(t, id[:], reportData[:32])
	assert.Equal(t, nonce[:], reportData[32:])
}

func TestAttestationPolicyAllows(t *testing.T) {
	policy := AttestationPolicy{AllowedIdentities: []TEEIdentity{{1}, {2}}}

	assert.True(t, policy.Allows(TEEIdentity{1}))
	assert.True(t, policy.Allows(TEEIdentity{2}))
	assert.False(t, policy.Allows(TEEIdentity{3}))
	assert.False(t, AttestationPolicy{}.Allows(TEEIdentity{1}))
}
