// Package interfaces defines the core types and contracts shared by the
// confidential asset execution protocol: the ledger, the key custodian,
// the asset store and the attested execution stages. It provides the
// contract between the trust domains without implementation details.
package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountAddress identifies an asset owner or buyer.
type AccountAddress [20]byte

// NewAccountAddressFromBytes creates an account address from a 20-byte slice.
func NewAccountAddressFromBytes(addr []byte) (AccountAddress, error) {
	if len(addr) != 20 {
		return AccountAddress{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res AccountAddress
	copy(res[:], addr)
	return res, nil
}

// NewAccountAddressFromHex creates an account address from a 40-character hex
// string, with or without a 0x prefix.
func NewAccountAddressFromHex(addr string) (AccountAddress, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return AccountAddress{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return AccountAddress{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewAccountAddressFromBytes(addrBytes)
}

// String returns the hex string representation of the address.
func (addr AccountAddress) String() string {
	return hex.EncodeToString(addr[:])
}

// Bytes returns the raw 20-byte address.
func (addr AccountAddress) Bytes() []byte {
	return addr[:]
}

// Equal compares two account addresses for equality.
func (addr AccountAddress) Equal(other AccountAddress) bool {
	return addr == other
}

// MarshalJSON encodes the address as a hex string.
func (addr AccountAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(addr.String())
}

// UnmarshalJSON decodes the address from a hex string.
func (addr *AccountAddress) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewAccountAddressFromHex(raw)
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}

// ContentID is a 32-byte SHA-256 hash uniquely identifying content held by
// the asset store. An asset's cipherRef and manifestRef are ContentIDs.
type ContentID [32]byte

// NewContentIDFromBytes creates a content ID from a 32-byte slice.
func NewContentIDFromBytes(source []byte) (ContentID, error) {
	if len(source) != 32 {
		return ContentID{}, errors.New("invalid ContentID conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ContentID(hash), nil
}

// NewContentIDFromHex creates a content ID from a 64-character hex string.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates the content ID of data.
func ComputeID(data []byte) ContentID {
	hash := sha256.Sum256(data)
	return ContentID(hash)
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte hash.
func (id ContentID) Bytes() []byte {
	return id[:]
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// IsZero reports whether the content ID is unset.
func (id ContentID) IsZero() bool {
	return id == ContentID{}
}

// MarshalJSON encodes the content ID as a hex string.
func (id ContentID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes the content ID from a hex string.
func (id *ContentID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewContentIDFromHex(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContentDigest is the SHA-256 digest of an asset's plaintext, recorded on
// the ledger at registration and verified inside the execution stage after
// decryption. It is computed by the registering owner before encryption and
// never derived from data outside the owner's control.
type ContentDigest [32]byte

// ComputeDigest calculates the plaintext digest of data.
func ComputeDigest(plaintext []byte) ContentDigest {
	return ContentDigest(sha256.Sum256(plaintext))
}

// NewContentDigestFromHex creates a digest from a 64-character hex string.
func NewContentDigestFromHex(source string) (ContentDigest, error) {
	id, err := NewContentIDFromHex(source)
	return ContentDigest(id), err
}

// String returns hex representation.
func (d ContentDigest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal compares two digests.
func (d ContentDigest) Equal(other ContentDigest) bool {
	return d == other
}

// MarshalJSON encodes the digest as a hex string.
func (d ContentDigest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the digest from a hex string.
func (d *ContentDigest) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewContentDigestFromHex(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AssetKind distinguishes datasets from applications.
type AssetKind uint8

const (
	// Dataset assets hold encrypted data to be computed over.
	Dataset AssetKind = iota
	// Application assets hold encrypted application payloads.
	Application
)

// String returns the kind name.
func (k AssetKind) String() string {
	switch k {
	case Dataset:
		return "dataset"
	case Application:
		return "application"
	default:
		return "unknown"
	}
}

// AssetKindFromString parses a kind name.
func AssetKindFromString(s string) (AssetKind, error) {
	switch s {
	case "dataset":
		return Dataset, nil
	case "application":
		return Application, nil
	default:
		return 0, fmt.Errorf("%w: unknown asset kind %q", ErrInvalidInput, s)
	}
}

// Asset is a ledger registry entry for a dataset or application.
// ID, Kind, CipherRef, ManifestRef and ContentDigest are immutable once
// registered; Price and Active are mutable by the owner only.
type Asset struct {
	ID            uint64         `json:"id"`
	Kind          AssetKind      `json:"kind"`
	Owner         AccountAddress `json:"owner"`
	CipherRef     ContentID      `json:"cipher_ref"`
	ManifestRef   ContentID      `json:"manifest_ref"`
	ContentDigest ContentDigest  `json:"content_digest"`
	Price         *big.Int       `json:"price"`
	// Whitelist is an optional Bloom filter over application cipherRefs
	// granted free access to this dataset. Meaningful only for datasets.
	Whitelist *types.Bloom `json:"whitelist,omitempty"`
	Active    bool         `json:"active"`
}

// GrantKey identifies an access grant. It binds the grant to the exact
// encrypted payloads purchased, not to mutable registry slots.
type GrantKey [32]byte

// ComputeGrantKey derives the grant key for (datasetRef, applicationRef, user).
func ComputeGrantKey(datasetRef, applicationRef ContentID, user AccountAddress) GrantKey {
	h := crypto.Keccak256Hash(datasetRef[:], applicationRef[:], user[:])
	return GrantKey(h)
}

// String returns hex representation.
func (g GrantKey) String() string {
	return hex.EncodeToString(g[:])
}

// MarshalJSON encodes the grant key as a hex string.
func (g GrantKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

// UnmarshalJSON decodes the grant key from a hex string.
func (g *GrantKey) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := NewContentIDFromHex(raw)
	if err != nil {
		return err
	}
	*g = GrantKey(id)
	return nil
}

// PurchaseReceipt reports the settled amounts of a successful PurchaseAccess.
type PurchaseReceipt struct {
	Grant             GrantKey `json:"grant"`
	DatasetAmount     *big.Int `json:"dataset_amount"`
	ApplicationAmount *big.Int `json:"application_amount"`
	Refund            *big.Int `json:"refund"`
}
