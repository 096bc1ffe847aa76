package interfaces

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Ledger is the single authoritative state machine for assets, prices and
// access grants. All mutating operations are serialized with respect to one
// another; no caller ever observes a partially applied mutation. Reads may
// run concurrently and observe any serialization point.
type Ledger interface {
	// RegisterAsset records a new asset owned by owner and returns its id.
	// Ids are dense and strictly increasing, starting at 1.
	RegisterAsset(owner AccountAddress, kind AssetKind, cipherRef, manifestRef ContentID, digest ContentDigest, price *big.Int, whitelist *types.Bloom) (uint64, error)

	// UpdateAsset sets the price and active flag of an asset. Only the
	// owner may update.
	UpdateAsset(caller AccountAddress, id uint64, newPrice *big.Int, newActive bool) error

	// RevokeAsset deactivates an asset permanently. Grants issued before
	// revocation remain valid.
	RevokeAsset(caller AccountAddress, id uint64) error

	// PurchaseAccess grants caller the right to execute the application
	// over the dataset. Payment settlement, the grant write and any refund
	// commit atomically or not at all.
	PurchaseAccess(caller AccountAddress, datasetID, applicationID uint64, payment *big.Int) (*PurchaseReceipt, error)

	// HasAccess reports whether user holds a grant for the exact
	// (datasetRef, applicationRef) ciphertext pair. Pure read.
	HasAccess(user AccountAddress, datasetRef, applicationRef ContentID) (bool, error)

	// GetAsset returns the asset registered under id.
	GetAsset(id uint64) (Asset, error)
}

// EscrowLedger extends Ledger with the escrowed balance operations used by
// the API surface and by tests to fund buyers.
type EscrowLedger interface {
	Ledger

	// Deposit credits an account's escrow balance.
	Deposit(account AccountAddress, amount *big.Int) error

	// BalanceOf returns an account's current escrow balance.
	BalanceOf(account AccountAddress) *big.Int
}

// Notification is a structured state-change event emitted by the ledger.
// Notifications are the only mechanism by which off-chain observers learn
// of ledger mutations.
type Notification interface {
	// Topic returns the notification type name.
	Topic() string
}

// AssetRegistered is emitted once per successful RegisterAsset.
type AssetRegistered struct {
	ID            uint64         `json:"id"`
	Kind          AssetKind      `json:"kind"`
	Owner         AccountAddress `json:"owner"`
	CipherRef     ContentID      `json:"cipher_ref"`
	ManifestRef   ContentID      `json:"manifest_ref"`
	ContentDigest ContentDigest  `json:"content_digest"`
	Price         *big.Int       `json:"price"`
}

// Topic implements Notification.
func (AssetRegistered) Topic() string { return "AssetRegistered" }

// AssetUpdated is emitted once per successful UpdateAsset.
type AssetUpdated struct {
	ID     uint64   `json:"id"`
	Price  *big.Int `json:"price"`
	Active bool     `json:"active"`
}

// Topic implements Notification.
func (AssetUpdated) Topic() string { return "AssetUpdated" }

// AssetRevoked is emitted once per successful RevokeAsset.
type AssetRevoked struct {
	ID uint64 `json:"id"`
}

// Topic implements Notification.
func (AssetRevoked) Topic() string { return "AssetRevoked" }

// AccessPurchased is emitted once per successful PurchaseAccess.
type AccessPurchased struct {
	Grant             GrantKey       `json:"grant"`
	DatasetID         uint64         `json:"dataset_id"`
	ApplicationID     uint64         `json:"application_id"`
	Buyer             AccountAddress `json:"buyer"`
	DatasetAmount     *big.Int       `json:"dataset_amount"`
	ApplicationAmount *big.Int       `json:"application_amount"`
	Refund            *big.Int       `json:"refund"`
}

// Topic implements Notification.
func (AccessPurchased) Topic() string { return "AccessPurchased" }
