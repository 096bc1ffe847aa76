package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/mock"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// MockLedger mocks the interfaces.Ledger interface for tests of components
// that only read ledger state.
type MockLedger struct {
	mock.Mock
}

// RegisterAsset mocks the RegisterAsset method.
func (m *MockLedger) RegisterAsset(owner interfaces.AccountAddress, kind interfaces.AssetKind, cipherRef, manifestRef interfaces.ContentID, digest interfaces.ContentDigest, price *big.Int, whitelist *types.Bloom) (uint64, error) {
	args := m.Called(owner, kind, cipherRef, manifestRef, digest, price, whitelist)
	return args.Get(0).(uint64), args.Error(1)
}

// UpdateAsset mocks the UpdateAsset method.
func (m *MockLedger) UpdateAsset(caller interfaces.AccountAddress, id uint64, newPrice *big.Int, newActive bool) error {
	args := m.Called(caller, id, newPrice, newActive)
	return args.Error(0)
}

// RevokeAsset mocks the RevokeAsset method.
func (m *MockLedger) RevokeAsset(caller interfaces.AccountAddress, id uint64) error {
	args := m.Called(caller, id)
	return args.Error(0)
}

// PurchaseAccess mocks the PurchaseAccess method.
func (m *MockLedger) PurchaseAccess(caller interfaces.AccountAddress, datasetID, applicationID uint64, payment *big.Int) (*interfaces.PurchaseReceipt, error) {
	args := m.Called(caller, datasetID, applicationID, payment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.PurchaseReceipt), args.Error(1)
}

// HasAccess mocks the HasAccess method.
func (m *MockLedger) HasAccess(user interfaces.AccountAddress, datasetRef, applicationRef interfaces.ContentID) (bool, error) {
	args := m.Called(user, datasetRef, applicationRef)
	return args.Bool(0), args.Error(1)
}

// GetAsset mocks the GetAsset method.
func (m *MockLedger) GetAsset(id uint64) (interfaces.Asset, error) {
	args := m.Called(id)
	return args.Get(0).(interfaces.Asset), args.Error(1)
}
