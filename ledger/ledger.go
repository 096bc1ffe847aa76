// Package ledger implements the authoritative state machine recording
// assets, prices, escrowed balances and access grants. Every mutating
// operation runs under an exclusive lock and commits to the durable store
// before touching in-memory state, so no caller can observe or exploit a
// half-applied mutation.
package ledger

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// assetRecord wraps an asset with the revocation marker. Revocation and
// owner-driven deactivation both clear Active, but only revocation is
// terminal, so the two must be tracked separately.
type assetRecord struct {
	interfaces.Asset
	Revoked bool
}

// Ledger is the in-process implementation of interfaces.EscrowLedger.
type Ledger struct {
	log   *slog.Logger
	store Store

	mu       sync.RWMutex
	assets   map[uint64]*assetRecord
	grants   map[interfaces.GrantKey]bool
	balances map[interfaces.AccountAddress]*big.Int
	nextID   uint64

	subMu sync.Mutex
	subs  map[int]chan interfaces.Notification
	subID int
}

// New creates a ledger backed by the given store. A nil store keeps all
// state in memory only. If the store holds previous state it is loaded
// before the ledger accepts operations.
func New(store Store, log *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		log:      log,
		store:    store,
		assets:   make(map[uint64]*assetRecord),
		grants:   make(map[interfaces.GrantKey]bool),
		balances: make(map[interfaces.AccountAddress]*big.Int),
		nextID:   1,
		subs:     make(map[int]chan interfaces.Notification),
	}

	if store != nil {
		state, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load ledger state: %w", err)
		}

		for _, rec := range state.Assets {
			rec := rec
			l.assets[rec.ID] = &rec
		}
		for _, grant := range state.Grants {
			l.grants[grant] = true
		}
		for account, balance := range state.Balances {
			l.balances[account] = new(big.Int).Set(balance)
		}
		if state.NextID > 0 {
			l.nextID = state.NextID
		}

		log.Info("Ledger state loaded",
			slog.Int("assets", len(l.assets)),
			slog.Int("grants", len(l.grants)),
			slog.Uint64("next_id", l.nextID))
	}

	return l, nil
}

// RegisterAsset implements interfaces.Ledger.
func (l *Ledger) RegisterAsset(owner interfaces.AccountAddress, kind interfaces.AssetKind, cipherRef, manifestRef interfaces.ContentID, digest interfaces.ContentDigest, price *big.Int, whitelist *types.Bloom) (uint64, error) {
	if cipherRef.IsZero() || manifestRef.IsZero() {
		return 0, fmt.Errorf("%w: cipher and manifest references must be set", interfaces.ErrInvalidInput)
	}
	if digest == (interfaces.ContentDigest{}) {
		return 0, fmt.Errorf("%w: content digest must be set", interfaces.ErrInvalidInput)
	}
	if price == nil || price.Sign() < 0 {
		return 0, fmt.Errorf("%w: price must be a non-negative integer", interfaces.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	rec := assetRecord{
		Asset: interfaces.Asset{
			ID:            id,
			Kind:          kind,
			Owner:         owner,
			CipherRef:     cipherRef,
			ManifestRef:   manifestRef,
			ContentDigest: digest,
			Price:         new(big.Int).Set(price),
			Whitelist:     cloneBloom(whitelist),
			Active:        true,
		},
	}

	if err := l.apply(Batch{Assets: []assetRecord{rec}, NextID: id + 1}); err != nil {
		return 0, err
	}

	l.assets[id] = &rec
	l.nextID = id + 1

	l.log.Info("Asset registered",
		slog.Uint64("id", id),
		slog.String("kind", kind.String()),
		slog.String("owner", owner.String()),
		slog.String("cipher_ref", cipherRef.String()))

	l.notify(interfaces.AssetRegistered{
		ID:            id,
		Kind:          kind,
		Owner:         owner,
		CipherRef:     cipherRef,
		ManifestRef:   manifestRef,
		ContentDigest: digest,
		Price:         new(big.Int).Set(price),
	})

	return id, nil
}

// UpdateAsset implements interfaces.Ledger. Updating a revoked asset fails
// with ErrAlreadyRevoked: no transition leaves the revoked state.
func (l *Ledger) UpdateAsset(caller interfaces.AccountAddress, id uint64, newPrice *big.Int, newActive bool) error {
	if newPrice == nil || newPrice.Sign() < 0 {
		return fmt.Errorf("%w: price must be a non-negative integer", interfaces.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.assets[id]
	if !ok {
		return fmt.Errorf("%w: id %d", interfaces.ErrNotFound, id)
	}
	if !rec.Owner.Equal(caller) {
		return interfaces.ErrUnauthorized
	}
	if rec.Revoked {
		return interfaces.ErrAlreadyRevoked
	}

	updated := *rec
	updated.Price = new(big.Int).Set(newPrice)
	updated.Active = newActive

	if err := l.apply(Batch{Assets: []assetRecord{updated}}); err != nil {
		return err
	}

	*rec = updated

	l.log.Info("Asset updated",
		slog.Uint64("id", id),
		slog.String("price", newPrice.String()),
		slog.Bool("active", newActive))

	l.notify(interfaces.AssetUpdated{ID: id, Price: new(big.Int).Set(newPrice), Active: newActive})
	return nil
}

// RevokeAsset implements interfaces.Ledger. Revocation blocks new access
// grants but never retracts grants already recorded.
func (l *Ledger) RevokeAsset(caller interfaces.AccountAddress, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.assets[id]
	if !ok {
		return fmt.Errorf("%w: id %d", interfaces.ErrNotFound, id)
	}
	if !rec.Owner.Equal(caller) {
		return interfaces.ErrUnauthorized
	}
	if rec.Revoked {
		return interfaces.ErrAlreadyRevoked
	}

	updated := *rec
	updated.Active = false
	updated.Revoked = true

	if err := l.apply(Batch{Assets: []assetRecord{updated}}); err != nil {
		return err
	}

	*rec = updated

	l.log.Info("Asset revoked", slog.Uint64("id", id))
	l.notify(interfaces.AssetRevoked{ID: id})
	return nil
}

// PurchaseAccess implements interfaces.Ledger. Validation, settlement, the
// grant write and the refund commit as one unit. No external call happens
// while the mutation is in flight, which rules out reentrancy.
func (l *Ledger) PurchaseAccess(caller interfaces.AccountAddress, datasetID, applicationID uint64, payment *big.Int) (*interfaces.PurchaseReceipt, error) {
	if payment == nil || payment.Sign() < 0 {
		return nil, fmt.Errorf("%w: payment must be a non-negative integer", interfaces.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dataset, ok := l.assets[datasetID]
	if !ok {
		return nil, fmt.Errorf("%w: dataset id %d", interfaces.ErrNotFound, datasetID)
	}
	application, ok := l.assets[applicationID]
	if !ok {
		return nil, fmt.Errorf("%w: application id %d", interfaces.ErrNotFound, applicationID)
	}

	if dataset.Kind != interfaces.Dataset {
		return nil, fmt.Errorf("%w: asset %d is not a dataset", interfaces.ErrTypeMismatch, datasetID)
	}
	if application.Kind != interfaces.Application {
		return nil, fmt.Errorf("%w: asset %d is not an application", interfaces.ErrTypeMismatch, applicationID)
	}

	if !dataset.Active {
		return nil, fmt.Errorf("%w: dataset %d", interfaces.ErrInactive, datasetID)
	}
	if !application.Active {
		return nil, fmt.Errorf("%w: application %d", interfaces.ErrInactive, applicationID)
	}

	total := new(big.Int).Add(dataset.Price, application.Price)
	if payment.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: need %s, got %s", interfaces.ErrInsufficientPayment, total, payment)
	}

	buyerBalance := l.balanceLocked(caller)
	if buyerBalance.Cmp(payment) < 0 {
		return nil, fmt.Errorf("%w: need %s, have %s", interfaces.ErrInsufficientBalance, payment, buyerBalance)
	}

	refund := new(big.Int).Sub(payment, total)
	grant := interfaces.ComputeGrantKey(dataset.CipherRef, application.CipherRef, caller)

	// The buyer is debited the full payment, then the refund is credited
	// back, so the net debit is exactly the combined price.
	newBalances := map[interfaces.AccountAddress]*big.Int{
		caller: new(big.Int).Add(new(big.Int).Sub(buyerBalance, payment), refund),
	}
	creditLocked(newBalances, l.balanceLocked(dataset.Owner), dataset.Owner, dataset.Price)
	creditLocked(newBalances, l.balanceLocked(application.Owner), application.Owner, application.Price)

	if err := l.apply(Batch{Grants: []interfaces.GrantKey{grant}, Balances: newBalances}); err != nil {
		return nil, err
	}

	l.grants[grant] = true
	for account, balance := range newBalances {
		l.balances[account] = balance
	}

	l.log.Info("Access purchased",
		slog.String("grant", grant.String()),
		slog.Uint64("dataset_id", datasetID),
		slog.Uint64("application_id", applicationID),
		slog.String("buyer", caller.String()),
		slog.String("refund", refund.String()))

	l.notify(interfaces.AccessPurchased{
		Grant:             grant,
		DatasetID:         datasetID,
		ApplicationID:     applicationID,
		Buyer:             caller,
		DatasetAmount:     new(big.Int).Set(dataset.Price),
		ApplicationAmount: new(big.Int).Set(application.Price),
		Refund:            refund,
	})

	return &interfaces.PurchaseReceipt{
		Grant:             grant,
		DatasetAmount:     new(big.Int).Set(dataset.Price),
		ApplicationAmount: new(big.Int).Set(application.Price),
		Refund:            new(big.Int).Set(refund),
	}, nil
}

// creditLocked accumulates a credit on top of the account's current
// balance, folding multiple credits to the same account (an owner buying
// their own asset, or one owner owning both assets).
func creditLocked(balances map[interfaces.AccountAddress]*big.Int, current *big.Int, account interfaces.AccountAddress, amount *big.Int) {
	if existing, ok := balances[account]; ok {
		existing.Add(existing, amount)
		return
	}
	balances[account] = new(big.Int).Add(current, amount)
}

// HasAccess implements interfaces.Ledger.
func (l *Ledger) HasAccess(user interfaces.AccountAddress, datasetRef, applicationRef interfaces.ContentID) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.grants[interfaces.ComputeGrantKey(datasetRef, applicationRef, user)], nil
}

// GetAsset implements interfaces.Ledger.
func (l *Ledger) GetAsset(id uint64) (interfaces.Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.assets[id]
	if !ok {
		return interfaces.Asset{}, fmt.Errorf("%w: id %d", interfaces.ErrNotFound, id)
	}

	asset := rec.Asset
	asset.Price = new(big.Int).Set(rec.Price)
	asset.Whitelist = cloneBloom(rec.Whitelist)
	return asset, nil
}

// Deposit credits an account's escrow balance.
func (l *Ledger) Deposit(account interfaces.AccountAddress, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be a positive integer", interfaces.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newBalance := new(big.Int).Add(l.balanceLocked(account), amount)
	if err := l.apply(Batch{Balances: map[interfaces.AccountAddress]*big.Int{account: newBalance}}); err != nil {
		return err
	}

	l.balances[account] = newBalance
	return nil
}

// BalanceOf returns an account's current escrow balance.
func (l *Ledger) BalanceOf(account interfaces.AccountAddress) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return new(big.Int).Set(l.balanceLocked(account))
}

func (l *Ledger) balanceLocked(account interfaces.AccountAddress) *big.Int {
	if balance, ok := l.balances[account]; ok {
		return balance
	}
	return new(big.Int)
}

// apply commits a mutation batch to the durable store before any
// in-memory state changes. A store failure aborts the whole operation.
func (l *Ledger) apply(batch Batch) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Apply(batch); err != nil {
		return fmt.Errorf("ledger store rejected mutation: %w", err)
	}
	return nil
}

// Subscribe registers a notification channel with the given buffer size.
// The returned cancel function drops the subscription. Slow subscribers
// lose notifications rather than stalling mutations.
func (l *Ledger) Subscribe(buffer int) (<-chan interfaces.Notification, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.subID
	l.subID++
	ch := make(chan interfaces.Notification, buffer)
	l.subs[id] = ch

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if existing, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (l *Ledger) notify(notification interfaces.Notification) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for _, ch := range l.subs {
		select {
		case ch <- notification:
		default:
			l.log.Warn("Dropping ledger notification for slow subscriber",
				slog.String("topic", notification.Topic()))
		}
	}
}

func cloneBloom(bloom *types.Bloom) *types.Bloom {
	if bloom == nil {
		return nil
	}
	clone := *bloom
	return &clone
}
