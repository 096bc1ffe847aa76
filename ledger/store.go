package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// Batch is one committed ledger mutation: the asset records it touched,
// the grants it wrote and the balances it settled. A store must persist a
// batch atomically or reject it entirely.
type Batch struct {
	Assets   []assetRecord
	Grants   []interfaces.GrantKey
	Balances map[interfaces.AccountAddress]*big.Int
	NextID   uint64
}

// State is the full persisted ledger state, loaded at startup.
type State struct {
	Assets   []assetRecord
	Grants   []interfaces.GrantKey
	Balances map[interfaces.AccountAddress]*big.Int
	NextID   uint64
}

// Store persists ledger state across process restarts. The ledger is the
// only writer; stores never mutate or interpret state on their own.
type Store interface {
	Apply(batch Batch) error
	Load() (*State, error)
	Close() error
}

var (
	assetPrefix   = []byte("asset/")
	grantPrefix   = []byte("grant/")
	balancePrefix = []byte("balance/")
	nextIDKey     = []byte("meta/next_id")
)

// persistedAsset is the on-disk encoding of an asset record.
type persistedAsset struct {
	ID            uint64 `json:"id"`
	Kind          uint8  `json:"kind"`
	Owner         string `json:"owner"`
	CipherRef     string `json:"cipher_ref"`
	ManifestRef   string `json:"manifest_ref"`
	ContentDigest string `json:"content_digest"`
	Price         string `json:"price"`
	Whitelist     []byte `json:"whitelist,omitempty"`
	Active        bool   `json:"active"`
	Revoked       bool   `json:"revoked"`
}

// BadgerStore is a ledger store on a local badger key-value database.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// NewBadgerStore opens (or creates) a badger database at the given path.
func NewBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	return &BadgerStore{db: db, log: log}, nil
}

// Apply implements Store. The whole batch commits in a single badger
// transaction.
func (s *BadgerStore) Apply(batch Batch) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range batch.Assets {
			encoded, err := json.Marshal(encodeAsset(rec))
			if err != nil {
				return fmt.Errorf("failed to encode asset %d: %w", rec.ID, err)
			}
			if err := txn.Set(assetKey(rec.ID), encoded); err != nil {
				return err
			}
		}

		for _, grant := range batch.Grants {
			if err := txn.Set(append(grantPrefix, grant[:]...), []byte{1}); err != nil {
				return err
			}
		}

		for account, balance := range batch.Balances {
			if err := txn.Set(append(balancePrefix, account[:]...), []byte(balance.String())); err != nil {
				return err
			}
		}

		if batch.NextID > 0 {
			var encoded [8]byte
			binary.BigEndian.PutUint64(encoded[:], batch.NextID)
			if err := txn.Set(nextIDKey, encoded[:]); err != nil {
				return err
			}
		}

		return nil
	})
}

// Load implements Store.
func (s *BadgerStore) Load() (*State, error) {
	state := &State{Balances: make(map[interfaces.AccountAddress]*big.Int)}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			switch {
			case hasPrefix(key, assetPrefix):
				var encoded persistedAsset
				if err := json.Unmarshal(value, &encoded); err != nil {
					return fmt.Errorf("corrupt asset record %x: %w", key, err)
				}
				rec, err := decodeAsset(encoded)
				if err != nil {
					return fmt.Errorf("corrupt asset record %x: %w", key, err)
				}
				state.Assets = append(state.Assets, rec)

			case hasPrefix(key, grantPrefix):
				var grant interfaces.GrantKey
				copy(grant[:], key[len(grantPrefix):])
				state.Grants = append(state.Grants, grant)

			case hasPrefix(key, balancePrefix):
				var account interfaces.AccountAddress
				copy(account[:], key[len(balancePrefix):])
				balance, ok := new(big.Int).SetString(string(value), 10)
				if !ok {
					return fmt.Errorf("corrupt balance record %x", key)
				}
				state.Balances[account] = balance
			}
		}

		item, err := txn.Get(nextIDKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		state.NextID = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func assetKey(id uint64) []byte {
	key := make([]byte, len(assetPrefix)+8)
	copy(key, assetPrefix)
	binary.BigEndian.PutUint64(key[len(assetPrefix):], id)
	return key
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}

func encodeAsset(rec assetRecord) persistedAsset {
	encoded := persistedAsset{
		ID:            rec.ID,
		Kind:          uint8(rec.Kind),
		Owner:         rec.Owner.String(),
		CipherRef:     rec.CipherRef.String(),
		ManifestRef:   rec.ManifestRef.String(),
		ContentDigest: rec.ContentDigest.String(),
		Price:         rec.Price.String(),
		Active:        rec.Active,
		Revoked:       rec.Revoked,
	}
	if rec.Whitelist != nil {
		encoded.Whitelist = rec.Whitelist.Bytes()
	}
	return encoded
}

func decodeAsset(encoded persistedAsset) (assetRecord, error) {
	owner, err := interfaces.NewAccountAddressFromHex(encoded.Owner)
	if err != nil {
		return assetRecord{}, err
	}
	cipherRef, err := interfaces.NewContentIDFromHex(encoded.CipherRef)
	if err != nil {
		return assetRecord{}, err
	}
	manifestRef, err := interfaces.NewContentIDFromHex(encoded.ManifestRef)
	if err != nil {
		return assetRecord{}, err
	}
	digest, err := interfaces.NewContentDigestFromHex(encoded.ContentDigest)
	if err != nil {
		return assetRecord{}, err
	}
	price, ok := new(big.Int).SetString(encoded.Price, 10)
	if !ok {
		return assetRecord{}, fmt.Errorf("invalid price %q", encoded.Price)
	}

	rec := assetRecord{
		Asset: interfaces.Asset{
			ID:            encoded.ID,
			Kind:          interfaces.AssetKind(encoded.Kind),
			Owner:         owner,
			CipherRef:     cipherRef,
			ManifestRef:   manifestRef,
			ContentDigest: digest,
			Price:         price,
			Active:        encoded.Active,
		},
		Revoked: encoded.Revoked,
	}
	if len(encoded.Whitelist) == types.BloomByteLength {
		bloom := types.BytesToBloom(encoded.Whitelist)
		rec.Whitelist = &bloom
	}
	return rec, nil
}
