package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"tokenvest/native/vesting"
	"tokenvest/storage"
)

var (
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrUnsupportedAsset    = errors.New("custody: unsupported asset")
	ErrInvalidAmount       = errors.New("custody: amount must be positive")
	ErrBalanceOverflow     = errors.New("custody: balance overflow")
	ErrSelfTransfer        = errors.New("custody: source and destination are identical")
)

var (
	balancePrefix = []byte("custody/balance/")
	vaultPrefix   = []byte("vault")
)

// VaultAddress derives the account that holds the locked balance of a
// schedule.
func VaultAddress(key vesting.Key) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256(vaultPrefix, key[:])[12:])
}

// AssetSet restricts which symbols a ledger accepts. A nil set accepts every
// well-formed symbol.
type AssetSet map[string]struct{}

// NewAssetSet normalizes symbols into a set. An empty list yields nil.
func NewAssetSet(symbols []string) (AssetSet, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	set := make(AssetSet, len(symbols))
	for _, symbol := range symbols {
		normalized, err := vesting.NormalizeAsset(symbol)
		if err != nil {
			return nil, err
		}
		set[normalized] = struct{}{}
	}
	return set, nil
}

// Normalize returns the canonical symbol or an error when it is malformed or
// not part of the set.
func (s AssetSet) Normalize(symbol string) (string, error) {
	normalized, err := vesting.NormalizeAsset(symbol)
	if err != nil {
		return "", err
	}
	if s != nil {
		if _, ok := s[normalized]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedAsset, normalized)
		}
	}
	return normalized, nil
}

// Ledger tracks per-account, per-asset balances in a key-value database and
// moves funds between accounts and schedule vaults. All transfers are
// serialized by a ledger-wide lock and written in a single batch. Fund and
// Release join a storage.Batch carried by the context, so a KVStore on the
// same database commits the balances with the schedule record.
type Ledger struct {
	db storage.Database
	mu sync.Mutex

	assetsMu sync.RWMutex
	assets   AssetSet
}

// NewLedger creates a ledger over db that accepts every well-formed asset.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// SetAssets restricts the ledger to the supplied symbols. An empty list lifts
// the restriction.
func (l *Ledger) SetAssets(symbols []string) error {
	set, err := NewAssetSet(symbols)
	if err != nil {
		return err
	}
	l.assetsMu.Lock()
	l.assets = set
	l.assetsMu.Unlock()
	return nil
}

func (l *Ledger) normalizeAsset(symbol string) (string, error) {
	l.assetsMu.RLock()
	set := l.assets
	l.assetsMu.RUnlock()
	return set.Normalize(symbol)
}

func balanceKey(addr common.Address, asset string) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(asset)+1+common.AddressLength)
	key = append(key, balancePrefix...)
	key = append(key, asset...)
	key = append(key, '/')
	return append(key, addr[:]...)
}

type balanceReader interface {
	Get(key []byte) ([]byte, error)
}

func readBalance(r balanceReader, addr common.Address, asset string) (uint64, error) {
	data, err := r.Get(balanceKey(addr, asset))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("custody: read balance: %w", err)
	}
	var balance uint64
	if err := rlp.DecodeBytes(data, &balance); err != nil {
		return 0, fmt.Errorf("custody: decode balance: %w", err)
	}
	return balance, nil
}

func encodeBalance(addr common.Address, asset string, balance uint64) (storage.Entry, error) {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("custody: encode balance: %w", err)
	}
	return storage.Entry{Key: balanceKey(addr, asset), Value: encoded}, nil
}

// Balance returns the balance of addr in asset.
func (l *Ledger) Balance(addr common.Address, asset string) (uint64, error) {
	normalized, err := l.normalizeAsset(asset)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return readBalance(l.db, addr, normalized)
}

// VaultBalance returns the locked balance of the schedule vault.
func (l *Ledger) VaultBalance(key vesting.Key, asset string) (uint64, error) {
	return l.Balance(VaultAddress(key), asset)
}

// Credit mints amount to addr. It is used to seed balances at genesis and in
// tests.
func (l *Ledger) Credit(addr common.Address, asset string, amount uint64) error {
	normalized, err := l.normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := readBalance(l.db, addr, normalized)
	if err != nil {
		return err
	}
	next := current + amount
	if next < current {
		return ErrBalanceOverflow
	}
	entry, err := encodeBalance(addr, normalized, next)
	if err != nil {
		return err
	}
	return l.db.PutBatch([]storage.Entry{entry})
}

// Transfer moves amount of asset from one account to another. Both balances
// are written together or not at all.
func (l *Ledger) Transfer(from, to common.Address, asset string, amount uint64) error {
	return l.transfer(context.Background(), from, to, asset, amount)
}

// transfer stages both balances on the batch carried by ctx when it targets
// the ledger database, holding the ledger lock until the batch closes.
// Otherwise it commits them directly.
func (l *Ledger) transfer(ctx context.Context, from, to common.Address, asset string, amount uint64) error {
	normalized, err := l.normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}

	var reader balanceReader = l.db
	batch, staged := storage.BatchFor(ctx, l.db)
	if staged {
		batch.Lock(&l.mu)
		reader = batch
	} else {
		l.mu.Lock()
		defer l.mu.Unlock()
	}

	fromBalance, err := readBalance(reader, from, normalized)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, fromBalance, amount)
	}
	toBalance, err := readBalance(reader, to, normalized)
	if err != nil {
		return err
	}
	credited := toBalance + amount
	if credited < toBalance {
		return ErrBalanceOverflow
	}
	debitEntry, err := encodeBalance(from, normalized, fromBalance-amount)
	if err != nil {
		return err
	}
	creditEntry, err := encodeBalance(to, normalized, credited)
	if err != nil {
		return err
	}
	if staged {
		batch.Put(debitEntry.Key, debitEntry.Value)
		batch.Put(creditEntry.Key, creditEntry.Value)
		return nil
	}
	return l.db.PutBatch([]storage.Entry{debitEntry, creditEntry})
}

// Fund implements vesting.Custody by locking amount in the schedule vault.
func (l *Ledger) Fund(ctx context.Context, key vesting.Key, from common.Address, asset string, amount uint64) error {
	return l.transfer(ctx, from, VaultAddress(key), asset, amount)
}

// Release implements vesting.Custody by paying amount out of the schedule
// vault. It never releases more than the vault holds.
func (l *Ledger) Release(ctx context.Context, key vesting.Key, to common.Address, asset string, amount uint64) error {
	return l.transfer(ctx, VaultAddress(key), to, asset, amount)
}
