package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tokenvest/native/custody"
	"tokenvest/native/vesting"
)

// Ledger is the SQL custody ledger. Transfers join the transaction carried by
// the context, so a release commits or rolls back with the schedule update.
type Ledger struct {
	db     *DB
	mu     sync.RWMutex
	assets custody.AssetSet
}

// NewLedger creates a ledger over db that accepts every well-formed asset.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// SetAssets restricts the ledger to the supplied symbols.
func (l *Ledger) SetAssets(symbols []string) error {
	set, err := custody.NewAssetSet(symbols)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.assets = set
	l.mu.Unlock()
	return nil
}

func (l *Ledger) normalizeAsset(symbol string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assets.Normalize(symbol)
}

// Balance returns the balance of addr in asset.
func (l *Ledger) Balance(ctx context.Context, addr common.Address, asset string) (uint64, error) {
	normalized, err := l.normalizeAsset(asset)
	if err != nil {
		return 0, err
	}
	var record BalanceRecord
	err = l.db.conn(ctx).First(&record, "address = ? AND asset = ?", addr.Hex(), normalized).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("custody: read balance: %w", err)
	}
	return parseAmount(record.Amount)
}

// Credit mints amount to addr.
func (l *Ledger) Credit(ctx context.Context, addr common.Address, asset string, amount uint64) error {
	normalized, err := l.normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return custody.ErrInvalidAmount
	}
	return l.db.inTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		current, err := l.lockBalance(tx, addr, normalized)
		if err != nil {
			return err
		}
		next := current + amount
		if next < current {
			return custody.ErrBalanceOverflow
		}
		return l.writeBalance(tx, addr, normalized, next)
	})
}

// Transfer moves amount of asset between two accounts inside one transaction.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, asset string, amount uint64) error {
	normalized, err := l.normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == 0 {
		return custody.ErrInvalidAmount
	}
	if from == to {
		return custody.ErrSelfTransfer
	}
	return l.db.inTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		// Row locks are taken in address order so opposite transfers cannot
		// deadlock on postgres.
		first, second := from, to
		if bytes.Compare(first[:], second[:]) > 0 {
			first, second = second, first
		}
		balances := make(map[common.Address]uint64, 2)
		for _, addr := range []common.Address{first, second} {
			balance, err := l.lockBalance(tx, addr, normalized)
			if err != nil {
				return err
			}
			balances[addr] = balance
		}
		if balances[from] < amount {
			return fmt.Errorf("%w: have %d, need %d", custody.ErrInsufficientBalance, balances[from], amount)
		}
		credited := balances[to] + amount
		if credited < balances[to] {
			return custody.ErrBalanceOverflow
		}
		if err := l.writeBalance(tx, from, normalized, balances[from]-amount); err != nil {
			return err
		}
		return l.writeBalance(tx, to, normalized, credited)
	})
}

// Fund implements vesting.Custody by locking amount in the schedule vault.
func (l *Ledger) Fund(ctx context.Context, key vesting.Key, from common.Address, asset string, amount uint64) error {
	return l.Transfer(ctx, from, custody.VaultAddress(key), asset, amount)
}

// Release implements vesting.Custody by paying amount out of the schedule vault.
func (l *Ledger) Release(ctx context.Context, key vesting.Key, to common.Address, asset string, amount uint64) error {
	return l.Transfer(ctx, custody.VaultAddress(key), to, asset, amount)
}

// lockBalance makes sure the row exists, then reads it under a row lock.
func (l *Ledger) lockBalance(tx *gorm.DB, addr common.Address, asset string) (uint64, error) {
	seed := BalanceRecord{Address: addr.Hex(), Asset: asset, Amount: "0"}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, fmt.Errorf("custody: seed balance: %w", err)
	}
	var record BalanceRecord
	if err := l.db.forUpdate(tx).First(&record, "address = ? AND asset = ?", addr.Hex(), asset).Error; err != nil {
		return 0, fmt.Errorf("custody: read balance: %w", err)
	}
	return parseAmount(record.Amount)
}

func (l *Ledger) writeBalance(tx *gorm.DB, addr common.Address, asset string, amount uint64) error {
	err := tx.Model(&BalanceRecord{}).
		Where("address = ? AND asset = ?", addr.Hex(), asset).
		Update("amount", formatAmount(amount)).Error
	if err != nil {
		return fmt.Errorf("custody: write balance: %w", err)
	}
	return nil
}
