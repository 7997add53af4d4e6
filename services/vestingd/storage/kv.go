package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"tokenvest/native/custody"
	kv "tokenvest/storage"
)

// KVLedger adapts the key-value custody ledger to the context-aware balance
// API used by the daemon.
type KVLedger struct {
	*custody.Ledger
}

// NewKVLedger creates a custody ledger over db.
func NewKVLedger(db kv.Database) *KVLedger {
	return &KVLedger{Ledger: custody.NewLedger(db)}
}

// Balance returns the balance of addr in asset.
func (l *KVLedger) Balance(_ context.Context, addr common.Address, asset string) (uint64, error) {
	return l.Ledger.Balance(addr, asset)
}

// Credit mints amount to addr.
func (l *KVLedger) Credit(_ context.Context, addr common.Address, asset string, amount uint64) error {
	return l.Ledger.Credit(addr, asset, amount)
}
