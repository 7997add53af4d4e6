package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"tokenvest/native/vesting"
	"tokenvest/services/vestingd/config"
	"tokenvest/services/vestingd/server"
	"tokenvest/services/vestingd/storage"
	kv "tokenvest/storage"
)

// ledger is the custody surface the daemon needs beyond the engine contract.
type ledger interface {
	vesting.Custody
	server.BalanceReader
	Credit(ctx context.Context, addr common.Address, asset string, amount uint64) error
	SetAssets(symbols []string) error
}

type backend struct {
	store       vesting.Store
	ledger      ledger
	idempotency server.IdempotencyStore
	close       func() error
}

// openBackend wires the schedule store, custody ledger and idempotency table
// onto the configured driver. SQL drivers share one database so funding and
// claims commit atomically with the schedule.
func openBackend(cfg config.StorageConfig) (*backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		dsn := cfg.DSN
		if dsn == "" {
			var err error
			if dsn, err = storage.FileDSN(cfg.Path); err != nil {
				return nil, err
			}
		}
		db, err := storage.Open(cfg.Driver, dsn)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:       storage.NewStore(db),
			ledger:      storage.NewLedger(db),
			idempotency: storage.NewSQLIdempotency(db),
			close:       db.Close,
		}, nil
	case config.DriverLevelDB, config.DriverBolt, config.DriverMemory:
		db, err := openKV(cfg)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:       vesting.NewKVStore(db),
			ledger:      storage.NewKVLedger(db),
			idempotency: storage.NewKVIdempotency(db),
			close:       db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func openKV(cfg config.StorageConfig) (kv.Database, error) {
	switch cfg.Driver {
	case config.DriverLevelDB:
		return kv.NewLevelDB(cfg.Path)
	case config.DriverBolt:
		return kv.NewBoltDB(cfg.Path)
	default:
		return kv.NewMemDB(), nil
	}
}

// seedLedger applies the asset allowlist and credits genesis balances. An
// account that already holds the asset is left alone so restarts do not mint
// twice.
func seedLedger(ctx context.Context, l ledger, cfg config.LedgerConfig, logger *slog.Logger) error {
	if err := l.SetAssets(cfg.Assets); err != nil {
		return fmt.Errorf("ledger assets: %w", err)
	}
	for i, entry := range cfg.Genesis {
		parsed, err := entry.Parse()
		if err != nil {
			return fmt.Errorf("ledger.genesis[%d]: %w", i, err)
		}
		current, err := l.Balance(ctx, parsed.Address, parsed.Asset)
		if err != nil {
			return fmt.Errorf("ledger.genesis[%d]: %w", i, err)
		}
		if current != 0 {
			logger.Debug("genesis balance already present",
				"address", parsed.Address.Hex(), "asset", parsed.Asset)
			continue
		}
		if err := l.Credit(ctx, parsed.Address, parsed.Asset, parsed.Amount); err != nil {
			return fmt.Errorf("ledger.genesis[%d]: %w", i, err)
		}
		logger.Info("genesis balance credited",
			"address", parsed.Address.Hex(), "asset", parsed.Asset, "amount", parsed.Amount)
	}
	return nil
}
