package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"tokenvest/native/vesting"
)

// SQL drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("vestingd storage path must be configured")

// DB wraps the gorm handle shared by the schedule store, the custody ledger and
// the idempotency table. Writes that span several tables run in one
// transaction carried through the context.
type DB struct {
	gorm     *gorm.DB
	postgres bool
}

// Open connects to the SQL backend and applies migrations. SQLite is limited to
// a single connection so transactions serialize.
func Open(driver, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{gorm: db, postgres: driver == DriverPostgres}, nil
}

// Gorm exposes the underlying handle.
func (d *DB) Gorm() *gorm.DB { return d.gorm }

// Close releases database resources.
func (d *DB) Close() error {
	if d == nil || d.gorm == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type txKey struct{}

func (d *DB) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return d.gorm.WithContext(ctx)
}

// inTx runs fn in the transaction already carried by ctx, or opens one.
func (d *DB) inTx(ctx context.Context, fn func(context.Context, *gorm.DB) error) error {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx, tx)
	}
	return d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx), tx)
	})
}

func (d *DB) forUpdate(tx *gorm.DB) *gorm.DB {
	if d.postgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// Store implements vesting.Store on SQL. Funding and the schedule insert, and
// custody release and the withdrawn update, commit in one transaction.
type Store struct {
	db *DB
}

// NewStore wraps db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Insert(ctx context.Context, sched *vesting.Schedule, fund func(context.Context) error) error {
	if s == nil || s.db == nil {
		return vesting.ErrNilState
	}
	if sched == nil {
		return fmt.Errorf("vesting: nil schedule")
	}
	record := recordFromSchedule(sched)
	return s.db.inTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ScheduleRecord{}).Where("schedule_key = ?", record.ScheduleKey).Count(&count).Error; err != nil {
			return fmt.Errorf("vesting: lookup schedule: %w", err)
		}
		if count > 0 {
			return vesting.ErrScheduleExists
		}
		if err := tx.Create(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return vesting.ErrScheduleExists
			}
			return fmt.Errorf("vesting: insert schedule: %w", err)
		}
		if fund != nil {
			return fund(ctx)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, key vesting.Key) (*vesting.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, vesting.ErrNilState
	}
	var record ScheduleRecord
	if err := s.db.conn(ctx).First(&record, "schedule_key = ?", key.Hex()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vesting.ErrNotFound
		}
		return nil, fmt.Errorf("vesting: load schedule: %w", err)
	}
	return record.schedule()
}

func (s *Store) Update(ctx context.Context, key vesting.Key, apply func(context.Context, *vesting.Schedule) error) error {
	if s == nil || s.db == nil {
		return vesting.ErrNilState
	}
	return s.db.inTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var record ScheduleRecord
		if err := s.db.forUpdate(tx).First(&record, "schedule_key = ?", key.Hex()).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return vesting.ErrNotFound
			}
			return fmt.Errorf("vesting: load schedule: %w", err)
		}
		current, err := record.schedule()
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := apply(ctx, next); err != nil {
			return err
		}
		if next.Withdrawn < current.Withdrawn {
			return fmt.Errorf("%w: withdrawn amount cannot decrease", vesting.ErrAccountingInconsistency)
		}
		res := tx.Model(&ScheduleRecord{}).
			Where("schedule_key = ? AND withdrawn_amount = ?", record.ScheduleKey, record.WithdrawnAmount).
			Update("withdrawn_amount", formatAmount(next.Withdrawn))
		if res.Error != nil {
			return fmt.Errorf("vesting: update schedule: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return vesting.ErrConflict
		}
		return nil
	})
}

func recordFromSchedule(s *vesting.Schedule) ScheduleRecord {
	return ScheduleRecord{
		ScheduleKey:     s.Key().Hex(),
		Creator:         s.Creator.Hex(),
		Beneficiary:     s.Beneficiary.Hex(),
		Asset:           s.Asset,
		StartTs:         s.StartTs,
		EndTs:           s.EndTs,
		InitialUnlock:   formatAmount(s.InitialUnlock),
		TotalAmount:     formatAmount(s.Total),
		WithdrawnAmount: formatAmount(s.Withdrawn),
	}
}

func (r ScheduleRecord) schedule() (*vesting.Schedule, error) {
	initial, err := parseAmount(r.InitialUnlock)
	if err != nil {
		return nil, err
	}
	total, err := parseAmount(r.TotalAmount)
	if err != nil {
		return nil, err
	}
	withdrawn, err := parseAmount(r.WithdrawnAmount)
	if err != nil {
		return nil, err
	}
	return &vesting.Schedule{
		Beneficiary:   common.HexToAddress(r.Beneficiary),
		Creator:       common.HexToAddress(r.Creator),
		Asset:         r.Asset,
		StartTs:       r.StartTs,
		EndTs:         r.EndTs,
		InitialUnlock: initial,
		Total:         total,
		Withdrawn:     withdrawn,
	}, nil
}

func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }

func parseAmount(raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("vestingd storage: decode amount %q: %w", raw, err)
	}
	return v, nil
}
