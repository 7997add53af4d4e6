package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tokenvest/native/custody"
	"tokenvest/native/vesting"
	kv "tokenvest/storage"
)

var (
	creator     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func exampleParams() vesting.InitParams {
	return vesting.InitParams{
		Beneficiary:   beneficiary,
		Creator:       creator,
		Asset:         "VEST",
		StartTs:       1000,
		EndTs:         2000,
		InitialUnlock: 100,
		Total:         1000,
	}
}

func newSQLEngine(t *testing.T, custodyImpl vesting.Custody) (*vesting.Engine, *DB) {
	t.Helper()
	db := openTestDB(t)
	engine := vesting.NewEngine()
	engine.SetStore(NewStore(db))
	if custodyImpl == nil {
		custodyImpl = NewLedger(db)
	}
	engine.SetCustody(custodyImpl)
	return engine, db
}

func TestSQLEngineWorkedExample(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db)
	require.NoError(t, ledger.Credit(ctx, creator, "VEST", 5000))

	engine := vesting.NewEngine()
	engine.SetStore(NewStore(db))
	engine.SetCustody(ledger)

	sched, err := engine.Initialize(ctx, exampleParams())
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, creator, "VEST")
	require.NoError(t, err)
	require.Equal(t, uint64(4000), balance)

	res, err := engine.Claim(ctx, sched.Key(), 1500)
	require.NoError(t, err)
	require.Equal(t, uint64(550), res.Released)

	_, err = engine.Claim(ctx, sched.Key(), 1500)
	require.ErrorIs(t, err, vesting.ErrNoTokensToClaim)

	res, err = engine.Claim(ctx, sched.Key(), 2000)
	require.NoError(t, err)
	require.Equal(t, uint64(450), res.Released)

	stored, err := engine.Get(ctx, sched.Key())
	require.NoError(t, err)
	require.Equal(t, uint64(1000), stored.Withdrawn)

	balance, err = ledger.Balance(ctx, beneficiary, "VEST")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), balance)
	vault, err := ledger.Balance(ctx, custody.VaultAddress(sched.Key()), "VEST")
	require.NoError(t, err)
	require.Zero(t, vault)
}

func TestSQLStoreRoundTripsFullRangeAmounts(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t))
	sched := &vesting.Schedule{
		Beneficiary:   beneficiary,
		Creator:       creator,
		Asset:         "VEST",
		StartTs:       -5,
		EndTs:         1 << 62,
		InitialUnlock: 1,
		Total:         ^uint64(0),
	}
	require.NoError(t, store.Insert(ctx, sched, nil))
	got, err := store.Get(ctx, sched.Key())
	require.NoError(t, err)
	require.Equal(t, *sched, *got)

	require.ErrorIs(t, store.Insert(ctx, sched, nil), vesting.ErrScheduleExists)
	_, err = store.Get(ctx, vesting.Key{1})
	require.ErrorIs(t, err, vesting.ErrNotFound)
}

type failingRelease struct {
	*Ledger
}

func (f failingRelease) Release(ctx context.Context, key vesting.Key, to common.Address, asset string, amount uint64) error {
	if err := f.Ledger.Release(ctx, key, to, asset, amount); err != nil {
		return err
	}
	return errors.New("downstream failure after transfer")
}

func TestSQLClaimFailureRollsBackTransfer(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db)
	require.NoError(t, ledger.Credit(ctx, creator, "VEST", 1000))

	engine := vesting.NewEngine()
	engine.SetStore(NewStore(db))
	engine.SetCustody(failingRelease{Ledger: ledger})

	sched, err := engine.Initialize(ctx, exampleParams())
	require.NoError(t, err)

	_, err = engine.Claim(ctx, sched.Key(), 1500)
	require.Error(t, err)

	stored, err := engine.Get(ctx, sched.Key())
	require.NoError(t, err)
	require.Zero(t, stored.Withdrawn)

	balance, err := ledger.Balance(ctx, beneficiary, "VEST")
	require.NoError(t, err)
	require.Zero(t, balance)
	vault, err := ledger.Balance(ctx, custody.VaultAddress(sched.Key()), "VEST")
	require.NoError(t, err)
	require.Equal(t, uint64(1000), vault)
}

func TestSQLInitializeFundFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	engine, _ := newSQLEngine(t, nil)

	_, err := engine.Initialize(ctx, exampleParams())
	require.ErrorIs(t, err, custody.ErrInsufficientBalance)

	_, err = engine.Get(ctx, vesting.ScheduleKey(creator, beneficiary))
	require.ErrorIs(t, err, vesting.ErrNotFound)
}

func TestSQLConcurrentClaimsReleaseOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	ledger := NewLedger(db)
	require.NoError(t, ledger.Credit(ctx, creator, "VEST", 1000))

	// Separate engines share no in-process lock, so the store must serialize.
	newEngine := func() *vesting.Engine {
		engine := vesting.NewEngine()
		engine.SetStore(NewStore(db))
		engine.SetCustody(ledger)
		return engine
	}
	sched, err := newEngine().Initialize(ctx, exampleParams())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		released uint64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := newEngine().Claim(ctx, sched.Key(), 1500)
			if err != nil {
				if !errors.Is(err, vesting.ErrNoTokensToClaim) && !errors.Is(err, vesting.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			released += res.Released
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(550), released)

	balance, err := ledger.Balance(ctx, beneficiary, "VEST")
	require.NoError(t, err)
	require.Equal(t, uint64(550), balance)
}

func TestSQLLedgerRules(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))
	require.NoError(t, ledger.SetAssets([]string{"VEST"}))

	require.ErrorIs(t, ledger.Credit(ctx, creator, "DOGE", 1), custody.ErrUnsupportedAsset)
	require.ErrorIs(t, ledger.Credit(ctx, creator, "VEST", 0), custody.ErrInvalidAmount)
	require.NoError(t, ledger.Credit(ctx, creator, "VEST", ^uint64(0)))
	require.ErrorIs(t, ledger.Credit(ctx, creator, "VEST", 1), custody.ErrBalanceOverflow)
	require.ErrorIs(t, ledger.Transfer(ctx, creator, creator, "VEST", 1), custody.ErrSelfTransfer)
	require.ErrorIs(t, ledger.Transfer(ctx, beneficiary, creator, "VEST", 1), custody.ErrInsufficientBalance)

	require.NoError(t, ledger.Transfer(ctx, creator, beneficiary, "vest", 10))
	balance, err := ledger.Balance(ctx, beneficiary, "VEST")
	require.NoError(t, err)
	require.Equal(t, uint64(10), balance)
}

func exerciseIdempotency(t *testing.T, store interface {
	Lookup(context.Context, string) (*IdempotentResponse, error)
	Save(context.Context, IdempotentResponse) error
}) {
	t.Helper()
	ctx := context.Background()

	resp, err := store.Lookup(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, resp)

	first := IdempotentResponse{
		Key:       "claim-1",
		RequestID: uuid.NewString(),
		Method:    "POST",
		Path:      "/v1/schedules/x/claim",
		Status:    200,
		Body:      []byte(`{"released":"550"}`),
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, store.Save(ctx, first))

	second := first
	second.Status = 409
	second.Body = []byte(`{"error":"no_tokens_to_claim"}`)
	require.NoError(t, store.Save(ctx, second))

	resp, err = store.Lookup(ctx, "claim-1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, first.Body, resp.Body)
	require.Equal(t, first.Path, resp.Path)
}

func TestSQLIdempotency(t *testing.T) {
	exerciseIdempotency(t, NewSQLIdempotency(openTestDB(t)))
}

func TestKVIdempotency(t *testing.T) {
	exerciseIdempotency(t, NewKVIdempotency(kv.NewMemDB()))
}

func TestKVLedgerAdapter(t *testing.T) {
	ctx := context.Background()
	ledger := NewKVLedger(kv.NewMemDB())
	require.NoError(t, ledger.Credit(ctx, creator, "VEST", 7))
	balance, err := ledger.Balance(ctx, creator, "VEST")
	require.NoError(t, err)
	require.Equal(t, uint64(7), balance)
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)

	dsn, err := FileDSN("vestingd.sqlite")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:/"))
	require.Contains(t, dsn, "journal_mode(WAL)")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
