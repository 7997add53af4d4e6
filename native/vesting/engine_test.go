package vesting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"tokenvest/core/events"
	"tokenvest/storage"
)

type mockCustody struct {
	mu         sync.Mutex
	vaults     map[Key]uint64
	balances   map[common.Address]uint64
	fundErr    error
	releaseErr error
	releases   int
}

func newMockCustody() *mockCustody {
	return &mockCustody{
		vaults:   make(map[Key]uint64),
		balances: make(map[common.Address]uint64),
	}
}

func (m *mockCustody) Fund(_ context.Context, key Key, from common.Address, _ string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fundErr != nil {
		return m.fundErr
	}
	if m.balances[from] < amount {
		return fmt.Errorf("insufficient balance: have %d need %d", m.balances[from], amount)
	}
	m.balances[from] -= amount
	m.vaults[key] += amount
	return nil
}

func (m *mockCustody) Release(_ context.Context, key Key, to common.Address, _ string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return m.releaseErr
	}
	if m.vaults[key] < amount {
		return fmt.Errorf("vault underfunded: have %d need %d", m.vaults[key], amount)
	}
	m.vaults[key] -= amount
	m.balances[to] += amount
	m.releases++
	return nil
}

func (m *mockCustody) balance(addr common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

func (m *mockCustody) vault(key Key) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaults[key]
}

var (
	testCreator     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testBeneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func newTestEngine(t *testing.T) (*Engine, *mockCustody, *events.Recorder) {
	t.Helper()
	custody := newMockCustody()
	custody.balances[testCreator] = 1_000_000
	recorder := &events.Recorder{}
	engine := NewEngine()
	engine.SetStore(NewKVStore(storage.NewMemDB()))
	engine.SetCustody(custody)
	engine.SetEmitter(recorder)
	return engine, custody, recorder
}

func exampleParams() InitParams {
	return InitParams{
		Beneficiary:   testBeneficiary,
		Creator:       testCreator,
		Asset:         "VEST",
		StartTs:       1000,
		EndTs:         2000,
		InitialUnlock: 100,
		Total:         1000,
	}
}

func TestInitializeFundsVaultAndEmits(t *testing.T) {
	engine, custody, recorder := newTestEngine(t)
	sched, err := engine.Initialize(context.Background(), exampleParams())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if sched.Withdrawn != 0 {
		t.Fatalf("new schedule must start with nothing withdrawn, got %d", sched.Withdrawn)
	}
	if got := custody.vault(sched.Key()); got != 1000 {
		t.Fatalf("vault holds %d, want 1000", got)
	}
	if got := custody.balance(testCreator); got != 999_000 {
		t.Fatalf("creator balance %d, want 999000", got)
	}
	evts := recorder.OfType(events.TypeVestingInitialized)
	if len(evts) != 1 {
		t.Fatalf("expected one initialized event, got %d", len(evts))
	}
	if attr := evts[0].Event().Attributes["totalAmount"]; attr != "1000" {
		t.Fatalf("unexpected total attribute %q", attr)
	}
}

func TestInitializeRejectsInvalidParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*InitParams)
		want   error
	}{
		{name: "end equals start", mutate: func(p *InitParams) { p.EndTs = p.StartTs }, want: ErrInvalidSchedule},
		{name: "end before start", mutate: func(p *InitParams) { p.EndTs = p.StartTs - 1 }, want: ErrInvalidSchedule},
		{name: "zero total", mutate: func(p *InitParams) { p.Total = 0; p.InitialUnlock = 0 }, want: ErrInvalidAmount},
		{name: "unlock above total", mutate: func(p *InitParams) { p.InitialUnlock = p.Total + 1 }, want: ErrInvalidAmount},
		{name: "bad asset", mutate: func(p *InitParams) { p.Asset = "" }, want: ErrInvalidAsset},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, custody, recorder := newTestEngine(t)
			params := exampleParams()
			tc.mutate(&params)
			if _, err := engine.Initialize(context.Background(), params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := custody.balance(testCreator); got != 1_000_000 {
				t.Fatalf("creator was debited on rejected init: %d", got)
			}
			if len(recorder.Events()) != 0 {
				t.Fatalf("rejected init emitted events")
			}
			if _, err := engine.Get(context.Background(), ScheduleKey(params.Creator, params.Beneficiary)); !errors.Is(err, ErrNotFound) {
				t.Fatalf("rejected init persisted a schedule: %v", err)
			}
		})
	}
}

func TestInitializeDuplicateDoesNotRefund(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	if _, err := engine.Initialize(context.Background(), exampleParams()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Initialize(context.Background(), exampleParams()); !errors.Is(err, ErrScheduleExists) {
		t.Fatalf("expected ErrScheduleExists, got %v", err)
	}
	if got := custody.balance(testCreator); got != 999_000 {
		t.Fatalf("duplicate init moved funds: %d", got)
	}
}

func TestInitializeFundFailurePersistsNothing(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	custody.balances[testCreator] = 10
	params := exampleParams()
	if _, err := engine.Initialize(context.Background(), params); err == nil {
		t.Fatalf("expected funding failure")
	}
	if _, err := engine.Get(context.Background(), ScheduleKey(params.Creator, params.Beneficiary)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no schedule after failed funding, got %v", err)
	}
}

func TestClaimWorkedExample(t *testing.T) {
	engine, custody, recorder := newTestEngine(t)
	ctx := context.Background()
	sched, err := engine.Initialize(ctx, exampleParams())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	key := sched.Key()

	if _, err := engine.Claim(ctx, key, 999); !errors.Is(err, ErrNoTokensToClaim) {
		t.Fatalf("expected ErrNoTokensToClaim before start, got %v", err)
	}

	res, err := engine.Claim(ctx, key, 1500)
	if err != nil {
		t.Fatalf("claim at 1500: %v", err)
	}
	if res.Released != 550 || res.Schedule.Withdrawn != 550 {
		t.Fatalf("unexpected claim result %+v", res)
	}
	if res.Phase != PhaseVesting {
		t.Fatalf("unexpected phase %s", res.Phase)
	}

	if _, err := engine.Claim(ctx, key, 1500); !errors.Is(err, ErrNoTokensToClaim) {
		t.Fatalf("expected ErrNoTokensToClaim on repeat, got %v", err)
	}

	res, err = engine.Claim(ctx, key, 2500)
	if err != nil {
		t.Fatalf("claim at 2500: %v", err)
	}
	if res.Released != 450 || res.Schedule.Withdrawn != 1000 {
		t.Fatalf("unexpected final claim %+v", res)
	}
	if res.Phase != PhaseFullyVested {
		t.Fatalf("unexpected phase %s", res.Phase)
	}

	if _, err := engine.Claim(ctx, key, 3000); !errors.Is(err, ErrNoTokensToClaim) {
		t.Fatalf("expected ErrNoTokensToClaim after full withdrawal, got %v", err)
	}
	if got := custody.balance(testBeneficiary); got != 1000 {
		t.Fatalf("beneficiary balance %d, want 1000", got)
	}
	if got := custody.vault(key); got != 0 {
		t.Fatalf("vault should be empty, holds %d", got)
	}
	if got := len(recorder.OfType(events.TypeVestingClaimed)); got != 2 {
		t.Fatalf("expected two claim events, got %d", got)
	}
}

func TestClaimSumMatchesVested(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	ctx := context.Background()
	params := exampleParams()
	params.Total = 997
	params.InitialUnlock = 13
	params.EndTs = 1777
	sched, err := engine.Initialize(ctx, params)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	var released uint64
	for now := int64(900); now <= 1900; now += 37 {
		res, err := engine.Claim(ctx, sched.Key(), now)
		if errors.Is(err, ErrNoTokensToClaim) {
			continue
		}
		if err != nil {
			t.Fatalf("claim at %d: %v", now, err)
		}
		released += res.Released
		vested, err := VestedAmount(params.Total, params.InitialUnlock, params.StartTs, params.EndTs, now)
		if err != nil {
			t.Fatalf("vested: %v", err)
		}
		if released != vested {
			t.Fatalf("at %d released %d, vested %d", now, released, vested)
		}
	}
	if released != params.Total {
		t.Fatalf("released %d, want %d", released, params.Total)
	}
	if got := custody.balance(testBeneficiary); got != params.Total {
		t.Fatalf("beneficiary balance %d, want %d", got, params.Total)
	}
}

func TestConcurrentClaimsReleaseOnce(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	ctx := context.Background()
	sched, err := engine.Initialize(ctx, exampleParams())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		released  uint64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Claim(ctx, sched.Key(), 1500)
			if err != nil {
				if !errors.Is(err, ErrNoTokensToClaim) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			successes++
			released += res.Released
			mu.Unlock()
		}()
	}
	wg.Wait()
	if successes != 1 || released != 550 {
		t.Fatalf("expected one claim of 550, got %d claims releasing %d", successes, released)
	}
	if got := custody.balance(testBeneficiary); got != 550 {
		t.Fatalf("beneficiary balance %d, want 550", got)
	}
}

func TestClaimReleaseFailureLeavesWithdrawn(t *testing.T) {
	engine, custody, recorder := newTestEngine(t)
	ctx := context.Background()
	sched, err := engine.Initialize(ctx, exampleParams())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	custody.releaseErr = errors.New("custody offline")
	if _, err := engine.Claim(ctx, sched.Key(), 1500); !errors.Is(err, custody.releaseErr) {
		t.Fatalf("expected release error, got %v", err)
	}
	stored, err := engine.Get(ctx, sched.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Withdrawn != 0 {
		t.Fatalf("withdrawn advanced after failed release: %d", stored.Withdrawn)
	}
	if got := len(recorder.OfType(events.TypeVestingClaimed)); got != 0 {
		t.Fatalf("failed claim emitted %d events", got)
	}

	custody.releaseErr = nil
	res, err := engine.Claim(ctx, sched.Key(), 1500)
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if res.Released != 550 {
		t.Fatalf("retry released %d, want 550", res.Released)
	}
}

func TestClaimRequiresBeneficiaryAuthorization(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	ctx := context.Background()
	sched, err := engine.Initialize(ctx, exampleParams())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	engine.SetAuthorizer(AuthorizerFunc(func(_ context.Context, action Action, party common.Address) error {
		if action == ActionClaim && party == testBeneficiary {
			return errors.New("signature missing")
		}
		return nil
	}))
	if _, err := engine.Claim(ctx, sched.Key(), 1500); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if custody.releases != 0 {
		t.Fatalf("unauthorized claim released funds")
	}
}

func TestInitializeRequiresCreatorAuthorization(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	engine.SetAuthorizer(AuthorizerFunc(func(context.Context, Action, common.Address) error {
		return ErrUnauthorized
	}))
	if _, err := engine.Initialize(context.Background(), exampleParams()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := custody.balance(testCreator); got != 1_000_000 {
		t.Fatalf("unauthorized init moved funds")
	}
}

func TestClaimUnknownSchedule(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Claim(context.Background(), Key{1}, 1500); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusDoesNotMutate(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	sched, err := engine.Initialize(ctx, exampleParams())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	status, err := engine.Status(ctx, sched.Key(), 1500)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Vested != 550 || status.Claimable != 550 || status.Phase != PhaseVesting {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := engine.Claim(ctx, sched.Key(), 1500); err != nil {
		t.Fatalf("claim after status: %v", err)
	}
	status, err = engine.Status(ctx, sched.Key(), 1500)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Claimable != 0 {
		t.Fatalf("claimable after claim %d, want 0", status.Claimable)
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Initialize(context.Background(), exampleParams()); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
	engine.SetStore(NewKVStore(storage.NewMemDB()))
	if _, err := engine.Claim(context.Background(), Key{}, 0); !errors.Is(err, ErrNilCustody) {
		t.Fatalf("expected ErrNilCustody, got %v", err)
	}
}

func TestEngineClockOverride(t *testing.T) {
	engine := NewEngine()
	engine.SetNowFunc(func() int64 { return 42 })
	if got := engine.Now(); got != 42 {
		t.Fatalf("unexpected clock value %d", got)
	}
}

func TestInitializeOneSchedulePerPair(t *testing.T) {
	engine, custody, _ := newTestEngine(t)
	if _, err := engine.Initialize(context.Background(), exampleParams()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	params := exampleParams()
	params.Asset = "OTHER"
	if _, err := engine.Initialize(context.Background(), params); !errors.Is(err, ErrScheduleExists) {
		t.Fatalf("expected ErrScheduleExists for a second asset, got %v", err)
	}
	if got := custody.balance(testCreator); got != 999_000 {
		t.Fatalf("second schedule moved funds: %d", got)
	}
}
