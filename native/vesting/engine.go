package vesting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tokenvest/core/events"
)

// Custody moves the vested asset in and out of the vault that backs a
// schedule. Each call succeeds or fails as a whole, and Release must refuse to
// move more than the vault holds. Vault addressing belongs to the
// implementation.
type Custody interface {
	Fund(ctx context.Context, key Key, from common.Address, asset string, amount uint64) error
	Release(ctx context.Context, key Key, to common.Address, asset string, amount uint64) error
}

// Action identifies the operation being authorized.
type Action string

const (
	ActionInitialize Action = "initialize"
	ActionClaim      Action = "claim"
)

// Authorizer decides whether the caller carried by ctx may act for party.
type Authorizer interface {
	Authorize(ctx context.Context, action Action, party common.Address) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, action Action, party common.Address) error

func (f AuthorizerFunc) Authorize(ctx context.Context, action Action, party common.Address) error {
	return f(ctx, action, party)
}

// AllowAll approves every request. It is the default when the caller has
// already been authorized upstream.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Action, common.Address) error { return nil })

// ClaimResult reports the outcome of a successful claim.
type ClaimResult struct {
	Key       Key
	Released  uint64
	Schedule  *Schedule
	Phase     Phase
	ClaimedAt int64
}

// Status is a read-only view of a schedule at an instant.
type Status struct {
	Key       Key
	Schedule  *Schedule
	Phase     Phase
	Vested    uint64
	Claimable uint64
	At        int64
}

// Engine wires the vesting accounting rules to the external store, custody,
// authorization and event collaborators.
type Engine struct {
	store   Store
	custody Custody
	auth    Authorizer
	emitter events.Emitter
	nowFn   func() int64
	locks   keyedMutex
}

// NewEngine creates an engine with a no-op emitter, an allow-all authorizer and
// the wall clock. The store and custody must be configured before use.
func NewEngine() *Engine {
	return &Engine{
		auth:    AllowAll,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetStore configures the persistence backend.
func (e *Engine) SetStore(store Store) { e.store = store }

// SetCustody configures the asset custody backend.
func (e *Engine) SetCustody(custody Custody) { e.custody = custody }

// SetAuthorizer configures the capability check. Passing nil restores AllowAll.
func (e *Engine) SetAuthorizer(auth Authorizer) {
	if auth == nil {
		e.auth = AllowAll
		return
	}
	e.auth = auth
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests and for
// callers that need a deterministic clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Now returns the engine clock in unix seconds.
func (e *Engine) Now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	if e.custody == nil {
		return ErrNilCustody
	}
	return nil
}

func (e *Engine) authorize(ctx context.Context, action Action, party common.Address) error {
	if e.auth == nil {
		return nil
	}
	if err := e.auth.Authorize(ctx, action, party); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// Initialize validates the parameters, moves Total from the creator into the
// schedule vault and persists the schedule with nothing withdrawn. On any
// error nothing is persisted or funded.
func (e *Engine) Initialize(ctx context.Context, params InitParams) (*Schedule, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	p, err := params.Sanitize()
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, ActionInitialize, p.Creator); err != nil {
		return nil, err
	}
	sched := &Schedule{
		Beneficiary:   p.Beneficiary,
		Creator:       p.Creator,
		Asset:         p.Asset,
		StartTs:       p.StartTs,
		EndTs:         p.EndTs,
		InitialUnlock: p.InitialUnlock,
		Total:         p.Total,
	}
	key := sched.Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	fund := func(ctx context.Context) error {
		if err := e.custody.Fund(ctx, key, sched.Creator, sched.Asset, sched.Total); err != nil {
			return fmt.Errorf("vesting: fund vault: %w", err)
		}
		return nil
	}
	if err := e.store.Insert(ctx, sched.Clone(), fund); err != nil {
		return nil, err
	}
	e.emit(events.VestingInitialized{
		Key:           key,
		Creator:       sched.Creator,
		Beneficiary:   sched.Beneficiary,
		Asset:         sched.Asset,
		StartTs:       sched.StartTs,
		EndTs:         sched.EndTs,
		InitialUnlock: sched.InitialUnlock,
		Total:         sched.Total,
	})
	return sched.Clone(), nil
}

// Claim releases everything vested at now that has not been withdrawn yet.
// The read of the schedule, the custody release and the commit of the new
// withdrawn total happen under one per-key lock inside a single store update,
// so two claims can never release the same units.
func (e *Engine) Claim(ctx context.Context, key Key, now int64) (*ClaimResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(key)
	defer unlock()

	current, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, ActionClaim, current.Beneficiary); err != nil {
		return nil, err
	}

	var result *ClaimResult
	err = e.store.Update(ctx, key, func(ctx context.Context, sched *Schedule) error {
		claimable, err := sched.Claimable(now)
		if err != nil {
			return err
		}
		if claimable == 0 {
			return ErrNoTokensToClaim
		}
		withdrawn, err := checkedAdd(sched.Withdrawn, claimable)
		if err != nil {
			return err
		}
		if err := e.custody.Release(ctx, key, sched.Beneficiary, sched.Asset, claimable); err != nil {
			return fmt.Errorf("vesting: release from vault: %w", err)
		}
		sched.Withdrawn = withdrawn
		result = &ClaimResult{
			Key:       key,
			Released:  claimable,
			Schedule:  sched.Clone(),
			Phase:     sched.Phase(now),
			ClaimedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(events.VestingClaimed{
		Key:         key,
		Beneficiary: result.Schedule.Beneficiary,
		Asset:       result.Schedule.Asset,
		Amount:      result.Released,
		Withdrawn:   result.Schedule.Withdrawn,
		Total:       result.Schedule.Total,
		ClaimedAt:   now,
	})
	return result, nil
}

// Get returns the stored schedule.
func (e *Engine) Get(ctx context.Context, key Key) (*Schedule, error) {
	if e == nil || e.store == nil {
		return nil, ErrNilState
	}
	return e.store.Get(ctx, key)
}

// Status computes the phase, vested and claimable amounts at now without
// touching state.
func (e *Engine) Status(ctx context.Context, key Key, now int64) (*Status, error) {
	sched, err := e.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	vested, err := sched.Vested(now)
	if err != nil {
		return nil, err
	}
	claimable, err := sched.Claimable(now)
	if err != nil {
		return nil, err
	}
	return &Status{
		Key:       key,
		Schedule:  sched,
		Phase:     sched.Phase(now),
		Vested:    vested,
		Claimable: claimable,
		At:        now,
	}, nil
}
