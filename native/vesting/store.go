package vesting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"tokenvest/storage"
)

// Store persists schedules. Implementations must make Update an atomic
// read-modify-write per key: the schedule handed to apply is only persisted
// when apply returns nil, and concurrent updates of one key never interleave.
type Store interface {
	// Insert persists a new schedule. fund runs after the existence check and
	// before the record is written; if it fails nothing is persisted.
	Insert(ctx context.Context, s *Schedule, fund func(context.Context) error) error
	Get(ctx context.Context, key Key) (*Schedule, error)
	Update(ctx context.Context, key Key, apply func(context.Context, *Schedule) error) error
}

var scheduleRecordPrefix = []byte("vesting/schedule/")

// storedSchedule is the RLP layout of a schedule. RLP has no signed integers,
// so timestamps are stored as their two's complement bit pattern.
type storedSchedule struct {
	Beneficiary   common.Address
	Creator       common.Address
	Asset         string
	StartTs       uint64
	EndTs         uint64
	InitialUnlock uint64
	Total         uint64
	Withdrawn     uint64
}

func encodeSchedule(s *Schedule) ([]byte, error) {
	return rlp.EncodeToBytes(&storedSchedule{
		Beneficiary:   s.Beneficiary,
		Creator:       s.Creator,
		Asset:         s.Asset,
		StartTs:       uint64(s.StartTs),
		EndTs:         uint64(s.EndTs),
		InitialUnlock: s.InitialUnlock,
		Total:         s.Total,
		Withdrawn:     s.Withdrawn,
	})
}

func decodeSchedule(data []byte) (*Schedule, error) {
	var stored storedSchedule
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("vesting: decode schedule: %w", err)
	}
	return &Schedule{
		Beneficiary:   stored.Beneficiary,
		Creator:       stored.Creator,
		Asset:         stored.Asset,
		StartTs:       int64(stored.StartTs),
		EndTs:         int64(stored.EndTs),
		InitialUnlock: stored.InitialUnlock,
		Total:         stored.Total,
		Withdrawn:     stored.Withdrawn,
	}, nil
}

func scheduleRecordKey(key Key) []byte {
	out := make([]byte, 0, len(scheduleRecordPrefix)+len(key))
	out = append(out, scheduleRecordPrefix...)
	return append(out, key[:]...)
}

// KVStore keeps schedules in a key-value database. Updates are serialized per
// key with an in-process lock, so a KVStore must be the only writer of its
// database. The fund and apply callbacks receive a context carrying a
// storage.Batch; collaborators on the same database stage their writes on it
// and they commit together with the schedule record.
type KVStore struct {
	db    storage.Database
	locks keyedMutex
}

// NewKVStore wraps the supplied database.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Insert(ctx context.Context, sched *Schedule, fund func(context.Context) error) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	if sched == nil {
		return fmt.Errorf("vesting: nil schedule")
	}
	key := sched.Key()
	unlock := s.locks.Lock(key)
	defer unlock()

	exists, err := s.db.Has(scheduleRecordKey(key))
	if err != nil {
		return fmt.Errorf("vesting: lookup schedule: %w", err)
	}
	if exists {
		return ErrScheduleExists
	}
	encoded, err := encodeSchedule(sched)
	if err != nil {
		return fmt.Errorf("vesting: encode schedule: %w", err)
	}
	batch := storage.NewBatch(s.db)
	defer batch.Close()
	if fund != nil {
		if err := fund(storage.WithBatch(ctx, batch)); err != nil {
			return err
		}
	}
	batch.Put(scheduleRecordKey(key), encoded)
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("vesting: write schedule: %w", err)
	}
	return nil
}

func (s *KVStore) Get(_ context.Context, key Key) (*Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrNilState
	}
	return s.load(key)
}

func (s *KVStore) Update(ctx context.Context, key Key, apply func(context.Context, *Schedule) error) error {
	if s == nil || s.db == nil {
		return ErrNilState
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	current, err := s.load(key)
	if err != nil {
		return err
	}
	batch := storage.NewBatch(s.db)
	defer batch.Close()
	next := current.Clone()
	if err := apply(storage.WithBatch(ctx, batch), next); err != nil {
		return err
	}
	if next.Withdrawn < current.Withdrawn {
		return fmt.Errorf("%w: withdrawn amount cannot decrease", ErrAccountingInconsistency)
	}
	encoded, err := encodeSchedule(next)
	if err != nil {
		return fmt.Errorf("vesting: encode schedule: %w", err)
	}
	batch.Put(scheduleRecordKey(key), encoded)
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("vesting: write schedule: %w", err)
	}
	return nil
}

func (s *KVStore) load(key Key) (*Schedule, error) {
	data, err := s.db.Get(scheduleRecordKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vesting: load schedule: %w", err)
	}
	return decodeSchedule(data)
}

// keyedMutex hands out one mutex per key and drops it once no goroutine holds
// or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until the key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[Key]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
