package vesting

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule is returned when a schedule does not end strictly after
	// it starts.
	ErrInvalidSchedule = errors.New("vesting: invalid vesting schedule")
	// ErrInvalidAmount is returned when the total is zero or the initial unlock
	// exceeds the total.
	ErrInvalidAmount = errors.New("vesting: invalid amount")
	// ErrNoTokensToClaim signals that nothing has vested beyond what was already
	// withdrawn. It is not fatal: the caller may retry later.
	ErrNoTokensToClaim = errors.New("vesting: no tokens available to claim")
	// ErrArithmetic is returned when a checked computation would overflow,
	// underflow or divide by zero.
	ErrArithmetic = errors.New("vesting: arithmetic error")
	// ErrAccountingInconsistency indicates withdrawn exceeds vested.
	ErrAccountingInconsistency = fmt.Errorf("%w: withdrawn exceeds vested", ErrArithmetic)

	ErrNotFound       = errors.New("vesting: schedule not found")
	ErrScheduleExists = errors.New("vesting: schedule already exists")
	ErrUnauthorized   = errors.New("vesting: unauthorized")
	ErrInvalidAsset   = errors.New("vesting: invalid asset")
	ErrInvalidParty   = errors.New("vesting: invalid party address")
	ErrConflict       = errors.New("vesting: concurrent update conflict")
	ErrNilState       = errors.New("vesting engine: state not configured")
	ErrNilCustody     = errors.New("vesting engine: custody not configured")
)
