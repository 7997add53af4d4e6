package vesting

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the logical state of a schedule at a given instant. It is derived
// from the schedule and the time, never stored.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseVesting
	PhaseFullyVested
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseVesting:
		return "vesting"
	case PhaseFullyVested:
		return "fully_vested"
	default:
		return "unknown"
	}
}

// Schedule is the single persisted vesting record. Every field except
// Withdrawn is fixed at creation.
type Schedule struct {
	Beneficiary   common.Address `json:"beneficiary"`
	Creator       common.Address `json:"creator"`
	Asset         string         `json:"asset"`
	StartTs       int64          `json:"startTs"`
	EndTs         int64          `json:"endTs"`
	InitialUnlock uint64         `json:"initialUnlockAmount,string"`
	Total         uint64         `json:"totalAmount,string"`
	Withdrawn     uint64         `json:"withdrawnAmount,string"`
}

// Key derives the storage key for the schedule.
func (s *Schedule) Key() Key {
	return ScheduleKey(s.Creator, s.Beneficiary)
}

// Clone returns a copy that callers may mutate freely.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// Phase reports the logical lifecycle phase at now.
func (s *Schedule) Phase(now int64) Phase {
	switch {
	case now < s.StartTs:
		return PhaseNotStarted
	case now >= s.EndTs || s.Withdrawn >= s.Total:
		return PhaseFullyVested
	default:
		return PhaseVesting
	}
}

// InitParams carries the creation parameters of a schedule.
type InitParams struct {
	Beneficiary   common.Address
	Creator       common.Address
	Asset         string
	StartTs       int64
	EndTs         int64
	InitialUnlock uint64
	Total         uint64
}

// ValidateParams checks the creation invariants of a schedule. It runs once,
// before anything is persisted or funded.
func ValidateParams(startTs, endTs int64, initialUnlock, total uint64) error {
	if endTs <= startTs {
		return fmt.Errorf("%w: end %d must be after start %d", ErrInvalidSchedule, endTs, startTs)
	}
	if total == 0 {
		return fmt.Errorf("%w: total must be positive", ErrInvalidAmount)
	}
	if initialUnlock > total {
		return fmt.Errorf("%w: initial unlock %d exceeds total %d", ErrInvalidAmount, initialUnlock, total)
	}
	return nil
}

const maxAssetLength = 32

// NormalizeAsset trims and upper-cases an asset symbol and checks that it only
// contains characters safe to embed in keys and URLs.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("%w: symbol required", ErrInvalidAsset)
	}
	if len(trimmed) > maxAssetLength {
		return "", fmt.Errorf("%w: symbol longer than %d characters", ErrInvalidAsset, maxAssetLength)
	}
	for _, r := range trimmed {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return "", fmt.Errorf("%w: unsupported character %q in %s", ErrInvalidAsset, r, symbol)
		}
	}
	return trimmed, nil
}

// Sanitize validates params and returns a normalized copy.
func (p InitParams) Sanitize() (InitParams, error) {
	if err := ValidateParams(p.StartTs, p.EndTs, p.InitialUnlock, p.Total); err != nil {
		return p, err
	}
	asset, err := NormalizeAsset(p.Asset)
	if err != nil {
		return p, err
	}
	p.Asset = asset
	if p.Creator == (common.Address{}) {
		return p, fmt.Errorf("%w: creator required", ErrInvalidParty)
	}
	if p.Beneficiary == (common.Address{}) {
		return p, fmt.Errorf("%w: beneficiary required", ErrInvalidParty)
	}
	return p, nil
}
