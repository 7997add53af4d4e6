package vesting

import (
	"github.com/holiman/uint256"
)

// VestedAmount returns the cumulative amount vested at now for a linear
// schedule with an initial unlock. Before start nothing is vested, from end
// onwards the full total is vested, and in between the remainder ramps
// linearly with floor division. The proportional product is computed in 256
// bits so any uint64 amount times any int64 duration is representable.
func VestedAmount(total, initialUnlock uint64, startTs, endTs, now int64) (uint64, error) {
	if now < startTs {
		return 0, nil
	}
	if now >= endTs {
		return total, nil
	}

	remaining, err := checkedSub(total, initialUnlock)
	if err != nil {
		return 0, err
	}
	// For a >= b the true difference a-b fits in uint64 even when it does not
	// fit in int64, and the unsigned subtraction yields it exactly.
	elapsed := uint64(now) - uint64(startTs)
	duration := uint64(endTs) - uint64(startTs)
	if duration == 0 {
		return 0, ErrArithmetic
	}

	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(remaining), uint256.NewInt(elapsed))
	if overflow {
		return 0, ErrArithmetic
	}
	linear := new(uint256.Int).Div(product, uint256.NewInt(duration))
	if !linear.IsUint64() {
		return 0, ErrArithmetic
	}
	vested, err := checkedAdd(initialUnlock, linear.Uint64())
	if err != nil {
		return 0, err
	}
	if vested > total {
		return 0, ErrArithmetic
	}
	return vested, nil
}

// Vested returns the amount vested for the schedule at now.
func (s *Schedule) Vested(now int64) (uint64, error) {
	return VestedAmount(s.Total, s.InitialUnlock, s.StartTs, s.EndTs, now)
}

// Claimable returns vested minus withdrawn at now.
func (s *Schedule) Claimable(now int64) (uint64, error) {
	vested, err := s.Vested(now)
	if err != nil {
		return 0, err
	}
	if vested < s.Withdrawn {
		return 0, ErrAccountingInconsistency
	}
	return vested - s.Withdrawn, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, ErrArithmetic
	}
	return sum.Uint64(), nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, underflow := new(uint256.Int).SubOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if underflow {
		return 0, ErrArithmetic
	}
	return diff.Uint64(), nil
}
