package vesting

import (
	"errors"
	"math"
	"testing"
)

func TestVestedAmountWorkedExample(t *testing.T) {
	cases := []struct {
		now  int64
		want uint64
	}{
		{now: 0, want: 0},
		{now: 999, want: 0},
		{now: 1000, want: 100},
		{now: 1001, want: 100},
		{now: 1500, want: 550},
		{now: 1999, want: 999},
		{now: 2000, want: 1000},
		{now: 10_000, want: 1000},
	}
	for _, tc := range cases {
		got, err := VestedAmount(1000, 100, 1000, 2000, tc.now)
		if err != nil {
			t.Fatalf("now=%d: unexpected error: %v", tc.now, err)
		}
		if got != tc.want {
			t.Fatalf("now=%d: vested %d, want %d", tc.now, got, tc.want)
		}
	}
}

func TestVestedAmountBeforeStartIsZero(t *testing.T) {
	schedules := []struct {
		total, unlock uint64
		start, end    int64
	}{
		{total: 1000, unlock: 1000, start: 10, end: 20},
		{total: 1, unlock: 0, start: -50, end: 50},
		{total: math.MaxUint64, unlock: 7, start: math.MinInt64 + 1, end: math.MaxInt64},
	}
	for _, s := range schedules {
		for _, now := range []int64{math.MinInt64, s.start - 1} {
			got, err := VestedAmount(s.total, s.unlock, s.start, s.end, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != 0 {
				t.Fatalf("start=%d now=%d: vested %d before start", s.start, now, got)
			}
		}
	}
}

func TestVestedAmountSaturatesAtTotal(t *testing.T) {
	for _, now := range []int64{2000, 2001, math.MaxInt64} {
		got, err := VestedAmount(1000, 100, 1000, 2000, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 1000 {
			t.Fatalf("now=%d: vested %d, want total", now, got)
		}
	}
}

func TestVestedAmountMonotonicAndBounded(t *testing.T) {
	schedules := []struct {
		total, unlock uint64
		start, end    int64
	}{
		{total: 1000, unlock: 100, start: 1000, end: 2000},
		{total: 7, unlock: 0, start: 0, end: 1_000_000},
		{total: 1_000_000_007, unlock: 3, start: -500, end: 37},
		{total: math.MaxUint64, unlock: math.MaxUint64 / 3, start: 0, end: 97},
	}
	for _, s := range schedules {
		step := (s.end - s.start) / 50
		if step == 0 {
			step = 1
		}
		var prev uint64
		for now := s.start - 2*step; now <= s.end+2*step; now += step {
			got, err := VestedAmount(s.total, s.unlock, s.start, s.end, now)
			if err != nil {
				t.Fatalf("now=%d: unexpected error: %v", now, err)
			}
			if got < prev {
				t.Fatalf("now=%d: vested decreased from %d to %d", now, prev, got)
			}
			if got > s.total {
				t.Fatalf("now=%d: vested %d exceeds total %d", now, got, s.total)
			}
			prev = got
		}
	}
}

func TestVestedAmountFullRangeDoesNotOverflow(t *testing.T) {
	got, err := VestedAmount(math.MaxUint64, 0, math.MinInt64, math.MaxInt64, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// elapsed is 2^63 of a 2^64-1 second ramp over a 2^64-1 total.
	if want := uint64(1) << 63; got != want {
		t.Fatalf("vested %d, want %d", got, want)
	}

	got, err = VestedAmount(math.MaxUint64, math.MaxUint64-1, 0, math.MaxInt64, math.MaxInt64-1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != math.MaxUint64-1 {
		t.Fatalf("vested %d, want %d", got, uint64(math.MaxUint64-1))
	}
}

func TestVestedAmountInitialUnlockEqualToTotal(t *testing.T) {
	got, err := VestedAmount(500, 500, 10, 20, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 500 {
		t.Fatalf("vested %d, want 500", got)
	}
}

func TestVestedAmountRejectsUnlockAboveTotal(t *testing.T) {
	_, err := VestedAmount(100, 101, 0, 10, 5)
	if !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected arithmetic error, got %v", err)
	}
}

func TestClaimableDetectsAccountingInconsistency(t *testing.T) {
	sched := &Schedule{Total: 1000, InitialUnlock: 100, StartTs: 1000, EndTs: 2000, Withdrawn: 600}
	_, err := sched.Claimable(1500)
	if !errors.Is(err, ErrAccountingInconsistency) {
		t.Fatalf("expected accounting inconsistency, got %v", err)
	}
	if !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected inconsistency to be an arithmetic error, got %v", err)
	}
}

func TestCheckedHelpers(t *testing.T) {
	if _, err := checkedAdd(math.MaxUint64, 1); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := checkedSub(1, 2); !errors.Is(err, ErrArithmetic) {
		t.Fatalf("expected underflow, got %v", err)
	}
	sum, err := checkedAdd(math.MaxUint64-1, 1)
	if err != nil || sum != math.MaxUint64 {
		t.Fatalf("unexpected sum %d err %v", sum, err)
	}
}
