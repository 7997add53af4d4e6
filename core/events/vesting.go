package events

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"tokenvest/core/types"
)

const (
	TypeVestingInitialized = "vesting.initialized"
	TypeVestingClaimed     = "vesting.claimed"
)

type VestingInitialized struct {
	Key           [32]byte
	Creator       common.Address
	Beneficiary   common.Address
	Asset         string
	StartTs       int64
	EndTs         int64
	InitialUnlock uint64
	Total         uint64
}

func (VestingInitialized) EventType() string { return TypeVestingInitialized }

func (e VestingInitialized) Event() *types.Event {
	return &types.Event{
		Type: TypeVestingInitialized,
		Attributes: map[string]string{
			"key":                 "0x" + hex.EncodeToString(e.Key[:]),
			"creator":             e.Creator.Hex(),
			"beneficiary":         e.Beneficiary.Hex(),
			"asset":               assetSymbol(e.Asset),
			"startTs":             strconv.FormatInt(e.StartTs, 10),
			"endTs":               strconv.FormatInt(e.EndTs, 10),
			"initialUnlockAmount": strconv.FormatUint(e.InitialUnlock, 10),
			"totalAmount":         strconv.FormatUint(e.Total, 10),
		},
	}
}

type VestingClaimed struct {
	Key         [32]byte
	Beneficiary common.Address
	Asset       string
	Amount      uint64
	Withdrawn   uint64
	Total       uint64
	ClaimedAt   int64
}

func (VestingClaimed) EventType() string { return TypeVestingClaimed }

func (e VestingClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeVestingClaimed,
		Attributes: map[string]string{
			"key":             "0x" + hex.EncodeToString(e.Key[:]),
			"beneficiary":     e.Beneficiary.Hex(),
			"asset":           assetSymbol(e.Asset),
			"amount":          strconv.FormatUint(e.Amount, 10),
			"withdrawnAmount": strconv.FormatUint(e.Withdrawn, 10),
			"totalAmount":     strconv.FormatUint(e.Total, 10),
			"claimedAt":       strconv.FormatInt(e.ClaimedAt, 10),
		},
	}
}

// assetSymbol renders asset tickers in their canonical upper-case form.
func assetSymbol(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
