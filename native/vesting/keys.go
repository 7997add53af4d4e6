package vesting

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var scheduleKeyPrefix = []byte("vesting")

// Key addresses a schedule. It is the keccak256 hash of the creator and the
// beneficiary, so each ordered pair holds at most one schedule.
type Key [32]byte

// ScheduleKey derives the key for the creator/beneficiary pair.
func ScheduleKey(creator, beneficiary common.Address) Key {
	return Key(ethcrypto.Keccak256Hash(scheduleKeyPrefix, creator[:], beneficiary[:]))
}

// Hex returns the 0x-prefixed hex encoding.
func (k Key) Hex() string { return hexutil.Encode(k[:]) }

func (k Key) String() string { return k.Hex() }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey decodes a hex key with or without the 0x prefix.
func ParseKey(raw string) (Key, error) {
	var key Key
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil {
		return key, fmt.Errorf("vesting: decode key: %w", err)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("vesting: key must be %d bytes (got %d)", len(key), len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// ParseAddress decodes a hex account address.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidParty, raw)
	}
	return common.HexToAddress(trimmed), nil
}
