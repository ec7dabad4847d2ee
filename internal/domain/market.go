package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Side identifies one of the two complementary outcome-share classes of a
// binary market. YES and NO prices always sum to one unit of probability.
type Side uint8

const (
	SideYes Side = iota
	SideNo
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

func (s Side) String() string {
	if s == SideYes {
		return "yes"
	}
	return "no"
}

// MarshalText implements encoding.TextMarshaler so sides serialize as
// "yes"/"no" in JSON payloads and store rows.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide converts a string ("yes"/"no", case-insensitive) to a Side.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	default:
		return 0, fmt.Errorf("%w: side %q", ErrInvalidSide, v)
	}
}

// MarketStatus is the engine's view of a market's lifecycle.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusFinalized MarketStatus = "finalized"
)

// MarketInfo is the ledger-owned market metadata the engine reads but never
// writes. Registration and resolution live in the ledger subsystem.
type MarketInfo struct {
	ID                string         `json:"id"`
	Question          string         `json:"question"`
	Collateral        common.Address `json:"collateral"`
	Resolver          common.Address `json:"resolver"`
	CloseTime         time.Time      `json:"close_time"`
	Resolved          bool           `json:"resolved"`
	Winner            Side           `json:"winner"`
	EarlyCloseAllowed bool           `json:"early_close_allowed"`
}

// FeeConfig is either a flat swap fee or a delegate that supplies a dynamic
// fee and a price-impact cap. Exactly one of the two is active: a zero
// Delegate address means the flat fee applies.
type FeeConfig struct {
	FlatFeeBps uint64         `json:"flat_fee_bps"`
	Delegate   common.Address `json:"delegate"`
}

// HasDelegate reports whether a dynamic fee delegate is configured.
func (f FeeConfig) HasDelegate() bool {
	return f.Delegate != (common.Address{})
}

// Tag returns the canonical byte encoding of the fee configuration used in
// pool identity derivation.
func (f FeeConfig) Tag() []byte {
	tag := make([]byte, 8+common.AddressLength)
	for i := 0; i < 8; i++ {
		tag[7-i] = byte(f.FlatFeeBps >> (8 * i))
	}
	copy(tag[8:], f.Delegate.Bytes())
	return tag
}

// CanonicalBinding ties a market to exactly one pool and fee configuration.
// Created once at bootstrap, immutable afterwards.
type CanonicalBinding struct {
	MarketID  string      `json:"market_id"`
	PoolID    common.Hash `json:"pool_id"`
	Fee       FeeConfig   `json:"fee"`
	BoundAt   time.Time   `json:"bound_at"`
	Finalized bool        `json:"finalized"`
}

// ShareTokenID derives the ledger token ID for one side of a market.
func ShareTokenID(marketID string, side Side) common.Hash {
	return crypto.Keccak256Hash([]byte("share"), []byte(marketID), []byte{byte(side)})
}

// CollateralTokenID maps a collateral asset address into the ledger's token
// ID space.
func CollateralTokenID(asset common.Address) common.Hash {
	return crypto.Keccak256Hash([]byte("collateral"), asset.Bytes())
}

// DerivePoolID computes the deterministic pool identity from the two share
// IDs, the two token addresses, and the fee configuration. Bootstrap
// cross-checks this derivation against the ID returned by the fee delegate
// to detect a misconfigured binding.
func DerivePoolID(marketID string, shareToken, collateral common.Address, fee FeeConfig) common.Hash {
	yesID := ShareTokenID(marketID, SideYes)
	noID := ShareTokenID(marketID, SideNo)
	return crypto.Keccak256Hash(
		yesID.Bytes(),
		noID.Bytes(),
		shareToken.Bytes(),
		collateral.Bytes(),
		fee.Tag(),
	)
}
