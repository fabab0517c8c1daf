// Package chain is the client for the on-chain insurance contract: typed
// calls for state transitions, a mirror read, and the decoded event stream.
//
// The contract emits a single multiplexed event carrying a numeric type
// discriminator; Subscribe delivers it decoded. Amounts cross the wire as
// 256-bit wei integers and are converted to decimal at the boundary — the
// rest of the engine never sees fixed-point chain encoding.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the discriminator carried by the multiplexed contract event.
type EventType int

const (
	EventCreate          EventType = 0
	EventUpdateAvailable EventType = 1
	EventInvalid         EventType = 2
	EventRefund          EventType = 3
	EventCancel          EventType = 4
	EventClaim           EventType = 5
	EventExpired         EventType = 6
	EventLiquidated      EventType = 7
)

var eventNames = map[EventType]string{
	EventCreate:          "CREATE",
	EventUpdateAvailable: "UPDATE_AVAILABLE",
	EventInvalid:         "INVALID",
	EventRefund:          "REFUND",
	EventCancel:          "CANCEL",
	EventClaim:           "CLAIM",
	EventExpired:         "EXPIRED",
	EventLiquidated:      "LIQUIDATED",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// Known reports whether the discriminator maps to a defined event type.
func (t EventType) Known() bool {
	_, ok := eventNames[t]
	return ok
}

// Unit enum values used by the contract.
var unitNames = []string{"USDT", "VNST"}

// UnitName maps the contract's unit enum to its symbol, or "" when unknown.
func UnitName(idx int) string {
	if idx < 0 || idx >= len(unitNames) {
		return ""
	}
	return unitNames[idx]
}

// Event is one decoded contract event.
type Event struct {
	Type      EventType
	ID        string // insurance contract identifier
	Address   string // depositor wallet, lowercased
	Unit      string
	Margin    decimal.Decimal
	QClaim    decimal.Decimal
	ExpiredAt time.Time
	CreatedAt time.Time
	State     int
	TxHash    string
}

// Insurance is the on-chain mirror of a contract, as read back from the
// ledger.
type Insurance struct {
	Address string          `json:"address"`
	Unit    string          `json:"unit"`
	Margin  decimal.Decimal `json:"margin"`
	QClaim  decimal.Decimal `json:"q_claim"`
	State   string          `json:"state"`
}

// On-chain contract states, indexed by the contract's state enum.
var ContractStates = []string{
	"PENDING", "AVAILABLE", "CANCELLED", "CLAIMED",
	"REFUNDED", "LIQUIDATED", "EXPIRED", "INVALID",
}

// Client is the typed interface to the on-chain insurance contract. Every
// call either returns the submitted transaction hash or fails; callers treat
// failures as fire-and-forget (logged, never rolled back).
type Client interface {
	// UpdateAvailableInsurance confirms a contract on-chain with its final
	// claim quantity and expiry (unix seconds).
	UpdateAvailableInsurance(ctx context.Context, id string, qClaim decimal.Decimal, expiredAt int64) (string, error)

	// UpdateInvalidInsurance marks a contract invalid so escrowed funds are
	// released back to the depositor.
	UpdateInvalidInsurance(ctx context.Context, id string) (string, error)

	Cancel(ctx context.Context, id string) (string, error)
	Claim(ctx context.Context, id string) (string, error)
	Refund(ctx context.Context, id string) (string, error)
	Liquidate(ctx context.Context, id string) (string, error)
	Expire(ctx context.Context, id string) (string, error)

	// ReadInsurance reads the contract's on-chain mirror. Returns nil when
	// the id has no on-chain footprint.
	ReadInsurance(ctx context.Context, id string) (*Insurance, error)

	// Subscribe opens the decoded event stream. The channel closes when ctx
	// is cancelled or the underlying connection is lost.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

var errShortData = errors.New("chain: event data too short")

// weiToDecimal converts an 18-decimal fixed-point chain amount.
func weiToDecimal(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -18)
}

// decodeWords splits 0x-prefixed hex data into 32-byte big-endian words.
func decodeWords(data string, want int) ([]*big.Int, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: decode event data: %w", err)
	}
	if len(raw) < want*32 {
		return nil, errShortData
	}
	words := make([]*big.Int, want)
	for i := range words {
		words[i] = new(big.Int).SetBytes(raw[i*32 : (i+1)*32])
	}
	return words, nil
}

// decodeEvent decodes the multiplexed EInsurance payload. The data segment
// carries seven words after the indexed id and address:
// unit, margin, q_claim, expired_at, created_at, state, type.
func decodeEvent(id, address, txHash, data string) (Event, error) {
	words, err := decodeWords(data, 7)
	if err != nil {
		return Event{}, err
	}

	return Event{
		ID:        id,
		Address:   strings.ToLower(address),
		Unit:      UnitName(int(words[0].Int64())),
		Margin:    weiToDecimal(words[1]),
		QClaim:    weiToDecimal(words[2]),
		ExpiredAt: time.Unix(words[3].Int64(), 0).UTC(),
		CreatedAt: time.Unix(words[4].Int64(), 0).UTC(),
		State:     int(words[5].Int64()),
		Type:      EventType(words[6].Int64()),
		TxHash:    txHash,
	}, nil
}
