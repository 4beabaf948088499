package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// Amount is an arbitrary-precision decimal asset amount. It marshals to a
// canonical decimal string in both JSON and CBOR so that ledger records are
// stable across encodings. A nil pointer marshals as "0".
type Amount struct {
	dec decimal.Decimal
}

// NewAmount parses a decimal string into an Amount. The string must be a
// valid decimal number ("1.0030", "100", "0.000001").
func NewAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{dec: d}, nil
}

// MustAmount is like NewAmount but panics on invalid input. Intended for
// constants and tests.
func MustAmount(s string) Amount {
	a, err := NewAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ZeroAmount returns the zero amount.
func ZeroAmount() Amount { return Amount{} }

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.dec }

// String returns the canonical decimal string representation.
func (a Amount) String() string { return a.dec.String() }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{dec: a.dec.Add(b.dec)} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{dec: a.dec.Sub(b.dec)} }

// Mul returns a * b.
func (a Amount) Mul(b Amount) Amount { return Amount{dec: a.dec.Mul(b.dec)} }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.dec.Cmp(b.dec) }

// GreaterOrEqual reports whether a >= b.
func (a Amount) GreaterOrEqual(b Amount) bool { return a.dec.Cmp(b.dec) >= 0 }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.dec.IsZero() }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.dec.IsPositive() }

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a.dec.IsNegative() }

// FloorTo truncates the amount down to the given number of decimal places.
// All commission and payout rounding in the broker rounds down, never up.
func (a Amount) FloorTo(decimals int32) Amount {
	return Amount{dec: a.dec.RoundFloor(decimals)}
}

// MulBps returns floor(a * bps / 10000) at the given asset decimals. Used for
// percentage commissions.
func (a Amount) MulBps(bps int64, decimals int32) Amount {
	return Amount{dec: a.dec.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).RoundFloor(decimals)}
}

// MarshalText returns the canonical decimal string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.dec.String()), nil
}

// UnmarshalText parses a canonical decimal string.
func (a *Amount) UnmarshalText(data []byte) error {
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", data, err)
	}
	a.dec = d
	return nil
}

// MarshalCBOR encodes the amount as a CBOR text string.
func (a Amount) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(a.dec.String())
}

// UnmarshalCBOR decodes a CBOR text string into the amount.
func (a *Amount) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}
