// Package wire is the single source of truth for branded scalar values
// crossing the gateway's wire and persistence boundaries.
//
// All monetary quantities are opaque signed 64-bit integers with a canonical
// decimal-string wire form: no leading zeros, no plus sign, and "-0"
// normalized to "0". Values are constructible only through the parsers and
// checked constructors in this package so that a MicroUSD can never be
// confused with a CreditUnit at a call site.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// MaxWireLength caps the accepted numeric-string length. Anything longer is
// rejected before conversion so a hostile payload cannot force
// arbitrary-precision work on the parse path.
const MaxWireLength = 30

var (
	ErrEmpty        = errors.New("wire: empty numeric string")
	ErrPlusPrefix   = errors.New("wire: plus prefix not canonical")
	ErrBareMinus    = errors.New("wire: bare minus sign")
	ErrNonDigit     = errors.New("wire: non-digit character")
	ErrLeadingZeros = errors.New("wire: non-canonical leading zeros")
	ErrNegativeZero = errors.New("wire: -0 is not canonical")
	ErrTooLong      = errors.New("wire: numeric string exceeds length cap")
	ErrOverflow     = errors.New("wire: arithmetic overflow")
	ErrNegative     = errors.New("wire: negative value not permitted here")
	ErrRange        = errors.New("wire: value out of range")
)

// MicroUSD is one millionth of a US dollar.
type MicroUSD struct{ v int64 }

// CreditUnit is the internal billing credit denomination.
type CreditUnit struct{ v int64 }

// MicroUSDC is one millionth of a USDC token.
type MicroUSDC struct{ v int64 }

// BasisPoints is an integer in [0, 10000].
type BasisPoints struct{ v int64 }

// parseCanonical validates the canonical wire form ^-?(0|[1-9][0-9]*)$ and
// converts to int64. It is shared by all branded parsers.
func parseCanonical(s string, maxLen int) (int64, error) {
	if s == "" {
		return 0, ErrEmpty
	}
	if len(s) > maxLen {
		return 0, ErrTooLong
	}
	if s[0] == '+' {
		return 0, ErrPlusPrefix
	}

	neg := false
	digits := s
	if s[0] == '-' {
		neg = true
		digits = s[1:]
		if digits == "" {
			return 0, ErrBareMinus
		}
	}

	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, ErrNonDigit
		}
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, ErrLeadingZeros
	}
	if neg && digits == "0" {
		return 0, ErrNegativeZero
	}

	// int64 range is 19 digits; anything longer overflows regardless of value.
	if len(digits) > 19 {
		return 0, ErrOverflow
	}

	var n int64
	for i := 0; i < len(digits); i++ {
		d := int64(digits[i] - '0')
		if n > (1<<63-1-d)/10 {
			return 0, ErrOverflow
		}
		n = n*10 + d
	}
	if neg {
		n = -n
	}
	return n, nil
}

func formatCanonical(v int64) string {
	return fmt.Sprintf("%d", v)
}

// ParseMicroUSD parses a canonical micro-USD wire string.
func ParseMicroUSD(s string) (MicroUSD, error) {
	n, err := parseCanonical(s, MaxWireLength)
	if err != nil {
		return MicroUSD{}, err
	}
	return MicroUSD{n}, nil
}

// ParseMicroUSDLenient is the persistence read-path parser. It tries the
// strict parse first, then tolerates surrounding whitespace, a single
// leading plus, and "-0". The normalized flag is true whenever the lenient
// path fired, so callers can emit a metric.
func ParseMicroUSDLenient(s string) (MicroUSD, bool, error) {
	if v, err := ParseMicroUSD(s); err == nil {
		return v, false, nil
	}

	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(t, "+")
	if t == "-0" {
		return MicroUSD{0}, true, nil
	}
	if len(t) > MaxWireLength {
		return MicroUSD{}, false, ErrTooLong
	}
	// Re-canonicalize leading zeros: "007" -> "7", "-007" -> "-7".
	neg := strings.HasPrefix(t, "-")
	digits := strings.TrimPrefix(t, "-")
	trimmed := strings.TrimLeft(digits, "0")
	if trimmed == "" && digits != "" {
		trimmed = "0"
		neg = false
	}
	if neg {
		trimmed = "-" + trimmed
	}
	n, err := parseCanonical(trimmed, MaxWireLength)
	if err != nil {
		return MicroUSD{}, false, err
	}
	return MicroUSD{n}, true, nil
}

// AssertCanonical panics-free check used at persistence write boundaries.
func AssertCanonical(s string) error {
	_, err := parseCanonical(s, MaxWireLength)
	return err
}

// MicroUSDFromInt wraps a raw int64. Intended for pricing tables and tests.
func MicroUSDFromInt(v int64) MicroUSD { return MicroUSD{v} }

func (m MicroUSD) Int64() int64   { return m.v }
func (m MicroUSD) String() string { return formatCanonical(m.v) }
func (m MicroUSD) IsNegative() bool {
	return m.v < 0
}

// Add returns m+o, guarding against overflow.
func (m MicroUSD) Add(o MicroUSD) (MicroUSD, error) {
	s := m.v + o.v
	if (o.v > 0 && s < m.v) || (o.v < 0 && s > m.v) {
		return MicroUSD{}, ErrOverflow
	}
	return MicroUSD{s}, nil
}

// Sub returns m-o, guarding against overflow.
func (m MicroUSD) Sub(o MicroUSD) (MicroUSD, error) {
	s := m.v - o.v
	if (o.v < 0 && s < m.v) || (o.v > 0 && s > m.v) {
		return MicroUSD{}, ErrOverflow
	}
	return MicroUSD{s}, nil
}

// Cmp returns -1, 0, or 1.
func (m MicroUSD) Cmp(o MicroUSD) int {
	switch {
	case m.v < o.v:
		return -1
	case m.v > o.v:
		return 1
	default:
		return 0
	}
}

// ParseCreditUnit parses a canonical credit-unit wire string.
func ParseCreditUnit(s string) (CreditUnit, error) {
	n, err := parseCanonical(s, MaxWireLength)
	if err != nil {
		return CreditUnit{}, err
	}
	return CreditUnit{n}, nil
}

func CreditUnitFromInt(v int64) CreditUnit { return CreditUnit{v} }
func (c CreditUnit) Int64() int64          { return c.v }
func (c CreditUnit) String() string        { return formatCanonical(c.v) }

func (c CreditUnit) Add(o CreditUnit) (CreditUnit, error) {
	s := c.v + o.v
	if (o.v > 0 && s < c.v) || (o.v < 0 && s > c.v) {
		return CreditUnit{}, ErrOverflow
	}
	return CreditUnit{s}, nil
}

// ParseMicroUSDC parses a canonical micro-USDC wire string.
func ParseMicroUSDC(s string) (MicroUSDC, error) {
	n, err := parseCanonical(s, MaxWireLength)
	if err != nil {
		return MicroUSDC{}, err
	}
	return MicroUSDC{n}, nil
}

func MicroUSDCFromInt(v int64) MicroUSDC { return MicroUSDC{v} }
func (m MicroUSDC) Int64() int64         { return m.v }
func (m MicroUSDC) String() string       { return formatCanonical(m.v) }

// NewBasisPoints validates the [0, 10000] range.
func NewBasisPoints(v int64) (BasisPoints, error) {
	if v < 0 || v > 10000 {
		return BasisPoints{}, ErrRange
	}
	return BasisPoints{v}, nil
}

func (b BasisPoints) Int64() int64   { return b.v }
func (b BasisPoints) String() string { return formatCanonical(b.v) }

// ApplyTo returns v scaled by b/10000, rounding toward zero.
func (b BasisPoints) ApplyTo(v MicroUSD) (MicroUSD, error) {
	p, err := mulCheck(v.v, b.v)
	if err != nil {
		return MicroUSD{}, err
	}
	return MicroUSD{p / 10000}, nil
}

func mulCheck(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/b != a {
		return 0, ErrOverflow
	}
	return p, nil
}
