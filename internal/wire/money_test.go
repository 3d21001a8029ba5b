package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMicroUSDCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 1},
		{"42", 42},
		{"1000000", 1000000},
		{"-1", -1},
		{"-9999999", -9999999},
	}
	for _, tc := range cases {
		v, err := ParseMicroUSD(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, v.Int64())
		// P1: round trip
		assert.Equal(t, tc.in, v.String())
	}
}

func TestParseMicroUSDRejections(t *testing.T) {
	cases := []struct {
		in  string
		err error
	}{
		{"", ErrEmpty},
		{"+1", ErrPlusPrefix},
		{"-", ErrBareMinus},
		{"007", ErrLeadingZeros},
		{"-0", ErrNegativeZero},
		{"1.5", ErrNonDigit},
		{"1e6", ErrNonDigit},
		{" 1", ErrNonDigit},
		{strings.Repeat("9", 31), ErrTooLong},
		{"99999999999999999999", ErrOverflow}, // 20 digits
	}
	for _, tc := range cases {
		_, err := ParseMicroUSD(tc.in)
		assert.ErrorIs(t, err, tc.err, "input %q", tc.in)
	}
}

func TestParseMicroUSDLenient(t *testing.T) {
	v, normalized, err := ParseMicroUSDLenient("42")
	require.NoError(t, err)
	assert.False(t, normalized)
	assert.Equal(t, int64(42), v.Int64())

	v, normalized, err = ParseMicroUSDLenient("  +007 ")
	require.NoError(t, err)
	assert.True(t, normalized)
	assert.Equal(t, int64(7), v.Int64())

	v, normalized, err = ParseMicroUSDLenient("-0")
	require.NoError(t, err)
	assert.True(t, normalized)
	assert.Equal(t, int64(0), v.Int64())
	assert.Equal(t, "0", v.String())

	_, _, err = ParseMicroUSDLenient(strings.Repeat("1", 40))
	assert.ErrorIs(t, err, ErrTooLong)

	_, _, err = ParseMicroUSDLenient("abc")
	assert.Error(t, err)
}

func TestAssertCanonical(t *testing.T) {
	assert.NoError(t, AssertCanonical("123"))
	assert.Error(t, AssertCanonical("+123"))
	assert.Error(t, AssertCanonical("0123"))
}

func TestArithmeticOverflow(t *testing.T) {
	max := MicroUSDFromInt(1<<63 - 1)
	_, err := max.Add(MicroUSDFromInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	min := MicroUSDFromInt(-1 << 63)
	_, err = min.Sub(MicroUSDFromInt(1))
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err := MicroUSDFromInt(2).Add(MicroUSDFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Int64())
}

func TestMicroUSDToCreditUnits(t *testing.T) {
	// 1 USD = 1000 credit units; 1.5 USD = 1500000 micro.
	v := MicroUSDFromInt(1_500_000)
	c, err := MicroUSDToCreditUnits(v, 1000, RoundFloor)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), c.Int64())

	// Fractional result: 1 micro-USD at 1000 cu/USD = 0.001 cu.
	tiny := MicroUSDFromInt(1)
	c, err = MicroUSDToCreditUnits(tiny, 1000, RoundCeil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Int64())

	c, err = MicroUSDToCreditUnits(tiny, 1000, RoundFloor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Int64())

	// Negative ceil: -floor(|product|/divisor).
	neg := MicroUSDFromInt(-1)
	c, err = MicroUSDToCreditUnits(neg, 1000, RoundCeil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Int64())

	c, err = MicroUSDToCreditUnits(neg, 1000, RoundFloor)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), c.Int64())

	_, err = MicroUSDToCreditUnits(v, 0, RoundFloor)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestBasisPoints(t *testing.T) {
	_, err := NewBasisPoints(-1)
	assert.ErrorIs(t, err, ErrRange)
	_, err = NewBasisPoints(10001)
	assert.ErrorIs(t, err, ErrRange)

	bp, err := NewBasisPoints(250) // 2.5%
	require.NoError(t, err)
	got, err := bp.ApplyTo(MicroUSDFromInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), got.Int64())
}

func TestAccountID(t *testing.T) {
	_, err := NewAccountID("")
	assert.ErrorIs(t, err, ErrEmptyAccountID)
	_, err = NewAccountID("acct 1")
	assert.ErrorIs(t, err, ErrAccountIDSpace)

	a, err := NewAccountID("tenant:thj")
	require.NoError(t, err)
	assert.Equal(t, "tenant:thj", a.String())
}
