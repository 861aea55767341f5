package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRound_HalfUp(t *testing.T) {
	cases := []struct {
		in     string
		round2 string
		round4 string
	}{
		{"1.005", "1.01", "1.005"},
		{"1.00005", "1.00", "1.0001"},
		{"1.00004999", "1.00", "1.0000"},
		{"187.49995", "187.50", "187.5000"},
		{"0.00004", "0.00", "0.0000"},
	}
	for _, c := range cases {
		assert.True(t, Round2(d(c.in)).Equal(d(c.round2)), "Round2(%s) = %s", c.in, Round2(d(c.in)))
		assert.True(t, Round4(d(c.in)).Equal(d(c.round4)), "Round4(%s) = %s", c.in, Round4(d(c.in)))
	}
}

func TestNotional(t *testing.T) {
	assert.True(t, Notional(d("185.0000"), 10).Equal(d("1850.00")))
	assert.True(t, Notional(d("190.0000"), 10).Equal(d("1900.00")))
	// 3 x 1.0005 = 3.0015 -> 3.00
	assert.True(t, Notional(d("1.0005"), 3).Equal(d("3.00")))
	// 7 x 12.3457 = 86.4199 -> 86.42
	assert.True(t, Notional(d("12.3457"), 7).Equal(d("86.42")))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "$1,850.00", Format(d("1850"), "USD"))
	assert.Equal(t, "$0.01", Format(d("0.005"), "USD"))
	assert.Equal(t, "-$12.50", Format(d("-12.5"), "USD"))
}
