package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

func TestParse(t *testing.T) {
	d, err := Parse("105.25")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("105.25")))

	_, err = Parse("not-a-number")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidParameter))
}

func TestFromFloat(t *testing.T) {
	d, ok := FromFloat(100.5)
	assert.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromFloat(100.5)))

	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		d, ok = FromFloat(f)
		assert.False(t, ok)
		assert.True(t, d.IsZero())
	}
}

func TestTruncatePrice(t *testing.T) {
	// Truncation, not banker's rounding: the 9th digit is dropped.
	d := TruncatePrice(MustParse("0.123456789"))
	assert.Equal(t, "0.12345678", d.String())

	d = TruncatePrice(MustParse("-0.123456789"))
	assert.Equal(t, "-0.12345678", d.String())
}

func TestTruncateUSD(t *testing.T) {
	d := TruncateUSD(MustParse("10.999"))
	assert.Equal(t, "10.99", d.String())

	d = TruncateUSD(MustParse("-10.999"))
	assert.Equal(t, "-10.99", d.String())
}

func TestQtyComparisons(t *testing.T) {
	assert.True(t, IsZeroQty(MustParse("0.000000009")))
	assert.False(t, IsZeroQty(MustParse("0.00000002")))

	assert.True(t, QtyEqual(MustParse("1.00000000"), MustParse("1.000000005")))
	assert.False(t, QtyEqual(MustParse("1"), MustParse("1.1")))

	assert.True(t, IsPositiveQty(MustParse("0.001")))
	assert.False(t, IsPositiveQty(MustParse("0.000000001")))
	assert.False(t, IsPositiveQty(MustParse("-1")))
}
