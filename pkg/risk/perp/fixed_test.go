package perp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedArithmetic(t *testing.T) {
	s, err := AddChecked(3, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), s)

	d, err := SubChecked(3, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(8), d)

	_, err = AddChecked(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = AddChecked(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubChecked(math.MinInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubChecked(math.MaxInt64, -1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubChecked(0, math.MinInt64)
	assert.ErrorIs(t, err, ErrOverflow)

	d, err = SubChecked(-1, math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64), d)
}

func TestMerge_LeverageTruncated(t *testing.T) {
	a := Leg{Margin: 100 * Base, Leverage: 10 * Base, Price: 100 * Base}
	b := Leg{Margin: 70 * Base, Leverage: 3 * Base, Price: 100 * Base}

	m, err := Merge(a, b)
	require.NoError(t, err)
	// 1210 / 170 向下取整
	assert.Equal(t, int64(711764705), m.Leverage)

	n, err := Notional(m.Margin, m.Leverage)
	require.NoError(t, err)
	assert.Equal(t, int64(1210*Base-150), n)
}
