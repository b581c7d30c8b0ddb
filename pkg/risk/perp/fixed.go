// 文件: pkg/risk/perp/fixed.go
// 定点数运算辅助
//
// 所有金额/价格/杠杆都是 int64，放大 1e8 (Base)
// 中间乘积经常超过 int64 (margin × leverage × price 能到 1e27)，
// 所以中间计算用 decimal (任意精度)，最后截断回 int64 并检查溢出

package perp

import (
	"errors"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 精度常量
// =============================================================================

const (
	// Base 价格/金额/杠杆精度 (1e8)
	// 例: 10x 杠杆 = 10 * Base, 1.5 USDT = 150_000_000
	Base = 100_000_000

	// FeeBase 费率/比例精度 (万分比)
	FeeBase = 10_000

	// FundingBase 资金费累计值精度 (1e12)
	FundingBase = 1_000_000_000_000
)

var (
	ErrOverflow     = errors.New("fixed point overflow")
	ErrDivideByZero = errors.New("divide by zero")
)

var decBase = decimal.NewFromInt(Base)

// product 任意精度连乘
func product(vals ...int64) decimal.Decimal {
	d := decimal.NewFromInt(1)
	for _, v := range vals {
		d = d.Mul(decimal.NewFromInt(v))
	}
	return d
}

// quo 整除，向零截断 (与整数除法语义一致)
func quo(num, den decimal.Decimal) (int64, error) {
	if den.IsZero() {
		return 0, ErrDivideByZero
	}
	q, _ := num.QuoRem(den, 0)
	return toInt64(q)
}

func toInt64(d decimal.Decimal) (int64, error) {
	b := d.BigInt()
	if !b.IsInt64() {
		return 0, ErrOverflow
	}
	return b.Int64(), nil
}

// MulDiv 计算 a × b / c，中间结果不溢出
func MulDiv(a, b, c int64) (int64, error) {
	return quo(product(a, b), decimal.NewFromInt(c))
}

// Notional 名义价值 = margin × leverage / Base
func Notional(margin, leverage int64) (int64, error) {
	return MulDiv(margin, leverage, Base)
}

// AddChecked 带溢出检查的加法
func AddChecked(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// SubChecked 带溢出检查的减法
func SubChecked(a, b int64) (int64, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, ErrOverflow
	}
	return d, nil
}
