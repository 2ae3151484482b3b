package models

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAmount_Basic(t *testing.T) {
	a, err := ParseAmount("1000.0")
	assert.NoError(t, err)
	assert.Equal(t, "1000", a.String())

	b, err := ParseAmount("1.5")
	assert.NoError(t, err)
	assert.Equal(t, "1.5", b.String())

	c, err := ParseAmount("0.000000000000000001")
	assert.NoError(t, err)
	assert.Equal(t, "0.000000000000000001", c.String())
}

func TestParseAmount_Invalid(t *testing.T) {
	_, err := ParseAmount("")
	assert.Error(t, err)

	_, err = ParseAmount("abc")
	assert.Error(t, err)

	// 超过18位小数
	_, err = ParseAmount("1.0000000000000000001")
	assert.Error(t, err)
}

func TestAmount_Arithmetic(t *testing.T) {
	a := AmountFromTokens(100)
	b := AmountFromTokens(30)

	assert.Equal(t, "130", a.Add(b).String())
	assert.Equal(t, "70", a.Sub(b).String())
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.True(t, ZeroAmount().IsZero())
}

func TestAmount_SubCanGoNegative(t *testing.T) {
	a := AmountFromTokens(10)
	b := AmountFromTokens(25)

	d := a.Sub(b)
	assert.Equal(t, -1, d.Sign())
	assert.Equal(t, "-15", d.String())
}

func TestAmount_MulDivFloor(t *testing.T) {
	// 100 * 1 / 3 向下取整
	a := AmountFromTokens(100)
	r := a.MulDiv(big.NewInt(1), big.NewInt(3))
	assert.Equal(t, "33.333333333333333333", r.String())
}

func TestAmount_MulPercent(t *testing.T) {
	// 400 * 5% = 20
	a := AmountFromTokens(400)
	pct := MustParseAmount("5")
	assert.Equal(t, "20", a.MulPercent(pct).String())

	// 10 * 15% = 1.5（委托分成场景）
	b := AmountFromTokens(10)
	share := MustParseAmount("15")
	assert.Equal(t, "1.5", b.MulPercent(share).String())
}

func TestAmount_JSONRoundTrip(t *testing.T) {
	a := MustParseAmount("123.456")

	data, err := json.Marshal(a)
	assert.NoError(t, err)
	assert.Equal(t, `"123.456"`, string(data))

	var back Amount
	assert.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 0, a.Cmp(back))

	// 裸数字形式也要能解析
	var fromNumber Amount
	assert.NoError(t, json.Unmarshal([]byte(`100`), &fromNumber))
	assert.Equal(t, "100", fromNumber.String())
}

func TestAmount_ZeroValueUsable(t *testing.T) {
	var a Amount
	assert.True(t, a.IsZero())
	assert.Equal(t, "0", a.String())
	assert.Equal(t, "5", a.Add(AmountFromTokens(5)).String())
}

func TestStake_DurationDays(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t30 := t0.Add(30 * 24 * time.Hour)

	s := &Stake{StakedAt: t0, UnstakedAt: &t30}
	assert.Equal(t, 30, s.DurationDays(time.Now()))

	// 未解押按当前时间计算
	open := &Stake{StakedAt: t0, Active: true}
	assert.Equal(t, 10, open.DurationDays(t0.Add(10*24*time.Hour)))
}
