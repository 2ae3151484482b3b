package models

import (
	"fmt"
	"math/big"
	"strings"
)

// AmountDecimals 代币金额的固定小数位数（与链上18位精度保持一致）
const AmountDecimals = 18

// amountScale 基础单位换算系数 10^18
var amountScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(AmountDecimals), nil)

// Amount 定点十进制金额，内部以基础单位(10^-18)的大整数存储
// 序列化时始终输出精确的十进制字符串，禁止二进制浮点
type Amount struct {
	units *big.Int
}

// ZeroAmount 零金额
func ZeroAmount() Amount {
	return Amount{units: new(big.Int)}
}

// AmountFromUnits 从基础单位创建金额（复制传入值）
func AmountFromUnits(units *big.Int) Amount {
	if units == nil {
		return ZeroAmount()
	}
	return Amount{units: new(big.Int).Set(units)}
}

// AmountFromTokens 从整数代币数创建金额
func AmountFromTokens(tokens int64) Amount {
	u := new(big.Int).Mul(big.NewInt(tokens), amountScale)
	return Amount{units: u}
}

// ParseAmount 解析十进制金额字符串，例如 "1000.0"、"1.5"、"0.000000000000000001"
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("金额字符串为空")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart = s[:idx]
		fracPart = s[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > AmountDecimals {
		return Amount{}, fmt.Errorf("小数位数超过 %d 位: %s", AmountDecimals, s)
	}

	// 小数部分右侧补零到18位
	fracPart += strings.Repeat("0", AmountDecimals-len(fracPart))

	i, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return Amount{}, fmt.Errorf("无效的金额整数部分: %s", s)
	}
	f, ok := new(big.Int).SetString(fracPart, 10)
	if !ok {
		return Amount{}, fmt.Errorf("无效的金额小数部分: %s", s)
	}

	u := new(big.Int).Mul(i, amountScale)
	u.Add(u, f)
	if neg {
		u.Neg(u)
	}
	return Amount{units: u}, nil
}

// MustParseAmount 解析金额，失败时panic（仅用于常量和测试）
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units 返回基础单位的副本
func (a Amount) Units() *big.Int {
	if a.units == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.units)
}

// Add 加法
func (a Amount) Add(b Amount) Amount {
	return Amount{units: new(big.Int).Add(a.Units(), b.Units())}
}

// Sub 减法（结果可能为负，由调用方检查）
func (a Amount) Sub(b Amount) Amount {
	return Amount{units: new(big.Int).Sub(a.Units(), b.Units())}
}

// MulDiv 计算 a * num / den，向下取整（用于按比例分配奖励）
func (a Amount) MulDiv(num, den *big.Int) Amount {
	if den == nil || den.Sign() == 0 {
		return ZeroAmount()
	}
	u := new(big.Int).Mul(a.Units(), num)
	u.Quo(u, den)
	return Amount{units: u}
}

// MulPercent 计算 a * pct / 100，pct以万分之一为步长的百分数字符串已在上层解析
func (a Amount) MulPercent(pct Amount) Amount {
	// pct本身是定点数，先乘再除以 100*10^18
	den := new(big.Int).Mul(big.NewInt(100), amountScale)
	return a.MulDiv(pct.Units(), den)
}

// Cmp 比较，返回 -1/0/1
func (a Amount) Cmp(b Amount) int {
	return a.Units().Cmp(b.Units())
}

// Sign 符号
func (a Amount) Sign() int {
	if a.units == nil {
		return 0
	}
	return a.units.Sign()
}

// IsZero 是否为零
func (a Amount) IsZero() bool {
	return a.Sign() == 0
}

// String 输出精确十进制字符串，去除多余的尾部零
func (a Amount) String() string {
	u := a.Units()
	neg := u.Sign() < 0
	if neg {
		u.Neg(u)
	}

	q := new(big.Int)
	r := new(big.Int)
	q.QuoRem(u, amountScale, r)

	s := q.String()
	if r.Sign() != 0 {
		frac := fmt.Sprintf("%018s", r.String())
		frac = strings.TrimRight(frac, "0")
		s = s + "." + frac
	}
	if neg {
		s = "-" + s
	}
	return s
}

// MarshalJSON 序列化为十进制字符串
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON 支持字符串和裸数字两种形式
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*a = ZeroAmount()
		return nil
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
