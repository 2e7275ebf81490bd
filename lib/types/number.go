package types

import (
	"errors"
	"math/big"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrRationalFormat = errors.New("rational format is not right")
	ErrZeroDenom      = errors.New("denominator is zero")
)

// MinPrice is the smallest admissible order price (1e-8).
var MinPrice = NewRational(1, 100000000)

// MinTradingVol is the system minimum for min_base_vol * price.
var MinTradingVol = NewRational(1, 10000)

// Rational is an exact fraction used for every price and volume in the
// protocol. Amounts cross the wire and hit the disk as (sign, numerator,
// denominator) tuples, never as floats.
type Rational struct {
	r big.Rat
}

type rationalWire struct {
	_   struct{} `cbor:",toarray"`
	Neg bool
	Num []byte
	Den []byte
}

func NewRational(num, den int64) Rational {
	var a Rational
	a.r.SetFrac64(num, den)
	return a
}

func RationalFromInt(v int64) Rational {
	return NewRational(v, 1)
}

func RationalFromBig(r *big.Rat) Rational {
	var a Rational
	a.r.Set(r)
	return a
}

// ParseRational accepts a decimal string ("0.25") or a fraction ("1/4").
func ParseRational(s string) (Rational, error) {
	var a Rational
	s = strings.TrimSpace(s)
	if s == "" {
		return a, ErrRationalFormat
	}
	if _, ok := a.r.SetString(s); !ok {
		return a, ErrRationalFormat
	}
	return a, nil
}

func (a Rational) Add(b Rational) Rational {
	var c Rational
	c.r.Add(&a.r, &b.r)
	return c
}

func (a Rational) Sub(b Rational) Rational {
	var c Rational
	c.r.Sub(&a.r, &b.r)
	return c
}

func (a Rational) Mul(b Rational) Rational {
	var c Rational
	c.r.Mul(&a.r, &b.r)
	return c
}

func (a Rational) Div(b Rational) Rational {
	var c Rational
	c.r.Quo(&a.r, &b.r)
	return c
}

// DivInt divides by a whole number; used for the dex fee divisor.
func (a Rational) DivInt(n int64) Rational {
	return a.Div(RationalFromInt(n))
}

func (a Rational) Cmp(b Rational) int {
	return a.r.Cmp(&b.r)
}

func (a Rational) Sign() int {
	return a.r.Sign()
}

func (a Rational) IsZero() bool {
	return a.r.Sign() == 0
}

// Rat returns a mutable copy.
func (a Rational) Rat() *big.Rat {
	return new(big.Rat).Set(&a.r)
}

func (a Rational) String() string {
	return a.r.RatString()
}

// Decimal renders with eight fractional digits for display.
func (a Rational) Decimal() string {
	return a.r.FloatString(8)
}

func (a Rational) MarshalCBOR() ([]byte, error) {
	w := rationalWire{
		Neg: a.r.Sign() < 0,
		Num: new(big.Int).Abs(a.r.Num()).Bytes(),
		Den: a.r.Denom().Bytes(),
	}
	return cbor.Marshal(w)
}

func (a *Rational) UnmarshalCBOR(data []byte) error {
	var w rationalWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	num := new(big.Int).SetBytes(w.Num)
	if w.Neg {
		num.Neg(num)
	}
	den := new(big.Int).SetBytes(w.Den)
	if den.Sign() == 0 {
		return ErrZeroDenom
	}
	a.r.SetFrac(num, den)
	return nil
}
