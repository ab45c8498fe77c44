package common

import (
	decimal2 "github.com/govalues/decimal"
)

// Decimal holds no pointers, so it may be stored raw in arena memory.
type Decimal struct {
	decimal2.Decimal
}

func NewDecimal(value int64, scale int) (Decimal, error) {
	d, err := decimal2.New(value, scale)
	return Decimal{d}, err
}

func ParseDecimalString(s string) (Decimal, error) {
	d, err := decimal2.Parse(s)
	return Decimal{d}, err
}

func MustDecimal(s string) Decimal {
	d, err := ParseDecimalString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDecimal parses s and pads or rounds it to scale.
func ParseDecimal(s string, scale int) (Decimal, error) {
	d, err := decimal2.ParseExact(s, scale)
	return Decimal{d}, err
}

// DecimalFromParts is the inverse of Parts.
func DecimalFromParts(whole, frac int64, scale int) (Decimal, error) {
	d, err := decimal2.NewFromInt64(whole, frac, scale)
	return Decimal{d}, err
}

// Parts splits the value at scale. ok is false when the value does not
// fit two int64 words.
func (dec *Decimal) Parts(scale int) (whole, frac int64, ok bool) {
	return dec.Decimal.Int64(scale)
}

func (dec *Decimal) Equal(o *Decimal) bool {
	return dec.Decimal.Cmp(o.Decimal) == 0
}

func (dec *Decimal) String() string {
	return dec.Decimal.String()
}

func (dec *Decimal) Add(lhs *Decimal, rhs *Decimal) error {
	res, err := lhs.Decimal.Add(rhs.Decimal)
	if err != nil {
		return err
	}
	dec.Decimal = res
	return nil
}

func (dec *Decimal) Quo(lhs *Decimal, rhs *Decimal) error {
	res, err := lhs.Decimal.Quo(rhs.Decimal)
	if err != nil {
		return err
	}
	dec.Decimal = res
	return nil
}

func (dec *Decimal) Less(lhs, rhs *Decimal) bool {
	return lhs.Decimal.Cmp(rhs.Decimal) < 0
}

func (dec *Decimal) Greater(lhs, rhs *Decimal) bool {
	return lhs.Decimal.Cmp(rhs.Decimal) > 0
}

func NegateDecimal(input *Decimal, result *Decimal) {
	result.Decimal = input.Decimal.Neg()
}
