package precompute

import (
	"errors"
	"fmt"
	"math/big"
)

// OrderByField is the composite ordering column of a precomputed table
const OrderByField = "orderby_field"

// BlockDigits is the width of each column's block in the composite value
const BlockDigits = 20

// ErrOrderByRange is returned for a value that does not fit its block
var ErrOrderByRange = errors.New("order by value out of range")

var blockBase = new(big.Int).Exp(big.NewInt(10), big.NewInt(BlockDigits), nil)

// EncodeOrderBy combines values into one number that sorts like the tuple:
// value k is weighted by 10^(20*(n-1-k)). Only the leading value may exceed
// 10^20 and no value may be negative.
func EncodeOrderBy(values ...*big.Int) (*big.Int, error) {
	out := new(big.Int)
	for i, v := range values {
		if v == nil || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: column %d: %v", ErrOrderByRange, i, v)
		}
		if i > 0 && v.Cmp(blockBase) >= 0 {
			return nil, fmt.Errorf("%w: column %d: %s does not fit %d digits", ErrOrderByRange, i, v, BlockDigits)
		}
		out.Mul(out, blockBase)
		out.Add(out, v)
	}
	return out, nil
}

// DecodeOrderBy splits a composite value back into n values
func DecodeOrderBy(v *big.Int, n int) []*big.Int {
	out := make([]*big.Int, n)
	rest := new(big.Int).Set(v)
	for i := n - 1; i > 0; i-- {
		block := new(big.Int)
		rest.DivMod(rest, blockBase, block)
		out[i] = block
	}
	if n > 0 {
		out[0] = rest
	}
	return out
}
