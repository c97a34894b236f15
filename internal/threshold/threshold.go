package threshold

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// PrecisionBits is the number of fractional bits used by the voting machine's real numbers.
const PrecisionBits = 40

// Precision is the fixed-point scale factor, 2^PrecisionBits.
var Precision = new(big.Int).Lsh(big.NewInt(1), PrecisionBits)

// ErrZeroThreshold is returned when a computation would divide by a zero threshold.
var ErrZeroThreshold = errors.New("threshold is zero")

// Inputs are the values a threshold delta is computed from.
// Threshold is already in fixed-point form (ratio * Precision).
type Inputs struct {
	StakesFor     *big.Int
	StakesAgainst *big.Int
	Threshold     *big.Int
}

// Encode converts a ratio into fixed-point form, truncating toward zero.
func Encode(ratio *big.Rat) *big.Int {
	if ratio == nil {
		return new(big.Int)
	}
	scaled := new(big.Int).Mul(ratio.Num(), Precision)
	return scaled.Quo(scaled, ratio.Denom())
}

// Decode converts a fixed-point value back into an exact ratio.
func Decode(fixed *big.Int) *big.Rat {
	if fixed == nil {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(fixed, Precision)
}

// ParseRatio parses a decimal ("0.5") or fractional ("1/3") ratio into fixed-point form.
func ParseRatio(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty ratio")
	}
	ratio, ok := new(big.Rat).SetString(input)
	if !ok {
		return nil, fmt.Errorf("invalid ratio: %s", input)
	}
	return Encode(ratio), nil
}

// Upstake returns the additional for-stake needed to cross the threshold:
// Threshold * StakesAgainst / Precision - StakesFor.
// A negative result means the threshold is already exceeded by that amount.
func Upstake(in Inputs) *big.Int {
	out := new(big.Int).Mul(orZero(in.Threshold), orZero(in.StakesAgainst))
	out.Quo(out, Precision)
	return out.Sub(out, orZero(in.StakesFor))
}

// Downstake returns the additional against-stake needed to fall back below the threshold:
// StakesFor * Precision / Threshold - StakesAgainst.
func Downstake(in Inputs) (*big.Int, error) {
	threshold := orZero(in.Threshold)
	if threshold.Sign() == 0 {
		return nil, ErrZeroThreshold
	}
	out := new(big.Int).Mul(orZero(in.StakesFor), Precision)
	out.Quo(out, threshold)
	return out.Sub(out, orZero(in.StakesAgainst)), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
