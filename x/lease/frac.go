package lease

import (
	"encoding/binary"
	"math/bits"

	"github.com/iov-one/weave/errors"
)

// Frac is an exact unsigned rational number. Contributor shares are
// stored as contribution over total raised without any reduction or
// rounding, so that every payout is computed as the exact product
// floor(num * x / den) or ceil(num * x / den).
type Frac struct {
	num uint64
	den uint64
}

// NewFrac returns num/den. Division by zero is an error.
func NewFrac(num, den uint64) (Frac, error) {
	if den == 0 {
		return Frac{}, errors.Wrap(errors.ErrInput, "division by zero")
	}
	return Frac{num: num, den: den}, nil
}

// IsZero returns true if the fraction is exactly zero.
func (f Frac) IsZero() bool {
	return f.num == 0
}

// MulFloor returns floor(f * x). The result overflowing 64 bits is an
// error.
func (f Frac) MulFloor(x uint64) (uint64, error) {
	hi, lo := bits.Mul64(f.num, x)
	if hi >= f.den {
		return 0, errors.Wrap(errors.ErrOverflow, "fraction multiplication")
	}
	q, _ := bits.Div64(hi, lo, f.den)
	return q, nil
}

// MulCeil returns ceil(f * x).
func (f Frac) MulCeil(x uint64) (uint64, error) {
	hi, lo := bits.Mul64(f.num, x)
	if hi >= f.den {
		return 0, errors.Wrap(errors.ErrOverflow, "fraction multiplication")
	}
	q, r := bits.Div64(hi, lo, f.den)
	if r != 0 {
		if q++; q == 0 {
			return 0, errors.Wrap(errors.ErrOverflow, "fraction multiplication")
		}
	}
	return q, nil
}

// Bytes returns the 16 byte big endian representation of the fraction,
// numerator first.
func (f Frac) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], f.num)
	binary.BigEndian.PutUint64(b[8:], f.den)
	return b
}

// FracFromBytes parses a 16 byte big endian rational value.
func FracFromBytes(b []byte) (Frac, error) {
	if len(b) != 16 {
		return Frac{}, errors.Wrapf(errors.ErrInput, "invalid fraction length %d", len(b))
	}
	den := binary.BigEndian.Uint64(b[8:])
	if den == 0 {
		return Frac{}, errors.Wrap(errors.ErrInput, "zero denominator")
	}
	return Frac{
		num: binary.BigEndian.Uint64(b[:8]),
		den: den,
	}, nil
}
