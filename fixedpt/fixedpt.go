// Package fixedpt implements Q17.14 signed fixed-point arithmetic for
// the advanced scheduler's load average and recent-cpu bookkeeping.
package fixedpt

// Fp_t is a real number stored as a signed 32-bit integer with 14
// fraction bits.
type Fp_t int32

const (
	q = 14
	f = 1 << q
)

// Int constructs the fixed-point representation of n.
func Int(n int) Fp_t {
	return Fp_t(n * f)
}

// Frac constructs the fixed-point representation of num/den.
func Frac(num, den int) Fp_t {
	return Fp_t(int64(num) * f / int64(den))
}

// Trunc converts x to an integer, rounding toward zero.
func (x Fp_t) Trunc() int {
	return int(x / f)
}

// Round converts x to the nearest integer.
func (x Fp_t) Round() int {
	if x >= 0 {
		return int((x + f/2) / f)
	}
	return int((x - f/2) / f)
}

func (x Fp_t) Add(y Fp_t) Fp_t {
	return x + y
}

func (x Fp_t) Sub(y Fp_t) Fp_t {
	return x - y
}

func (x Fp_t) Addi(n int) Fp_t {
	return x + Fp_t(n*f)
}

func (x Fp_t) Subi(n int) Fp_t {
	return x - Fp_t(n*f)
}

func (x Fp_t) Mul(y Fp_t) Fp_t {
	return Fp_t(int64(x) * int64(y) / f)
}

func (x Fp_t) Div(y Fp_t) Fp_t {
	return Fp_t(int64(x) * f / int64(y))
}

func (x Fp_t) Muli(n int) Fp_t {
	return x * Fp_t(n)
}

func (x Fp_t) Divi(n int) Fp_t {
	return x / Fp_t(n)
}

// Neg is two's-complement negation, so Neg(Neg(x)) == x for every
// representable x but the minimum.
func (x Fp_t) Neg() Fp_t {
	return -x
}

// Abs returns the magnitude of x.
func (x Fp_t) Abs() Fp_t {
	if x < 0 {
		return -x
	}
	return x
}
