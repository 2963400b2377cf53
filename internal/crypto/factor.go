package crypto

import (
	"errors"
	"math/bits"
	"math/rand"
)

// ErrUnfactorable is returned when no nontrivial factor of pq is found.
// An honest server never triggers it.
var ErrUnfactorable = errors.New("cannot factor pq")

// Factorize splits pq into (p, q) with p < q and p·q = pq, using
// Pollard's rho with Brent's cycle detection and a trial-division
// fallback for small inputs.
func Factorize(pq uint64) (p, q uint64, err error) {
	if pq < 4 {
		return 0, 0, ErrUnfactorable
	}
	if pq%2 == 0 {
		return order(2, pq/2)
	}

	if f := trialDivide(pq, 1000); f != 0 {
		return order(f, pq/f)
	}

	rng := rand.New(rand.NewSource(int64(pq)))
	for attempt := 0; attempt < 64; attempt++ {
		f := pollardBrent(pq, rng)
		if f != 0 && f != pq {
			return order(f, pq/f)
		}
	}
	return 0, 0, ErrUnfactorable
}

func order(a, b uint64) (uint64, uint64, error) {
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}

// trialDivide checks odd divisors up to the limit.
func trialDivide(n, limit uint64) uint64 {
	for d := uint64(3); d <= limit && d*d <= n; d += 2 {
		if n%d == 0 {
			return d
		}
	}
	return 0
}

// pollardBrent runs one randomized round of Brent's variant of
// Pollard's rho.
func pollardBrent(n uint64, rng *rand.Rand) uint64 {
	y := rng.Uint64()%(n-1) + 1
	c := rng.Uint64()%(n-1) + 1
	m := uint64(128)

	g, r, qAcc := uint64(1), uint64(1), uint64(1)
	var x, ys uint64

	for g == 1 {
		x = y
		for i := uint64(0); i < r; i++ {
			y = step(y, c, n)
		}
		for k := uint64(0); k < r && g == 1; k += m {
			ys = y
			lim := m
			if r-k < lim {
				lim = r - k
			}
			for i := uint64(0); i < lim; i++ {
				y = step(y, c, n)
				qAcc = mulmod(qAcc, absDiff(x, y), n)
			}
			g = gcd(qAcc, n)
		}
		r *= 2
	}

	if g == n {
		// Backtrack one step at a time.
		for {
			ys = step(ys, c, n)
			g = gcd(absDiff(x, ys), n)
			if g > 1 {
				break
			}
		}
	}
	if g == n {
		return 0
	}
	return g
}

func step(y, c, n uint64) uint64 {
	return addmod(mulmod(y, y, n), c, n)
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func addmod(a, b, n uint64) uint64 {
	a %= n
	b %= n
	if a >= n-b {
		return a - (n - b)
	}
	return a + b
}

func mulmod(a, b, n uint64) uint64 {
	hi, lo := bits.Mul64(a%n, b%n)
	_, rem := bits.Div64(hi, lo, n)
	return rem
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
