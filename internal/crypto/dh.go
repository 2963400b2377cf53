package crypto

import (
	"fmt"
	"math/big"
)

// millerRabinRounds is the primality confidence used for unknown primes.
const millerRabinRounds = 40

// knownPrimes lists server DH primes that skip the primality check.
// The entry below is the 2048-bit safe prime Telegram production data
// centers have served since the protocol's introduction.
var knownPrimes = []string{
	"c71caeb9c6b1c9048e6c522f70f13f73980d40238e3e21c14934d037563d930f" +
		"48198a0aa7c14058229493d22530f4dbfa336f6e0ac925139543aed44cce7c37" +
		"20fd51f69458705ac68cd4fe6b6b13abdc9746512969328454f18faf8c595f64" +
		"2477fe96bb2a941d5bcd1d4ac8cc49880708fa9b378e3c4f3a9060bee67cf9a4" +
		"a4a695811051907e162753b56b0f6b410dba74d8a84b2a14b3144e0ef1284754" +
		"fd17ed950d5965b4b9dd46582db1178d169c6bc465b0d6ff9ca3928fef5b9ae4" +
		"e418fc15e83ebea0f87fa9ff5eed70050ded2849f47bf959d956850ce929851f" +
		"0d8115f635b105ee2e4e15d04b2454bf6f4fadf034b10403119cd8e3b92fcc5b",
}

var knownPrimeSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(knownPrimes))
	for _, p := range knownPrimes {
		m[p] = struct{}{}
	}
	return m
}()

// CheckDHParams validates the server-provided DH modulus and generator.
// The modulus must be a known 2048-bit server prime or pass Miller–Rabin
// together with its Sophie Germain half; the generator must lie in 2..7.
func CheckDHParams(prime *big.Int, g int32) error {
	if g < 2 || g > 7 {
		return fmt.Errorf("%w: generator %d", ErrCryptoParam, g)
	}
	if prime.BitLen() != 2048 {
		return fmt.Errorf("%w: dh_prime is %d bits", ErrCryptoParam, prime.BitLen())
	}

	if _, ok := knownPrimeSet[fmt.Sprintf("%0512x", prime)]; ok {
		return nil
	}

	if !prime.ProbablyPrime(millerRabinRounds) {
		return fmt.Errorf("%w: dh_prime fails primality", ErrCryptoParam)
	}
	half := new(big.Int).Rsh(new(big.Int).Sub(prime, big.NewInt(1)), 1)
	if !half.ProbablyPrime(millerRabinRounds) {
		return fmt.Errorf("%w: (dh_prime-1)/2 fails primality", ErrCryptoParam)
	}
	return nil
}

// CheckDHExchange validates a DH public value against the modulus:
// 1 < x < prime-1, and additionally 2^2047 ≤ x ≤ prime − 2^2047 to rule
// out values an attacker could bias.
func CheckDHExchange(prime, x *big.Int) error {
	one := big.NewInt(1)
	upper := new(big.Int).Sub(prime, one)
	if x.Cmp(one) <= 0 || x.Cmp(upper) >= 0 {
		return fmt.Errorf("%w: DH value out of range", ErrCryptoParam)
	}

	low := new(big.Int).Lsh(one, 2047)
	high := new(big.Int).Sub(prime, low)
	if x.Cmp(low) < 0 || x.Cmp(high) > 0 {
		return fmt.Errorf("%w: DH value too close to the boundary", ErrCryptoParam)
	}
	return nil
}
