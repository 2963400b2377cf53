// Package crypto provides the cryptographic primitives of the MTProto
// transport: SHA-1 based key derivation, AES-256 in IGE mode, padded RSA
// public-key encryption, DH parameter validation and PQ factorization.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// SecureRandom fills p with cryptographically secure random bytes.
func SecureRandom(p []byte) error {
	if _, err := io.ReadFull(rand.Reader, p); err != nil {
		return fmt.Errorf("secure random: %w", err)
	}
	return nil
}

// RandomInt128 returns a random 16-byte value.
func RandomInt128() ([16]byte, error) {
	var v [16]byte
	err := SecureRandom(v[:])
	return v, err
}

// RandomInt256 returns a random 32-byte value.
func RandomInt256() ([32]byte, error) {
	var v [32]byte
	err := SecureRandom(v[:])
	return v, err
}

// RandomLong returns a random 64-bit value.
func RandomLong() (int64, error) {
	var b [8]byte
	if err := SecureRandom(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
