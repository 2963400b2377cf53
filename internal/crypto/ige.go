package crypto

import (
	"crypto/aes"
	"errors"
	"fmt"
)

const (
	// IGEKeySize is the AES-256 key size in bytes.
	IGEKeySize = 32

	// IGEIVSize is the IGE IV size: two AES blocks.
	IGEIVSize = 32

	// IGEBlockSize is the AES block size.
	IGEBlockSize = 16
)

var (
	// ErrIGELength is returned when the input is not a positive multiple
	// of the block size.
	ErrIGELength = errors.New("IGE input must be a positive multiple of 16 bytes")
)

// IGEEncrypt encrypts src with AES-256 in IGE mode. The IV holds the
// initial ciphertext block followed by the initial plaintext block.
func IGEEncrypt(key [IGEKeySize]byte, iv [IGEIVSize]byte, src []byte) ([]byte, error) {
	if len(src) == 0 || len(src)%IGEBlockSize != 0 {
		return nil, ErrIGELength
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	dst := make([]byte, len(src))
	var cPrev, pPrev [IGEBlockSize]byte
	copy(cPrev[:], iv[:IGEBlockSize])
	copy(pPrev[:], iv[IGEBlockSize:])

	var tmp [IGEBlockSize]byte
	for off := 0; off < len(src); off += IGEBlockSize {
		p := src[off : off+IGEBlockSize]
		for i := 0; i < IGEBlockSize; i++ {
			tmp[i] = p[i] ^ cPrev[i]
		}
		c := dst[off : off+IGEBlockSize]
		block.Encrypt(c, tmp[:])
		for i := 0; i < IGEBlockSize; i++ {
			c[i] ^= pPrev[i]
		}
		copy(cPrev[:], c)
		copy(pPrev[:], p)
	}
	return dst, nil
}

// IGEDecrypt decrypts src that was encrypted with IGEEncrypt under the
// same key and IV.
func IGEDecrypt(key [IGEKeySize]byte, iv [IGEIVSize]byte, src []byte) ([]byte, error) {
	if len(src) == 0 || len(src)%IGEBlockSize != 0 {
		return nil, ErrIGELength
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	dst := make([]byte, len(src))
	var cPrev, pPrev [IGEBlockSize]byte
	copy(cPrev[:], iv[:IGEBlockSize])
	copy(pPrev[:], iv[IGEBlockSize:])

	var tmp [IGEBlockSize]byte
	for off := 0; off < len(src); off += IGEBlockSize {
		c := src[off : off+IGEBlockSize]
		for i := 0; i < IGEBlockSize; i++ {
			tmp[i] = c[i] ^ pPrev[i]
		}
		p := dst[off : off+IGEBlockSize]
		block.Decrypt(p, tmp[:])
		for i := 0; i < IGEBlockSize; i++ {
			p[i] ^= cPrev[i]
		}
		copy(cPrev[:], c)
		copy(pPrev[:], p)
	}
	return dst, nil
}

// PadRandom appends 0..15 random bytes to p so its length becomes a
// multiple of 16. The padding is drawn from the secure random source; it
// travels under the integrity tag, never as zero filler.
func PadRandom(p []byte) ([]byte, error) {
	rem := len(p) % IGEBlockSize
	if rem == 0 {
		return p, nil
	}
	pad := make([]byte, IGEBlockSize-rem)
	if err := SecureRandom(pad); err != nil {
		return nil, err
	}
	return append(p, pad...), nil
}
