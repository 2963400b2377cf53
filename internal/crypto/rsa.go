package crypto

import (
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/postalsys/tele-metroo/internal/wire"
)

var (
	// ErrCryptoParam is returned when RSA or DH preconditions are violated.
	ErrCryptoParam = errors.New("bad crypto parameter")

	// ErrNoKey is returned when no usable RSA public key is available.
	ErrNoKey = errors.New("no RSA public key")
)

// PublicKey is an RSA public key loaded for the handshake.
type PublicKey struct {
	N *big.Int
	E *big.Int

	// Fingerprint is SHA1(string(n) ‖ string(e))[12..20] little-endian,
	// with both integers serialized as TL strings of their big-endian bytes.
	Fingerprint int64
}

// ParsePublicKeyPEM parses a PKCS#1 "RSA PUBLIC KEY" PEM block.
func ParsePublicKeyPEM(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrNoKey)
	}
	if block.Type != "RSA PUBLIC KEY" {
		return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrNoKey, block.Type)
	}

	var seq cryptobyte.String
	input := cryptobyte.String(block.Bytes)
	if !input.ReadASN1(&seq, casn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed RSAPublicKey DER", ErrNoKey)
	}
	n := new(big.Int)
	e := new(big.Int)
	if !seq.ReadASN1Integer(n) || !seq.ReadASN1Integer(e) || !seq.Empty() {
		return nil, fmt.Errorf("%w: malformed RSAPublicKey DER", ErrNoKey)
	}
	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive modulus or exponent", ErrNoKey)
	}

	pk := &PublicKey{N: n, E: e}
	pk.Fingerprint = computeFingerprint(n, e)
	return pk, nil
}

// computeFingerprint hashes the TL-serialized modulus and exponent and
// takes the low 8 bytes of the SHA-1 at offset 12, little-endian.
func computeFingerprint(n, e *big.Int) int64 {
	b := wire.NewBuilder()
	_ = b.PutBigInt(n)
	_ = b.PutBigInt(e)
	sum := SHA1(b.Bytes())
	return int64(binary.LittleEndian.Uint64(sum[12:20]))
}

// Keyring holds the loaded RSA public keys indexed by load order.
type Keyring struct {
	keys []*PublicKey
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// AddPEM parses and adds a PEM-encoded public key.
func (kr *Keyring) AddPEM(data []byte) error {
	pk, err := ParsePublicKeyPEM(data)
	if err != nil {
		return err
	}
	kr.keys = append(kr.keys, pk)
	return nil
}

// Len returns the number of loaded keys.
func (kr *Keyring) Len() int {
	return len(kr.keys)
}

// Key returns the key at the given index.
func (kr *Keyring) Key(idx int) *PublicKey {
	return kr.keys[idx]
}

// Fingerprints returns the fingerprints of all loaded keys in load order.
func (kr *Keyring) Fingerprints() []int64 {
	out := make([]int64, len(kr.keys))
	for i, k := range kr.keys {
		out[i] = k.Fingerprint
	}
	return out
}

// Match returns the index of the first loaded key whose fingerprint
// appears in the server's list, scanning the server list in order.
// Returns -1 if none matches.
func (kr *Keyring) Match(serverFingerprints []int64) int {
	for _, fp := range serverFingerprints {
		for i, k := range kr.keys {
			if k.Fingerprint == fp {
				return i
			}
		}
	}
	return -1
}

// PadEncrypt encrypts plaintext under pk using the handshake block
// padding: the input is padded with at least 32 random bytes to a
// multiple of 255, split into 255-byte blocks, each interpreted as a
// big-endian integer and raised to E mod N, and emitted as 256-byte
// big-endian blocks.
func PadEncrypt(pk *PublicKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext) > 2550 {
		return nil, fmt.Errorf("%w: plaintext length %d", ErrCryptoParam, len(plaintext))
	}
	bits := pk.N.BitLen()
	if bits < 2041 || bits > 2048 {
		return nil, fmt.Errorf("%w: modulus is %d bits", ErrCryptoParam, bits)
	}

	pad := (255000-len(plaintext)-32)%255 + 32
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	if err := SecureRandom(buf[len(plaintext):]); err != nil {
		return nil, err
	}

	chunks := len(buf) / 255
	out := make([]byte, 0, chunks*256)
	x := new(big.Int)
	y := new(big.Int)
	for i := 0; i < chunks; i++ {
		x.SetBytes(buf[i*255 : (i+1)*255])
		if x.Cmp(pk.N) >= 0 {
			return nil, fmt.Errorf("%w: block not below modulus", ErrCryptoParam)
		}
		y.Exp(x, pk.E, pk.N)
		block := make([]byte, 256)
		y.FillBytes(block)
		out = append(out, block...)
	}
	return out, nil
}
