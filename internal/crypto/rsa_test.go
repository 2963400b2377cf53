package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	})
	return priv, pemData
}

// padDecrypt reverses PadEncrypt using the private exponent.
func padDecrypt(priv *rsa.PrivateKey, data []byte) []byte {
	var out []byte
	c := new(big.Int)
	for off := 0; off < len(data); off += 256 {
		c.SetBytes(data[off : off+256])
		m := new(big.Int).Exp(c, priv.D, priv.N)
		block := make([]byte, 255)
		m.FillBytes(block)
		out = append(out, block...)
	}
	return out
}

func TestParsePublicKeyPEM(t *testing.T) {
	priv, pemData := testKeyPair(t)

	pk, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if pk.N.Cmp(priv.N) != 0 {
		t.Fatal("modulus mismatch")
	}
	if pk.E.Int64() != int64(priv.E) {
		t.Fatal("exponent mismatch")
	}
	if pk.Fingerprint == 0 {
		t.Fatal("zero fingerprint")
	}

	// Fingerprints are stable across parses.
	pk2, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		t.Fatal(err)
	}
	if pk2.Fingerprint != pk.Fingerprint {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestParsePublicKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKeyPEM([]byte("not a pem")); err == nil {
		t.Fatal("accepted non-PEM input")
	}
	bad := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}})
	if _, err := ParsePublicKeyPEM(bad); err == nil {
		t.Fatal("accepted wrong PEM type")
	}
}

func TestPadEncryptRoundtrip(t *testing.T) {
	priv, pemData := testKeyPair(t)
	pk, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{1, 20, 255, 256, 300, 510} {
		plain := bytes.Repeat([]byte{0x42}, n)
		plain[0] = 1 // keep the leading block below the modulus

		enc, err := PadEncrypt(pk, plain)
		if err != nil {
			t.Fatalf("PadEncrypt(%d bytes): %v", n, err)
		}
		if len(enc)%256 != 0 {
			t.Fatalf("ciphertext length %d not a multiple of 256", len(enc))
		}

		dec := padDecrypt(priv, enc)
		if len(dec)-n < 32 {
			t.Fatalf("padding below 32 bytes: %d", len(dec)-n)
		}
		if !bytes.Equal(dec[:n], plain) {
			t.Fatalf("roundtrip mismatch for %d bytes", n)
		}
	}
}

func TestPadEncryptRejectsBadInput(t *testing.T) {
	_, pemData := testKeyPair(t)
	pk, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := PadEncrypt(pk, nil); err == nil {
		t.Fatal("accepted empty plaintext")
	}
	if _, err := PadEncrypt(pk, make([]byte, 2551)); err == nil {
		t.Fatal("accepted oversized plaintext")
	}
}

func TestKeyringMatch(t *testing.T) {
	_, pem1 := testKeyPair(t)
	_, pem2 := testKeyPair(t)

	kr := NewKeyring()
	if err := kr.AddPEM(pem1); err != nil {
		t.Fatal(err)
	}
	if err := kr.AddPEM(pem2); err != nil {
		t.Fatal(err)
	}
	if kr.Len() != 2 {
		t.Fatalf("Len = %d", kr.Len())
	}

	fps := kr.Fingerprints()
	if idx := kr.Match([]int64{12345, fps[1]}); idx != 1 {
		t.Fatalf("Match = %d, want 1", idx)
	}
	if idx := kr.Match([]int64{fps[0]}); idx != 0 {
		t.Fatalf("Match = %d, want 0", idx)
	}
	if idx := kr.Match([]int64{999}); idx != -1 {
		t.Fatalf("Match = %d, want -1", idx)
	}
}
