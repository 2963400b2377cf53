package mtproto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/wire"
)

func testAuthKey() *[256]byte {
	var key [256]byte
	for i := range key {
		key[i] = byte(i * 11)
	}
	return &key
}

// serverSeal builds an envelope the way the server does (direction x=8),
// so the client-side openEnvelope can read it.
func serverSeal(t *testing.T, key *[256]byte, keyID, salt, sessionID, msgID int64, seqNo int32, payload []byte) []byte {
	t.Helper()

	tail := wire.NewBuilder()
	tail.PutLong(salt)
	tail.PutLong(sessionID)
	tail.PutLong(msgID)
	tail.PutInt(seqNo)
	tail.PutInt(int32(len(payload)))
	tail.PutRaw(payload)

	msgKey := crypto.MsgKey(tail.Bytes())
	padded, err := crypto.PadRandom(tail.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	aesKey, aesIV := crypto.AuthKDF(key, msgKey, crypto.ServerToClient)
	encrypted, err := crypto.IGEEncrypt(aesKey, aesIV, padded)
	if err != nil {
		t.Fatal(err)
	}

	out := wire.NewBuilder()
	out.PutLong(keyID)
	out.PutInt128(msgKey)
	out.PutRaw(encrypted)
	return out.Bytes()
}

// clientOpen decrypts a client-sealed envelope (direction x=0), playing
// the server's role.
func clientOpen(t *testing.T, key *[256]byte, data []byte) *Envelope {
	t.Helper()
	r := wire.NewReader(data)
	keyID, _ := r.ReadLong()
	msgKey, _ := r.ReadInt128()

	aesKey, aesIV := crypto.AuthKDF(key, msgKey, crypto.ClientToServer)
	plain, err := crypto.IGEDecrypt(aesKey, aesIV, r.Rest())
	if err != nil {
		t.Fatal(err)
	}

	ir := wire.NewReader(plain)
	salt, _ := ir.ReadLong()
	sessionID, _ := ir.ReadLong()
	msgID, _ := ir.ReadLong()
	seqNo, _ := ir.ReadInt()
	msgLen, _ := ir.ReadInt()
	if msgLen <= 0 || int(msgLen) > ir.Remaining() {
		t.Fatalf("bad inner length %d", msgLen)
	}
	if crypto.MsgKey(plain[:innerHeaderSize+int(msgLen)]) != msgKey {
		t.Fatal("client envelope msg_key mismatch")
	}
	payload := make([]byte, msgLen)
	copy(payload, ir.Rest())
	return &Envelope{
		AuthKeyID:  keyID,
		ServerSalt: salt,
		SessionID:  sessionID,
		MsgID:      msgID,
		SeqNo:      seqNo,
		Payload:    payload,
	}
}

func TestSealEnvelopeRoundtrip(t *testing.T) {
	key := testAuthKey()
	keyID := crypto.AuthKeyID(key)
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 9)

	data, err := sealEnvelope(key, keyID, 111, 222, 1<<34, 5, payload)
	if err != nil {
		t.Fatalf("sealEnvelope: %v", err)
	}
	if (len(data)-envelopeHeaderSize)%16 != 0 {
		t.Fatal("encrypted part not block aligned")
	}

	env := clientOpen(t, key, data)
	if env.AuthKeyID != keyID || env.ServerSalt != 111 ||
		env.SessionID != 222 || env.MsgID != 1<<34 || env.SeqNo != 5 {
		t.Fatalf("header mismatch: %+v", env)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestSealEnvelopeMsgKeyProperty(t *testing.T) {
	// msg_key must be SHA1(salt‖session‖msg_id‖seq‖len‖payload)[4..20].
	key := testAuthKey()
	payload := []byte{1, 2, 3, 4}

	data, err := sealEnvelope(key, 7, 10, 20, 40, 1, payload)
	if err != nil {
		t.Fatal(err)
	}

	tail := wire.NewBuilder()
	tail.PutLong(10)
	tail.PutLong(20)
	tail.PutLong(40)
	tail.PutInt(1)
	tail.PutInt(4)
	tail.PutRaw(payload)
	want := crypto.MsgKey(tail.Bytes())

	if !bytes.Equal(data[8:24], want[:]) {
		t.Fatal("msg_key is not the SHA-1 tag of the unencrypted tail")
	}
}

func TestOpenEnvelopeRoundtrip(t *testing.T) {
	key := testAuthKey()
	keyID := crypto.AuthKeyID(key)
	payload := bytes.Repeat([]byte{9, 8, 7, 6}, 5)

	data := serverSeal(t, key, keyID, 1, 2, 4|1, 3, payload)
	env, err := openEnvelope(key, data)
	if err != nil {
		t.Fatalf("openEnvelope: %v", err)
	}
	if env.MsgID != 5 || env.SeqNo != 3 || !bytes.Equal(env.Payload, payload) {
		t.Fatalf("envelope mismatch: %+v", env)
	}
}

func TestOpenEnvelopeRejectsTampering(t *testing.T) {
	key := testAuthKey()
	data := serverSeal(t, key, 7, 1, 2, 5, 3, []byte{1, 2, 3, 4})

	// Flip a ciphertext bit: the recomputed tag cannot match.
	data[len(data)-1] ^= 1
	if _, err := openEnvelope(key, data); !errors.Is(err, ErrProtocol) {
		t.Fatalf("tampered envelope accepted: %v", err)
	}
}

func TestOpenEnvelopeRejectsBadLengths(t *testing.T) {
	key := testAuthKey()

	if _, err := openEnvelope(key, make([]byte, 10)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("short envelope accepted: %v", err)
	}
	// Unaligned encrypted part.
	if _, err := openEnvelope(key, make([]byte, envelopeHeaderSize+innerHeaderSize+8)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("unaligned envelope accepted: %v", err)
	}
}

func TestSealEnvelopeRejectsOversized(t *testing.T) {
	key := testAuthKey()
	big := make([]byte, MaxPayloadSize+4)
	if _, err := sealEnvelope(key, 1, 0, 0, 4, 1, big); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("oversized payload accepted: %v", err)
	}
	if _, err := sealEnvelope(key, 1, 0, 0, 4, 1, []byte{1, 2, 3}); err == nil {
		t.Fatal("unaligned payload accepted")
	}
}
