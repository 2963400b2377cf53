// Package mtproto implements the authenticated MTProto transport: the
// encrypted message envelope, the inbound control-message dispatcher,
// temporary-key binding and the per-DC client controller.
package mtproto

import (
	"errors"
	"fmt"

	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/wire"
)

// Error taxonomy of the transport layer.
var (
	// ErrProtocol covers opcode, digest and length violations.
	ErrProtocol = errors.New("protocol violation")

	// ErrTransport covers sends that find no connection or no working
	// key, and connection write or flush failures.
	ErrTransport = errors.New("transport failure")

	// ErrMessageTooLong is returned for payloads above the envelope limit.
	ErrMessageTooLong = errors.New("message too long")
)

const (
	// MaxMessageInts bounds the payload of one envelope in 32-bit words.
	MaxMessageInts = 1 << 16

	// MaxPayloadSize is the byte limit for one envelope payload.
	MaxPayloadSize = MaxMessageInts*4 - 16

	// envelopeHeaderSize is auth_key_id + msg_key.
	envelopeHeaderSize = 8 + 16

	// innerHeaderSize is salt + session_id + msg_id + seq_no + msg_len.
	innerHeaderSize = 8 + 8 + 8 + 4 + 4
)

// Envelope is a decrypted incoming message.
type Envelope struct {
	AuthKeyID  int64
	ServerSalt int64
	SessionID  int64
	MsgID      int64
	SeqNo      int32
	Payload    []byte
}

// sealEnvelope builds the encrypted wire form of one outgoing message:
//
//	auth_key_id ‖ msg_key ‖ AES-IGE(salt ‖ session_id ‖ msg_id ‖ seq_no ‖ len ‖ payload ‖ pad)
//
// msg_key is the SHA-1 tag of the unpadded plaintext tail.
func sealEnvelope(key *[256]byte, keyID, salt, sessionID, msgID int64, seqNo int32, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%4 != 0 {
		return nil, wire.ErrNotAligned
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrMessageTooLong
	}

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
		return nil, err
	}

	aesKey, aesIV := crypto.AuthKDF(key, msgKey, crypto.ClientToServer)
	encrypted, err := crypto.IGEEncrypt(aesKey, aesIV, padded)
	if err != nil {
		return nil, err
	}

	out := wire.NewBuilder()
	out.PutLong(keyID)
	out.PutInt128(msgKey)
	out.PutRaw(encrypted)
	return out.Bytes(), nil
}

// peekAuthKeyID reads the key id of an incoming frame without decrypting.
func peekAuthKeyID(data []byte) (int64, error) {
	r := wire.NewReader(data)
	id, err := r.ReadLong()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return id, nil
}

// openEnvelope decrypts and validates an incoming frame under the given
// key. Malformed lengths and tag mismatches return ErrProtocol; the
// caller closes the connection in that case.
func openEnvelope(key *[256]byte, data []byte) (*Envelope, error) {
	if len(data) < envelopeHeaderSize+innerHeaderSize ||
		(len(data)-envelopeHeaderSize)%16 != 0 {
		return nil, fmt.Errorf("%w: malformed envelope length %d", ErrProtocol, len(data))
	}

	r := wire.NewReader(data)
	keyID, _ := r.ReadLong()
	msgKey, err := r.ReadInt128()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	aesKey, aesIV := crypto.AuthKDF(key, msgKey, crypto.ServerToClient)
	plain, err := crypto.IGEDecrypt(aesKey, aesIV, r.Rest())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	ir := wire.NewReader(plain)
	salt, _ := ir.ReadLong()
	sessionID, _ := ir.ReadLong()
	msgID, _ := ir.ReadLong()
	seqNo, _ := ir.ReadInt()
	msgLen, err := ir.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated envelope", ErrProtocol)
	}

	if msgLen <= 0 || msgLen%4 != 0 || int(msgLen) > ir.Remaining() ||
		ir.Remaining()-int(msgLen) > 12 {
		return nil, fmt.Errorf("%w: bad msg_len %d (%d available)",
			ErrProtocol, msgLen, ir.Remaining())
	}

	// Recompute the tag over the unpadded tail.
	tagged := plain[:innerHeaderSize+int(msgLen)]
	if crypto.MsgKey(tagged) != msgKey {
		return nil, fmt.Errorf("%w: msg_key mismatch", ErrProtocol)
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
	}, nil
}
