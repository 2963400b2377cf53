// Package handshake implements the Diffie–Hellman key exchange that
// mints a DC's permanent authorization key and, when PFS is enabled, its
// short-lived temporary key.
package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/dc"
	"github.com/postalsys/tele-metroo/internal/logging"
	"github.com/postalsys/tele-metroo/internal/session"
	"github.com/postalsys/tele-metroo/internal/transport"
	"github.com/postalsys/tele-metroo/internal/wire"
)

var (
	// ErrProtocol is returned on nonce, opcode, digest or length
	// mismatches. The connection must be reset and the handshake retried
	// with fresh nonces.
	ErrProtocol = errors.New("handshake protocol violation")

	// ErrState is returned when a frame arrives in a state that cannot
	// consume it.
	ErrState = errors.New("unexpected handshake state")
)

// Config parameterizes an Engine.
type Config struct {
	// Keyring holds the loaded RSA public keys.
	Keyring *crypto.Keyring

	// Clock provides wall and monotonic time.
	Clock dc.Clock

	// TempKeyExpiry is the requested lifetime of temporary keys.
	TempKeyExpiry time.Duration

	// Logger for progress and failures. Defaults to a nop logger.
	Logger *slog.Logger
}

// Engine drives the key-exchange state machine for one DC connection.
// The permanent branch runs Init → ReqPQSent → ReqDHSent → ClientDHSent
// → Authorized; the temporary branch mirrors it with the _temp states.
type Engine struct {
	cfg    Config
	dc     *dc.DC
	sess   *session.Session
	conn   transport.Conn
	logger *slog.Logger

	// Candidate key material for the in-flight attempt.
	candidate [256]byte
	retryID   int64

	// OnPermKey fires when the permanent key reaches Authorized.
	OnPermKey func()

	// OnTempKey fires when the temporary key reaches Authorized; the
	// caller is expected to bind it.
	OnTempKey func()
}

// NewEngine creates an engine bound to a DC, its session and connection.
func NewEngine(cfg Config, d *dc.DC, s *session.Session, conn transport.Conn) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{cfg: cfg, dc: d, sess: s, conn: conn, logger: logger}
}

// Start begins the permanent-key handshake from StateInit.
func (e *Engine) Start() error {
	if e.dc.State != dc.StateInit {
		return fmt.Errorf("%w: %s", ErrState, e.dc.State)
	}
	if err := e.sendReqPQ(); err != nil {
		return err
	}
	e.dc.State = dc.StateReqPQSent
	return nil
}

// StartTemp begins the temporary-key handshake from StateAuthorized.
func (e *Engine) StartTemp() error {
	if e.dc.State != dc.StateAuthorized {
		return fmt.Errorf("%w: %s", ErrState, e.dc.State)
	}
	if err := e.sendReqPQ(); err != nil {
		return err
	}
	e.dc.State = dc.StateReqPQSentTemp
	return nil
}

// Handle consumes one unauthenticated frame according to the current
// state. A returned error means the attempt is dead: the caller resets
// the connection and restarts with fresh nonces.
func (e *Engine) Handle(payload []byte) error {
	switch e.dc.State {
	case dc.StateReqPQSent:
		return e.processResPQ(payload, false)
	case dc.StateReqDHSent:
		return e.processDHParams(payload, false)
	case dc.StateClientDHSent:
		return e.processAuthComplete(payload, false)
	case dc.StateReqPQSentTemp:
		return e.processResPQ(payload, true)
	case dc.StateReqDHSentTemp:
		return e.processDHParams(payload, true)
	case dc.StateClientDHSentTemp:
		return e.processAuthComplete(payload, true)
	default:
		return fmt.Errorf("%w: %s", ErrState, e.dc.State)
	}
}

// sendPlain wraps a body in the unauthenticated envelope and writes it.
func (e *Engine) sendPlain(body []byte) error {
	msgID := e.sess.NextMsgID(dc.ServerTime(e.cfg.Clock, e.dc))

	b := wire.NewBuilder()
	b.PutLong(0) // auth_key_id
	b.PutLong(msgID)
	b.PutInt(int32(len(body)))
	b.PutRaw(body)

	if err := e.conn.WritePacket(b.Bytes()); err != nil {
		return err
	}
	return e.conn.Flush()
}

// checkPlainHeader validates the unauthenticated envelope header and
// positions the reader at the body.
func checkPlainHeader(r *wire.Reader) error {
	authKeyID, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if authKeyID != 0 {
		return fmt.Errorf("%w: nonzero auth_key_id in plain envelope", ErrProtocol)
	}
	if _, err := r.ReadLong(); err != nil { // msg_id
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	msgLen, err := r.ReadInt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if int(msgLen) != r.Remaining() {
		return fmt.Errorf("%w: length mismatch (%d declared, %d present)",
			ErrProtocol, msgLen, r.Remaining())
	}
	return nil
}

// sendReqPQ runs Step 1: fresh nonce, req_pq.
func (e *Engine) sendReqPQ() error {
	nonce, err := crypto.RandomInt128()
	if err != nil {
		return err
	}
	e.dc.Nonce = nonce

	b := wire.NewBuilder()
	b.PutUint32(wire.CodeReqPQ)
	b.PutInt128(nonce)
	return e.sendPlain(b.Bytes())
}

// processResPQ runs Step 2: parse resPQ, factor pq, send req_DH_params.
func (e *Engine) processResPQ(payload []byte, temp bool) error {
	r := wire.NewReader(payload)
	if err := checkPlainHeader(r); err != nil {
		return err
	}
	if err := r.Expect(wire.CodeResPQ); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	nonce, err := r.ReadInt128()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if nonce != e.dc.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrProtocol)
	}
	serverNonce, err := r.ReadInt128()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	e.dc.ServerNonce = serverNonce

	pqBig, err := r.ReadBigInt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !pqBig.IsUint64() {
		return fmt.Errorf("%w: pq exceeds 64 bits", ErrProtocol)
	}

	if err := r.Expect(wire.CodeVector); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	count, err := r.ReadInt()
	if err != nil || count < 0 || int(count) > r.Remaining()/8 {
		return fmt.Errorf("%w: bad fingerprint vector", ErrProtocol)
	}
	fingerprints := make([]int64, 0, count)
	for i := int32(0); i < count; i++ {
		fp, err := r.ReadLong()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		fingerprints = append(fingerprints, fp)
	}

	idx := e.cfg.Keyring.Match(fingerprints)
	if idx < 0 {
		return fmt.Errorf("%w: no fingerprint overlap with %d server keys",
			crypto.ErrNoKey, len(fingerprints))
	}
	e.dc.RSAKeyIdx = idx
	key := e.cfg.Keyring.Key(idx)

	p, q, err := crypto.Factorize(pqBig.Uint64())
	if err != nil {
		return err
	}
	e.logger.Debug("factored pq",
		logging.KeyDC, e.dc.ID, "pq", pqBig.Uint64(), "p", p, "q", q)

	newNonce, err := crypto.RandomInt256()
	if err != nil {
		return err
	}
	e.dc.NewNonce = newNonce

	// Inner payload, SHA-1 prefixed, RSA pad-encrypted.
	inner := wire.NewBuilder()
	if temp {
		inner.PutUint32(wire.CodePQInnerDataTemp)
	} else {
		inner.PutUint32(wire.CodePQInnerData)
	}
	if err := inner.PutBigInt(pqBig); err != nil {
		return err
	}
	if err := inner.PutBigInt(new(big.Int).SetUint64(p)); err != nil {
		return err
	}
	if err := inner.PutBigInt(new(big.Int).SetUint64(q)); err != nil {
		return err
	}
	inner.PutInt128(e.dc.Nonce)
	inner.PutInt128(serverNonce)
	inner.PutInt256(newNonce)
	if temp {
		inner.PutInt(int32(e.cfg.TempKeyExpiry / time.Second))
	}

	digest := crypto.SHA1(inner.Bytes())
	encrypted, err := crypto.PadEncrypt(key, append(digest[:], inner.Bytes()...))
	if err != nil {
		return err
	}

	out := wire.NewBuilder()
	out.PutUint32(wire.CodeReqDHParams)
	out.PutInt128(e.dc.Nonce)
	out.PutInt128(serverNonce)
	if err := out.PutBigInt(new(big.Int).SetUint64(p)); err != nil {
		return err
	}
	if err := out.PutBigInt(new(big.Int).SetUint64(q)); err != nil {
		return err
	}
	out.PutLong(key.Fingerprint)
	if err := out.PutString(encrypted); err != nil {
		return err
	}

	if err := e.sendPlain(out.Bytes()); err != nil {
		return err
	}
	if temp {
		e.dc.State = dc.StateReqDHSentTemp
	} else {
		e.dc.State = dc.StateReqDHSent
	}
	return nil
}

// processDHParams runs Step 3: decrypt server_DH_inner_data, validate the
// group, compute the key candidate and send set_client_DH_params.
func (e *Engine) processDHParams(payload []byte, temp bool) error {
	r := wire.NewReader(payload)
	if err := checkPlainHeader(r); err != nil {
		return err
	}

	op, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch op {
	case wire.CodeServerDHParamsOK, wire.CodeServerDHParamsFail:
	default:
		return fmt.Errorf("%w: unexpected opcode 0x%08x", ErrProtocol, op)
	}

	if err := e.checkNoncePair(r); err != nil {
		return err
	}
	if op == wire.CodeServerDHParamsFail {
		return fmt.Errorf("%w: server_DH_params_fail", ErrProtocol)
	}

	encrypted, err := r.ReadString()
	if err != nil || len(encrypted) == 0 {
		return fmt.Errorf("%w: empty encrypted answer", ErrProtocol)
	}

	aesKey, aesIV := crypto.UnauthKDF(e.dc.ServerNonce, e.dc.NewNonce)
	answer, err := crypto.IGEDecrypt(aesKey, aesIV, encrypted)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(answer) < 20 {
		return fmt.Errorf("%w: answer too short", ErrProtocol)
	}

	ir := wire.NewReader(answer[20:])
	if err := ir.Expect(wire.CodeServerDHInnerData); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := e.checkNoncePair(ir); err != nil {
		return err
	}
	g, err := ir.ReadInt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	dhPrime, err := ir.ReadBigInt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	gA, err := ir.ReadBigInt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	serverTime, err := ir.ReadInt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	consumed := len(answer) - 20 - ir.Remaining()
	digest := crypto.SHA1(answer[20 : 20+consumed])
	if string(digest[:]) != string(answer[:20]) {
		return fmt.Errorf("%w: inner data SHA-1 mismatch", ErrProtocol)
	}
	if ir.Remaining() >= 16 {
		return fmt.Errorf("%w: too much padding", ErrProtocol)
	}

	if err := crypto.CheckDHParams(dhPrime, g); err != nil {
		return err
	}
	if err := crypto.CheckDHExchange(dhPrime, gA); err != nil {
		return err
	}

	e.dc.ServerTimeDelta = float64(serverTime) - e.cfg.Clock.Wall()
	e.dc.ServerTimeUDelta = float64(serverTime) - e.cfg.Clock.Mono()

	// Our half of the exchange. Redraw b until g_b clears the range
	// check; roughly every second candidate does.
	var (
		b    *big.Int
		gB   *big.Int
		bRaw [256]byte
	)
	for attempt := 0; ; attempt++ {
		if attempt >= 64 {
			return fmt.Errorf("%w: cannot generate g_b in range", crypto.ErrCryptoParam)
		}
		if err := crypto.SecureRandom(bRaw[:]); err != nil {
			return err
		}
		b = new(big.Int).SetBytes(bRaw[:])
		gB = new(big.Int).Exp(big.NewInt(int64(g)), b, dhPrime)
		if crypto.CheckDHExchange(dhPrime, gB) == nil {
			break
		}
	}
	authKey := new(big.Int).Exp(gA, b, dhPrime)
	authKey.FillBytes(e.candidate[:])

	inner := wire.NewBuilder()
	inner.PutUint32(wire.CodeClientDHInnerData)
	inner.PutInt128(e.dc.Nonce)
	inner.PutInt128(e.dc.ServerNonce)
	inner.PutLong(e.retryID)
	if err := inner.PutBigInt(gB); err != nil {
		return err
	}

	innerDigest := crypto.SHA1(inner.Bytes())
	plain, err := crypto.PadRandom(append(innerDigest[:], inner.Bytes()...))
	if err != nil {
		return err
	}
	encryptedData, err := crypto.IGEEncrypt(aesKey, aesIV, plain)
	if err != nil {
		return err
	}

	out := wire.NewBuilder()
	out.PutUint32(wire.CodeSetClientDHParams)
	out.PutInt128(e.dc.Nonce)
	out.PutInt128(e.dc.ServerNonce)
	if err := out.PutString(encryptedData); err != nil {
		return err
	}

	if err := e.sendPlain(out.Bytes()); err != nil {
		return err
	}
	if temp {
		e.dc.State = dc.StateClientDHSentTemp
	} else {
		e.dc.State = dc.StateClientDHSent
	}
	return nil
}

// processAuthComplete runs Step 4: verify dh_gen_ok and install the key,
// or restart on dh_gen_retry.
func (e *Engine) processAuthComplete(payload []byte, temp bool) error {
	r := wire.NewReader(payload)
	if err := checkPlainHeader(r); err != nil {
		return err
	}

	op, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch op {
	case wire.CodeDHGenOK, wire.CodeDHGenRetry, wire.CodeDHGenFail:
	default:
		return fmt.Errorf("%w: unexpected opcode 0x%08x", ErrProtocol, op)
	}

	if err := e.checkNoncePair(r); err != nil {
		return err
	}
	nonceHash, err := r.ReadInt128()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	keySHA := crypto.SHA1(e.candidate[:])

	switch op {
	case wire.CodeDHGenRetry:
		// Carry the aux hash of the dead candidate into the next attempt.
		e.retryID = int64(binary.LittleEndian.Uint64(keySHA[0:8]))
		e.logger.Debug("dh_gen_retry, restarting exchange",
			logging.KeyDC, e.dc.ID)
		if temp {
			e.dc.State = dc.StateAuthorized
			return e.restartTemp()
		}
		e.dc.State = dc.StateInit
		return e.restartPerm()

	case wire.CodeDHGenFail:
		e.retryID = 0
		return fmt.Errorf("%w: dh_gen_fail", ErrProtocol)
	}

	// dh_gen_ok: verify new_nonce_hash1.
	check := make([]byte, 0, 41)
	check = append(check, e.dc.NewNonce[:]...)
	check = append(check, 1)
	check = append(check, keySHA[0:8]...)
	want := crypto.SHA1(check)
	if nonceHash != [16]byte(want[4:20]) {
		return fmt.Errorf("%w: new_nonce_hash1 mismatch", ErrProtocol)
	}

	keyID := crypto.AuthKeyID(&e.candidate)
	salt := int64(binary.LittleEndian.Uint64(e.dc.NewNonce[0:8]) ^
		binary.LittleEndian.Uint64(e.dc.ServerNonce[0:8]))

	e.retryID = 0
	e.dc.ServerSalt = salt
	e.dc.State = dc.StateAuthorized

	if temp {
		e.dc.SetTempKey(e.candidate, keyID)
		e.logger.Info("temporary key negotiated",
			logging.KeyDC, e.dc.ID, logging.KeyAuthKeyID, fmt.Sprintf("%016x", uint64(keyID)))
		if e.OnTempKey != nil {
			e.OnTempKey()
		}
		return nil
	}

	e.dc.SetPermKey(e.candidate, keyID)
	e.logger.Info("permanent key negotiated",
		logging.KeyDC, e.dc.ID, logging.KeyAuthKeyID, fmt.Sprintf("%016x", uint64(keyID)))
	if e.OnPermKey != nil {
		e.OnPermKey()
	}
	return nil
}

// restartPerm re-enters Step 1 for the permanent branch.
func (e *Engine) restartPerm() error {
	if err := e.sendReqPQ(); err != nil {
		return err
	}
	e.dc.State = dc.StateReqPQSent
	return nil
}

// restartTemp re-enters Step 1 for the temporary branch.
func (e *Engine) restartTemp() error {
	if err := e.sendReqPQ(); err != nil {
		return err
	}
	e.dc.State = dc.StateReqPQSentTemp
	return nil
}

// checkNoncePair consumes and verifies the nonce/server_nonce pair that
// prefixes every answer after resPQ.
func (e *Engine) checkNoncePair(r *wire.Reader) error {
	nonce, err := r.ReadInt128()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if nonce != e.dc.Nonce {
		return fmt.Errorf("%w: nonce mismatch", ErrProtocol)
	}
	serverNonce, err := r.ReadInt128()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if serverNonce != e.dc.ServerNonce {
		return fmt.Errorf("%w: server nonce mismatch", ErrProtocol)
	}
	return nil
}
