package handshake

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/dc"
	"github.com/postalsys/tele-metroo/internal/session"
	"github.com/postalsys/tele-metroo/internal/wire"
)

// captureConn records written frames instead of hitting the network.
type captureConn struct {
	frames [][]byte
}

func (c *captureConn) WritePacket(p []byte) error {
	c.frames = append(c.frames, append([]byte(nil), p...))
	return nil
}
func (c *captureConn) Flush() error          { return nil }
func (c *captureConn) Close() error          { return nil }
func (c *captureConn) DCID() int32           { return 2 }
func (c *captureConn) SessionID() int64      { return 1 }
func (c *captureConn) RemoteAddr() string    { return "test" }
func (c *captureConn) Stats() (int64, int64) { return 0, 0 }

// next pops the oldest captured frame.
func (c *captureConn) next(t *testing.T) []byte {
	t.Helper()
	if len(c.frames) == 0 {
		t.Fatal("no frame written")
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f
}

type fixedClock struct{ wall, mono float64 }

func (c fixedClock) Wall() float64 { return c.wall }
func (c fixedClock) Mono() float64 { return c.mono }

// fakeAuthServer implements the server side of the exchange.
type fakeAuthServer struct {
	t    *testing.T
	priv *rsa.PrivateKey
	fp   int64

	prime *big.Int
	g     int32
	a     *big.Int
	gA    *big.Int

	pq uint64

	clientNonce [16]byte
	serverNonce [16]byte
	newNonce    [32]byte

	// retriesLeft > 0 answers set_client_DH_params with dh_gen_retry.
	retriesLeft int

	// expectRetryID checks the retry_id of the next client_DH_inner_data.
	expectRetryID *int64

	authKey [256]byte

	serverTime int32
}

func newFakeAuthServer(t *testing.T) (*fakeAuthServer, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	})
	pk, err := crypto.ParsePublicKeyPEM(pemData)
	if err != nil {
		t.Fatal(err)
	}

	prime, ok := new(big.Int).SetString(
		"c71caeb9c6b1c9048e6c522f70f13f73980d40238e3e21c14934d037563d930f"+
			"48198a0aa7c14058229493d22530f4dbfa336f6e0ac925139543aed44cce7c37"+
			"20fd51f69458705ac68cd4fe6b6b13abdc9746512969328454f18faf8c595f64"+
			"2477fe96bb2a941d5bcd1d4ac8cc49880708fa9b378e3c4f3a9060bee67cf9a4"+
			"a4a695811051907e162753b56b0f6b410dba74d8a84b2a14b3144e0ef1284754"+
			"fd17ed950d5965b4b9dd46582db1178d169c6bc465b0d6ff9ca3928fef5b9ae4"+
			"e418fc15e83ebea0f87fa9ff5eed70050ded2849f47bf959d956850ce929851f"+
			"0d8115f635b105ee2e4e15d04b2454bf6f4fadf034b10403119cd8e3b92fcc5b", 16)
	if !ok {
		t.Fatal("cannot parse prime")
	}

	srv := &fakeAuthServer{
		t:          t,
		priv:       priv,
		fp:         pk.Fingerprint,
		prime:      prime,
		g:          3,
		pq:         0x17ED48941A08F981,
		serverTime: 1_700_000_000,
	}

	// Walk deterministic exponents until g_a clears the range check.
	for i := byte(1); ; i++ {
		if i == 0 {
			t.Fatal("no in-range exponent found")
		}
		srv.a = new(big.Int).SetBytes(bytes.Repeat([]byte{i}, 256))
		srv.gA = new(big.Int).Exp(big.NewInt(int64(srv.g)), srv.a, prime)
		if crypto.CheckDHExchange(prime, srv.gA) == nil {
			break
		}
	}

	return srv, pemData
}

// plainReply wraps a body in an unauthenticated envelope.
func (s *fakeAuthServer) plainReply(body []byte) []byte {
	b := wire.NewBuilder()
	b.PutLong(0)
	b.PutLong(int64(s.serverTime)<<32 | 1)
	b.PutInt(int32(len(body)))
	b.PutRaw(body)
	return b.Bytes()
}

// handle consumes one client frame and produces the reply.
func (s *fakeAuthServer) handle(frame []byte) []byte {
	t := s.t
	t.Helper()

	r := wire.NewReader(frame)
	if id, _ := r.ReadLong(); id != 0 {
		t.Fatal("client frame has nonzero auth_key_id")
	}
	msgID, _ := r.ReadLong()
	if msgID&3 != 0 {
		t.Fatalf("client msg_id %d has low bits set", msgID)
	}
	msgLen, _ := r.ReadInt()
	if int(msgLen) != r.Remaining() {
		t.Fatal("client frame length mismatch")
	}

	op, _ := r.ReadUint32()
	switch op {
	case wire.CodeReqPQ:
		nonce, _ := r.ReadInt128()
		s.clientNonce = nonce
		if err := crypto.SecureRandom(s.serverNonce[:]); err != nil {
			t.Fatal(err)
		}

		b := wire.NewBuilder()
		b.PutUint32(wire.CodeResPQ)
		b.PutInt128(nonce)
		b.PutInt128(s.serverNonce)
		_ = b.PutBigInt(new(big.Int).SetUint64(s.pq))
		b.PutUint32(wire.CodeVector)
		b.PutInt(2)
		b.PutLong(0x1234567890abcdef) // unknown key first
		b.PutLong(s.fp)
		return s.plainReply(b.Bytes())

	case wire.CodeReqDHParams:
		s.checkNoncePair(r)
		pStr, _ := r.ReadString()
		qStr, _ := r.ReadString()
		p := new(big.Int).SetBytes(pStr).Uint64()
		q := new(big.Int).SetBytes(qStr).Uint64()
		if p*q != s.pq || p >= q {
			t.Fatalf("bad factorization (%d, %d)", p, q)
		}
		fp, _ := r.ReadLong()
		if fp != s.fp {
			t.Fatalf("wrong fingerprint %x", fp)
		}
		encrypted, _ := r.ReadString()

		inner := s.rsaDecrypt(encrypted)
		ir := wire.NewReader(inner[20:])
		innerOp, _ := ir.ReadUint32()
		if innerOp != wire.CodePQInnerData && innerOp != wire.CodePQInnerDataTemp {
			t.Fatalf("bad inner opcode %08x", innerOp)
		}
		if _, err := ir.ReadString(); err != nil { // pq
			t.Fatal(err)
		}
		if _, err := ir.ReadString(); err != nil { // p
			t.Fatal(err)
		}
		if _, err := ir.ReadString(); err != nil { // q
			t.Fatal(err)
		}
		nonce, _ := ir.ReadInt128()
		if nonce != s.clientNonce {
			t.Fatal("inner nonce mismatch")
		}
		serverNonce, _ := ir.ReadInt128()
		if serverNonce != s.serverNonce {
			t.Fatal("inner server nonce mismatch")
		}
		newNonce, _ := ir.ReadInt256()
		s.newNonce = newNonce
		if innerOp == wire.CodePQInnerDataTemp {
			if expires, _ := ir.ReadInt(); expires <= 0 {
				t.Fatalf("non-positive expires_in %d", expires)
			}
		}

		consumed := len(inner) - 20 - ir.Remaining()
		digest := crypto.SHA1(inner[20 : 20+consumed])
		if [20]byte(inner[:20]) != digest {
			t.Fatal("inner digest mismatch")
		}

		// server_DH_inner_data
		di := wire.NewBuilder()
		di.PutUint32(wire.CodeServerDHInnerData)
		di.PutInt128(s.clientNonce)
		di.PutInt128(s.serverNonce)
		di.PutInt(s.g)
		_ = di.PutBigInt(s.prime)
		_ = di.PutBigInt(s.gA)
		di.PutInt(s.serverTime)

		dig := crypto.SHA1(di.Bytes())
		plain, err := crypto.PadRandom(append(dig[:], di.Bytes()...))
		if err != nil {
			t.Fatal(err)
		}
		key, iv := crypto.UnauthKDF(s.serverNonce, s.newNonce)
		enc, err := crypto.IGEEncrypt(key, iv, plain)
		if err != nil {
			t.Fatal(err)
		}

		b := wire.NewBuilder()
		b.PutUint32(wire.CodeServerDHParamsOK)
		b.PutInt128(s.clientNonce)
		b.PutInt128(s.serverNonce)
		_ = b.PutString(enc)
		return s.plainReply(b.Bytes())

	case wire.CodeSetClientDHParams:
		s.checkNoncePair(r)
		encrypted, _ := r.ReadString()

		key, iv := crypto.UnauthKDF(s.serverNonce, s.newNonce)
		plain, err := crypto.IGEDecrypt(key, iv, encrypted)
		if err != nil {
			t.Fatal(err)
		}
		ir := wire.NewReader(plain[20:])
		if err := ir.Expect(wire.CodeClientDHInnerData); err != nil {
			t.Fatal(err)
		}
		nonce, _ := ir.ReadInt128()
		if nonce != s.clientNonce {
			t.Fatal("client inner nonce mismatch")
		}
		if _, err := ir.ReadInt128(); err != nil {
			t.Fatal(err)
		}
		retryID, _ := ir.ReadLong()
		if s.expectRetryID != nil {
			if retryID != *s.expectRetryID {
				t.Fatalf("retry_id = %x, want %x", retryID, *s.expectRetryID)
			}
			s.expectRetryID = nil
		}
		gB, _ := ir.ReadBigInt()

		authKey := new(big.Int).Exp(gB, s.a, s.prime)
		authKey.FillBytes(s.authKey[:])
		keySHA := crypto.SHA1(s.authKey[:])

		if s.retriesLeft > 0 {
			s.retriesLeft--
			// The retry_id of the next attempt must reference this key.
			want := int64(binary.LittleEndian.Uint64(keySHA[0:8]))
			s.expectRetryID = &want

			b := wire.NewBuilder()
			b.PutUint32(wire.CodeDHGenRetry)
			b.PutInt128(s.clientNonce)
			b.PutInt128(s.serverNonce)
			b.PutInt128(s.nonceHash(2, keySHA))
			return s.plainReply(b.Bytes())
		}

		b := wire.NewBuilder()
		b.PutUint32(wire.CodeDHGenOK)
		b.PutInt128(s.clientNonce)
		b.PutInt128(s.serverNonce)
		b.PutInt128(s.nonceHash(1, keySHA))
		return s.plainReply(b.Bytes())

	default:
		t.Fatalf("unexpected client opcode %08x", op)
		return nil
	}
}

func (s *fakeAuthServer) checkNoncePair(r *wire.Reader) {
	s.t.Helper()
	nonce, _ := r.ReadInt128()
	if nonce != s.clientNonce {
		s.t.Fatal("nonce mismatch")
	}
	serverNonce, _ := r.ReadInt128()
	if serverNonce != s.serverNonce {
		s.t.Fatal("server nonce mismatch")
	}
}

func (s *fakeAuthServer) nonceHash(tag byte, keySHA [20]byte) [16]byte {
	buf := make([]byte, 0, 41)
	buf = append(buf, s.newNonce[:]...)
	buf = append(buf, tag)
	buf = append(buf, keySHA[0:8]...)
	sum := crypto.SHA1(buf)
	return [16]byte(sum[4:20])
}

func (s *fakeAuthServer) rsaDecrypt(data []byte) []byte {
	s.t.Helper()
	if len(data)%256 != 0 {
		s.t.Fatalf("rsa block length %d", len(data))
	}
	var out []byte
	c := new(big.Int)
	for off := 0; off < len(data); off += 256 {
		c.SetBytes(data[off : off+256])
		m := new(big.Int).Exp(c, s.priv.D, s.priv.N)
		block := make([]byte, 255)
		m.FillBytes(block)
		out = append(out, block...)
	}
	return out
}

// newTestEngine wires an engine, DC, session and capture conn.
func newTestEngine(t *testing.T, pemData []byte) (*Engine, *dc.DC, *captureConn) {
	t.Helper()
	kr := crypto.NewKeyring()
	if err := kr.AddPEM(pemData); err != nil {
		t.Fatal(err)
	}
	d := dc.New(2)
	s, err := session.New(2, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Session = s
	conn := &captureConn{}
	eng := NewEngine(Config{
		Keyring:       kr,
		Clock:         fixedClock{wall: 1_700_000_000, mono: 50},
		TempKeyExpiry: time.Hour,
	}, d, s, conn)
	return eng, d, conn
}

// runExchange pumps frames between engine and server until the engine
// stops writing.
func runExchange(t *testing.T, eng *Engine, srv *fakeAuthServer, conn *captureConn) {
	t.Helper()
	for rounds := 0; len(conn.frames) > 0; rounds++ {
		if rounds > 16 {
			t.Fatal("exchange did not converge")
		}
		reply := srv.handle(conn.next(t))
		if err := eng.Handle(reply); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
}

func TestFreshAuth(t *testing.T) {
	srv, pemData := newFakeAuthServer(t)
	eng, d, conn := newTestEngine(t, pemData)

	var permKey bool
	eng.OnPermKey = func() { permKey = true }

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d.State != dc.StateReqPQSent {
		t.Fatalf("state = %s", d.State)
	}

	runExchange(t, eng, srv, conn)

	if d.State != dc.StateAuthorized {
		t.Fatalf("state = %s, want AUTHORIZED", d.State)
	}
	if !permKey {
		t.Fatal("OnPermKey not fired")
	}
	if !d.Has(dc.FlagHasPermKey) {
		t.Fatal("perm key flag not set")
	}
	if d.AuthKey != srv.authKey {
		t.Fatal("client and server keys differ")
	}
	if want := crypto.AuthKeyID(&srv.authKey); d.AuthKeyID != want {
		t.Fatalf("auth_key_id = %x, want %x", d.AuthKeyID, want)
	}
	wantSalt := int64(binary.LittleEndian.Uint64(d.NewNonce[0:8]) ^
		binary.LittleEndian.Uint64(d.ServerNonce[0:8]))
	if d.ServerSalt != wantSalt {
		t.Fatalf("salt = %x, want %x", d.ServerSalt, wantSalt)
	}
	wantDelta := float64(srv.serverTime) - 50
	if d.ServerTimeUDelta != wantDelta {
		t.Fatalf("udelta = %v, want %v", d.ServerTimeUDelta, wantDelta)
	}
}

func TestDHGenRetry(t *testing.T) {
	srv, pemData := newFakeAuthServer(t)
	srv.retriesLeft = 1
	eng, d, conn := newTestEngine(t, pemData)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	runExchange(t, eng, srv, conn)

	if d.State != dc.StateAuthorized {
		t.Fatalf("state = %s after retry", d.State)
	}
	if srv.expectRetryID != nil {
		t.Fatal("server never saw the second attempt")
	}
	if d.AuthKey != srv.authKey {
		t.Fatal("keys differ after retry")
	}
}

func TestTempHandshake(t *testing.T) {
	srv, pemData := newFakeAuthServer(t)
	eng, d, conn := newTestEngine(t, pemData)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	runExchange(t, eng, srv, conn)
	permKey := d.AuthKey

	var tempKey bool
	eng.OnTempKey = func() { tempKey = true }

	if err := eng.StartTemp(); err != nil {
		t.Fatalf("StartTemp: %v", err)
	}
	if d.State != dc.StateReqPQSentTemp {
		t.Fatalf("state = %s", d.State)
	}
	runExchange(t, eng, srv, conn)

	if !tempKey {
		t.Fatal("OnTempKey not fired")
	}
	if !d.Has(dc.FlagHasTempKey) {
		t.Fatal("temp key flag not set")
	}
	if d.TempAuthKey != srv.authKey {
		t.Fatal("temp key differs from server")
	}
	if d.AuthKey != permKey {
		t.Fatal("temp handshake clobbered the permanent key")
	}
	if d.TempAuthKeyID == d.AuthKeyID {
		t.Fatal("temp key id equals permanent key id")
	}
}

func TestNoMatchingKey(t *testing.T) {
	srv, _ := newFakeAuthServer(t)
	// Engine loads a different key than the server advertises.
	_, otherPEM := newFakeAuthServer(t)
	eng, _, conn := newTestEngine(t, otherPEM)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	reply := srv.handle(conn.next(t))
	err := eng.Handle(reply)
	if !errors.Is(err, crypto.ErrNoKey) {
		t.Fatalf("want ErrNoKey, got %v", err)
	}
}

func TestNonceMismatchRejected(t *testing.T) {
	srv, pemData := newFakeAuthServer(t)
	eng, _, conn := newTestEngine(t, pemData)

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	reply := srv.handle(conn.next(t))
	// Flip a nonce byte inside resPQ (after the 20-byte plain header and
	// 4-byte constructor).
	reply[25] ^= 0xff
	if err := eng.Handle(reply); !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestStartFromWrongState(t *testing.T) {
	_, pemData := newFakeAuthServer(t)
	eng, d, _ := newTestEngine(t, pemData)

	d.State = dc.StateAuthorized
	if err := eng.Start(); !errors.Is(err, ErrState) {
		t.Fatalf("Start in AUTHORIZED: %v", err)
	}
	d.State = dc.StateInit
	if err := eng.StartTemp(); !errors.Is(err, ErrState) {
		t.Fatalf("StartTemp in INIT: %v", err)
	}
}
