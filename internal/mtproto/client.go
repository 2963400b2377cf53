package mtproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/dc"
	"github.com/postalsys/tele-metroo/internal/handshake"
	"github.com/postalsys/tele-metroo/internal/logging"
	"github.com/postalsys/tele-metroo/internal/metrics"
	"github.com/postalsys/tele-metroo/internal/session"
	"github.com/postalsys/tele-metroo/internal/transport"
	"github.com/postalsys/tele-metroo/internal/wire"
)

// SendFlags modify how a payload is transmitted.
type SendFlags int

const (
	// ContentRelated marks the message as content-bearing: it takes an
	// odd sequence number and is tracked for retransmission.
	ContentRelated SendFlags = 1 << 0

	// ForceSend transmits even when the DC is not yet configured.
	ForceSend SendFlags = 1 << 1
)

// Callbacks is the upstream (query layer) contract.
type Callbacks struct {
	// OnRPCResult delivers a reply payload for a tracked message.
	OnRPCResult func(msgID int64, body []byte)

	// OnRPCError delivers an rpc_error for a tracked message.
	OnRPCError func(msgID int64, code int32, message string)

	// OnUpdate forwards a raw updates payload.
	OnUpdate func(body []byte)

	// OnAck reports a server acknowledgement for a tracked message.
	OnAck func(msgID int64)

	// OnRestart reports that an outstanding message was reissued under a
	// fresh id after a salt, sequence or session error.
	OnRestart func(oldMsgID, newMsgID int64)

	// OnNewSession reports that the server opened a new session for the
	// DC; the query layer may want to fetch the update difference.
	OnNewSession func(dcID int32)
}

// Config parameterizes a Client.
type Config struct {
	// RSAPublicKeys holds PEM blocks loaded at startup.
	RSAPublicKeys [][]byte

	// PFS enables temporary keys bound to the permanent one.
	PFS bool

	// TempKeyExpiry is the requested temporary key lifetime.
	TempKeyExpiry time.Duration

	// AckTimeout is the pending-acknowledgement flush interval.
	AckTimeout time.Duration

	// IPv6 selects the address family for endpoint choice.
	IPv6 bool

	// ReconnectInitialDelay and ReconnectMaxDelay bound the exponential
	// backoff between reconnect attempts.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	Factory transport.Factory
	Storage dc.Storage
	Clock   dc.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a config with the documented defaults. The
// transport factory must still be provided.
func DefaultConfig() Config {
	return Config{
		PFS:                   true,
		TempKeyExpiry:         time.Hour,
		AckTimeout:            session.DefaultAckTimeout,
		ReconnectInitialDelay: 250 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
	}
}

// pendingMsg is an outstanding content-bearing message, kept until the
// server acknowledges or answers it.
type pendingMsg struct {
	payload []byte
	flags   SendFlags
}

// dcRuntime is the per-DC connection state.
type dcRuntime struct {
	dc     *dc.DC
	sess   *session.Session
	conn   transport.Conn
	engine *handshake.Engine

	// Outstanding content messages by msg_id.
	pending map[int64]*pendingMsg

	// In-flight help.getConfig issued by the transport itself.
	configQueryID int64

	// Reconnect backoff.
	attempts  int
	nextDelay time.Duration

	closing bool
}

// Client is the MTProto transport controller: it owns the DC registry,
// drives handshakes, encrypts traffic and recovers from salt, sequence
// and session failures.
//
// All state is guarded by one mutex; connection callbacks and timers run
// their work under it, mirroring the single-threaded model of the
// original engine. Upstream callbacks are invoked with the lock held and
// must not call back into the Client synchronously.
type Client struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger
	m      *metrics.Metrics

	mu       sync.Mutex
	keyring  *crypto.Keyring
	registry *dc.Registry
	runtimes map[int32]*dcRuntime
	started  bool
	closed   bool
}

// NewClient creates a Client. Call Start before Authorize.
func NewClient(cfg Config, cb Callbacks) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = dc.NewSystemClock()
	}
	if cfg.Storage == nil {
		cfg.Storage = dc.NopStorage{}
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = session.DefaultAckTimeout
	}
	if cfg.TempKeyExpiry <= 0 {
		cfg.TempKeyExpiry = time.Hour
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = 250 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		cb:       cb,
		logger:   cfg.Logger,
		m:        cfg.Metrics,
		registry: dc.NewRegistry(),
		runtimes: make(map[int32]*dcRuntime),
	}
}

// Start loads the RSA public keys. It fails with crypto.ErrNoKey when no
// key parses. Persisted auth keys are restored by AddEndpoint.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	kr := crypto.NewKeyring()
	for _, pemData := range c.cfg.RSAPublicKeys {
		if err := kr.AddPEM(pemData); err != nil {
			c.logger.Warn("skipping unparsable RSA key", logging.KeyError, err)
		}
	}
	if kr.Len() == 0 {
		return fmt.Errorf("%w: no public keys loaded", crypto.ErrNoKey)
	}
	c.keyring = kr
	c.started = true

	c.logger.Info("transport started", logging.KeyCount, kr.Len())
	return nil
}

// Registry exposes the DC registry.
func (c *Client) Registry() *dc.Registry {
	return c.registry
}

// Keyring exposes the loaded RSA keys. Nil before Start.
func (c *Client) Keyring() *crypto.Keyring {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyring
}

// AddEndpoint registers a DC endpoint option, allocating the DC record
// and restoring its persisted auth key on first use.
func (c *Client) AddEndpoint(dcID int32, ipv6, media bool, host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.registry.Get(dcID)
	if d == nil {
		d = c.registry.GetOrCreate(dcID)
		if key, keyID, ok, err := c.cfg.Storage.LoadAuthKey(dcID); err == nil && ok {
			d.SetPermKey(key, keyID)
			d.State = dc.StateAuthorized
		}
	}
	d.AddEndpoint(ipv6, media, host, port)
}

// Authorize connects the DC and drives it to an authorized, bound state.
// It creates the session on first use.
func (c *Client) Authorize(ctx context.Context, dcID int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return errors.New("client not started")
	}
	return c.connectLocked(ctx, dcID, false)
}

// connectLocked establishes the connection for a DC, creating the
// session slot if needed.
func (c *Client) connectLocked(ctx context.Context, dcID int32, freshSession bool) error {
	d := c.registry.Get(dcID)
	if d == nil {
		return fmt.Errorf("unknown DC %d", dcID)
	}
	ep, ok := d.PrimaryEndpoint(c.cfg.IPv6)
	if !ok {
		return fmt.Errorf("DC %d has no endpoints", dcID)
	}

	rt := c.runtimes[dcID]
	if rt == nil {
		rt = &dcRuntime{
			dc:        d,
			pending:   make(map[int64]*pendingMsg),
			nextDelay: c.cfg.ReconnectInitialDelay,
		}
		c.runtimes[dcID] = rt
	}

	if rt.sess == nil || freshSession {
		if rt.sess != nil {
			rt.sess.Close()
		}
		s, err := session.New(dcID, c.cfg.AckTimeout, func() { c.flushAcks(dcID) })
		if err != nil {
			return err
		}
		rt.sess = s
		d.Session = s
	}

	methods := transport.Methods{
		Ready:   func(conn transport.Conn) { c.onReady(dcID, conn) },
		Execute: func(conn transport.Conn, payload []byte) { c.onExecute(dcID, conn, payload) },
		Closed:  func(conn transport.Conn, err error) { c.onClosed(dcID, conn, err) },
	}

	c.logger.Debug("connecting",
		logging.KeyDC, dcID, logging.KeyAddress, ep.String())

	// The factory invokes Ready synchronously from Connect; drop the lock
	// for the dial.
	c.mu.Unlock()
	conn, err := c.cfg.Factory.Connect(ctx, ep.Host, ep.Port, dcID, rt.sess.ID, methods)
	c.mu.Lock()
	if err != nil {
		c.scheduleReconnectLocked(dcID)
		return err
	}
	rt.conn = conn
	return nil
}

// onReady is the per-connection ready hook (§4.6): it decides between a
// fresh handshake, temp-key negotiation, rebinding or plain operation.
func (c *Client) onReady(dcID int32, conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := c.runtimes[dcID]
	if rt == nil {
		return
	}
	rt.conn = conn
	rt.attempts = 0
	rt.nextDelay = c.cfg.ReconnectInitialDelay
	d := rt.dc

	if d.Has(dc.FlagHasPermKey) {
		d.State = dc.StateAuthorized
	}

	if d.State == dc.StateAuthorized && !c.cfg.PFS && !d.Has(dc.FlagBound) {
		d.AdoptPermKeyAsTemp()
		if !d.Has(dc.FlagConfigured) {
			c.requestConfigLocked(rt)
		}
		return
	}

	rt.engine = c.newEngineLocked(rt)

	switch d.State {
	case dc.StateInit:
		c.startHandshakeLocked(rt, false)
	case dc.StateAuthorized:
		switch {
		case !d.Has(dc.FlagHasTempKey):
			c.startHandshakeLocked(rt, true)
		case !d.Has(dc.FlagBound):
			c.bindTempKeyLocked(rt)
		case !d.Has(dc.FlagConfigured):
			c.requestConfigLocked(rt)
		}
	default:
		// A previous connection died mid-handshake; start over.
		d.State = dc.StateInit
		c.startHandshakeLocked(rt, false)
	}
}

// onExecute is the per-connection frame hook: unauthenticated frames feed
// the handshake engine, everything else the encrypted path.
func (c *Client) onExecute(dcID int32, conn transport.Conn, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := c.runtimes[dcID]
	if rt == nil || rt.conn != conn {
		return
	}

	if rt.dc.State != dc.StateAuthorized {
		if rt.engine == nil {
			return
		}
		if err := rt.engine.Handle(payload); err != nil {
			c.logger.Warn("handshake failed, resetting connection",
				logging.KeyDC, dcID,
				logging.KeyState, rt.dc.State.String(),
				logging.KeyError, err)
			if c.m != nil {
				c.m.RecordHandshakeError(errorLabel(err))
			}
			c.failConnectionLocked(rt)
		}
		return
	}

	c.processEncryptedLocked(rt, payload)
}

// onClosed is the per-connection close hook: unless the client is
// shutting down, a new session is connected to the same DC after backoff.
func (c *Client) onClosed(dcID int32, conn transport.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := c.runtimes[dcID]
	if rt == nil || rt.conn != conn {
		return
	}
	rt.conn = nil
	rt.engine = nil

	if c.closed || rt.closing {
		return
	}

	if err != nil {
		c.logger.Warn("connection lost",
			logging.KeyDC, dcID, logging.KeyError, err)
	}
	if c.m != nil {
		c.m.RecordDisconnect(errorLabel(err))
	}
	c.scheduleReconnectLocked(dcID)
}

// scheduleReconnectLocked arms the backoff timer for a DC. Repeated
// failures round-robin the endpoint list.
func (c *Client) scheduleReconnectLocked(dcID int32) {
	rt := c.runtimes[dcID]
	if rt == nil || c.closed {
		return
	}

	delay := rt.nextDelay
	rt.attempts++
	rt.nextDelay *= 2
	if rt.nextDelay > c.cfg.ReconnectMaxDelay {
		rt.nextDelay = c.cfg.ReconnectMaxDelay
	}
	if rt.attempts > 1 {
		rt.dc.RotateEndpoint(c.cfg.IPv6)
	}

	c.logger.Debug("scheduling reconnect",
		logging.KeyDC, dcID, logging.KeyDuration, delay)
	if c.m != nil {
		c.m.RecordReconnect()
	}

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		if err := c.connectLocked(context.Background(), dcID, true); err != nil {
			c.logger.Warn("reconnect failed",
				logging.KeyDC, dcID, logging.KeyError, err)
		}
	})
}

// failConnectionLocked tears down the connection; the close hook
// schedules the replacement.
func (c *Client) failConnectionLocked(rt *dcRuntime) {
	if rt.conn != nil {
		conn := rt.conn
		rt.conn = nil
		rt.engine = nil
		// Close outside the lock: the close hook re-enters.
		go conn.Close()
		c.scheduleReconnectLocked(rt.dc.ID)
	}
}

// failSessionLocked drops the session after a fatal inbound error (time
// skew, dispatch failure) and connects a fresh one. DC-level keys are
// preserved.
func (c *Client) failSessionLocked(rt *dcRuntime) {
	c.logger.Warn("failing session",
		logging.KeyDC, rt.dc.ID,
		logging.KeySessionID, fmt.Sprintf("%016x", uint64(rt.sess.ID)))
	if c.m != nil {
		c.m.RecordSessionFailed()
	}

	rt.sess.Close()
	if rt.conn != nil {
		conn := rt.conn
		rt.conn = nil
		rt.engine = nil
		go conn.Close()
	}
	c.scheduleReconnectLocked(rt.dc.ID)
}

// Send transmits an opaque payload to a DC and returns the assigned
// message id. When the DC is not configured and ForceSend is absent, a
// message id is synthesized without transmitting; the request stays
// parked at the query layer.
func (c *Client) Send(dcID int32, payload []byte, flags SendFlags) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := c.runtimes[dcID]
	if rt == nil || rt.sess == nil {
		return 0, fmt.Errorf("DC %d not connected", dcID)
	}
	return c.sendLocked(rt, payload, flags, 0)
}

// sendLocked builds, encrypts and writes one envelope. A nonzero
// msgIDOverride pins the message id (used by key binding).
func (c *Client) sendLocked(rt *dcRuntime, payload []byte, flags SendFlags, msgIDOverride int64) (int64, error) {
	d := rt.dc

	if !d.Has(dc.FlagConfigured) && flags&ForceSend == 0 {
		return rt.sess.NextMsgID(dc.ServerTime(c.cfg.Clock, d)), nil
	}
	if rt.conn == nil {
		return 0, fmt.Errorf("%w: DC %d has no connection", ErrTransport, d.ID)
	}
	if d.TempAuthKeyID == 0 {
		return 0, fmt.Errorf("%w: DC %d has no working key", ErrTransport, d.ID)
	}

	msgID := msgIDOverride
	if msgID == 0 {
		msgID = rt.sess.NextMsgID(dc.ServerTime(c.cfg.Clock, d))
	}
	seqNo := rt.sess.NextSeqNo(flags&ContentRelated != 0)

	data, err := sealEnvelope(&d.TempAuthKey, d.TempAuthKeyID,
		d.ServerSalt, rt.sess.ID, msgID, seqNo, payload)
	if err != nil {
		return 0, err
	}
	if err := rt.conn.WritePacket(data); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := rt.conn.Flush(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if flags&ContentRelated != 0 {
		rt.pending[msgID] = &pendingMsg{payload: payload, flags: flags}
	}
	if c.m != nil {
		c.m.RecordEnvelopeSent(len(data))
	}
	return msgID, nil
}

// resendLocked reissues an outstanding message under a fresh id, same
// payload, new envelope.
func (c *Client) resendLocked(rt *dcRuntime, oldMsgID int64) {
	pm, ok := rt.pending[oldMsgID]
	if !ok {
		return
	}
	delete(rt.pending, oldMsgID)

	newMsgID, err := c.sendLocked(rt, pm.payload, pm.flags|ForceSend, 0)
	if err != nil {
		c.logger.Warn("resend failed",
			logging.KeyDC, rt.dc.ID,
			logging.KeyMsgID, oldMsgID,
			logging.KeyError, err)
		// Keep the message tracked so a later recovery can retry it.
		rt.pending[oldMsgID] = pm
		return
	}

	c.logger.Debug("reissued message",
		logging.KeyDC, rt.dc.ID, "old_msg_id", oldMsgID, logging.KeyMsgID, newMsgID)
	if c.cb.OnRestart != nil {
		c.cb.OnRestart(oldMsgID, newMsgID)
	}
}

// Delete drops an outstanding message; a send is cancellable only until
// the frame reached the connection, so this merely stops retransmission
// tracking.
func (c *Client) Delete(dcID int32, msgID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rt := c.runtimes[dcID]; rt != nil {
		delete(rt.pending, msgID)
	}
}

// SendPing sends ping#7abe77ec with a random ping id.
func (c *Client) SendPing(dcID int32) error {
	pingID, err := crypto.RandomLong()
	if err != nil {
		return err
	}
	b := wire.NewBuilder()
	b.PutUint32(wire.CodePing)
	b.PutLong(pingID)

	c.mu.Lock()
	defer c.mu.Unlock()
	rt := c.runtimes[dcID]
	if rt == nil {
		return fmt.Errorf("DC %d not connected", dcID)
	}
	_, err = c.sendLocked(rt, b.Bytes(), ForceSend, 0)
	return err
}

// flushAcks drains the pending-ack set into one msgs_ack message. It is
// the session timer callback.
func (c *Client) flushAcks(dcID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rt := c.runtimes[dcID]
	if rt == nil || rt.sess == nil {
		return
	}
	ids := rt.sess.DrainAcks()
	if len(ids) == 0 {
		return
	}

	b := wire.NewBuilder()
	b.PutUint32(wire.CodeMsgsAck)
	b.PutUint32(wire.CodeVector)
	b.PutInt(int32(len(ids)))
	for _, id := range ids {
		b.PutLong(id)
	}

	if _, err := c.sendLocked(rt, b.Bytes(), ForceSend, 0); err != nil {
		c.logger.Warn("ack flush failed",
			logging.KeyDC, dcID, logging.KeyError, err)
		return
	}
	if c.m != nil {
		c.m.RecordAcksFlushed(len(ids))
	}
}

// Stats returns outgoing packet and byte counters for a DC connection.
func (c *Client) Stats(dcID int32) (packets, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rt := c.runtimes[dcID]; rt != nil && rt.conn != nil {
		return rt.conn.Stats()
	}
	return 0, 0
}

// Close shuts down all connections and timers.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, rt := range c.runtimes {
		rt.closing = true
		if rt.sess != nil {
			rt.sess.Close()
		}
		if rt.dc.RegenTimer != nil {
			rt.dc.RegenTimer.Stop()
			rt.dc.RegenTimer = nil
		}
		if rt.conn != nil {
			conn := rt.conn
			rt.conn = nil
			go conn.Close()
		}
	}
}

// errorLabel maps an error to a short metrics label.
func errorLabel(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrProtocol), errors.Is(err, handshake.ErrProtocol):
		return "protocol"
	case errors.Is(err, crypto.ErrCryptoParam):
		return "crypto_param"
	case errors.Is(err, crypto.ErrNoKey):
		return "no_key"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
