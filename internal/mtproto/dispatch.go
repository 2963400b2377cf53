package mtproto

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/postalsys/tele-metroo/internal/dc"
	"github.com/postalsys/tele-metroo/internal/logging"
	"github.com/postalsys/tele-metroo/internal/wire"
)

const (
	// maxInflatedSize bounds a gzip_packed body after inflation.
	maxInflatedSize = 1 << 24

	// Time-skew window for inbound message timestamps, in seconds.
	skewPast   = 300
	skewFuture = 30
)

// processEncryptedLocked validates and dispatches one authorized frame.
func (c *Client) processEncryptedLocked(rt *dcRuntime, data []byte) {
	d := rt.dc

	keyID, err := peekAuthKeyID(data)
	if err != nil {
		c.logger.Warn("malformed frame", logging.KeyDC, d.ID, logging.KeyError, err)
		c.failConnectionLocked(rt)
		return
	}

	// A frame for a key we do not hold is dropped without closing.
	var key *[256]byte
	switch keyID {
	case d.TempAuthKeyID:
		key = &d.TempAuthKey
	case d.AuthKeyID:
		key = &d.AuthKey
	default:
		c.logger.Warn("dropping frame with unknown auth_key_id",
			logging.KeyDC, d.ID,
			logging.KeyAuthKeyID, fmt.Sprintf("%016x", uint64(keyID)))
		return
	}
	if keyID == 0 {
		c.logger.Warn("dropping plain frame in authorized state", logging.KeyDC, d.ID)
		return
	}

	env, err := openEnvelope(key, data)
	if err != nil {
		c.logger.Warn("undecryptable frame, closing connection",
			logging.KeyDC, d.ID, logging.KeyError, err)
		c.failConnectionLocked(rt)
		return
	}

	if rt.sess == nil || env.SessionID != rt.sess.ID {
		c.logger.Warn("message for wrong session, failing session",
			logging.KeyDC, d.ID,
			logging.KeySessionID, fmt.Sprintf("%016x", uint64(env.SessionID)))
		c.failSessionLocked(rt)
		return
	}

	// The first authorized inbound message of a session pins the clock
	// deltas.
	msgTime := float64(env.MsgID >> 32)
	if rt.sess.MarkReceived() {
		d.ServerTimeDelta = msgTime - c.cfg.Clock.Wall()
		d.ServerTimeUDelta = msgTime - c.cfg.Clock.Mono()
	}

	st := dc.ServerTime(c.cfg.Clock, d)
	if msgTime < st-skewPast || msgTime > st+skewFuture {
		c.logger.Warn("message timestamp outside window, failing session",
			logging.KeyDC, d.ID,
			logging.KeyMsgID, env.MsgID,
			"server_time", st)
		c.failSessionLocked(rt)
		return
	}

	if d.ServerSalt != env.ServerSalt {
		d.ServerSalt = env.ServerSalt
		if err := c.cfg.Storage.SaveSalt(d.ID, env.ServerSalt); err != nil {
			c.logger.Warn("cannot persist salt",
				logging.KeyDC, d.ID, logging.KeyError, err)
		}
	}

	if env.MsgID&1 != 0 {
		rt.sess.InsertAck(env.MsgID)
	}
	if c.m != nil {
		c.m.RecordEnvelopeReceived(len(data))
	}

	if err := c.dispatchLocked(rt, env.MsgID, wire.NewReader(env.Payload), 0); err != nil {
		c.logger.Warn("dispatch failed, failing session",
			logging.KeyDC, d.ID,
			logging.KeyMsgID, env.MsgID,
			logging.KeyError, err)
		c.failSessionLocked(rt)
	}
}

// dispatchLocked interprets one message body. depth guards gzip nesting.
func (c *Client) dispatchLocked(rt *dcRuntime, msgID int64, r *wire.Reader, depth int) error {
	op, err := r.PeekUint32()
	if err != nil {
		return fmt.Errorf("%w: empty message body", ErrProtocol)
	}
	if c.m != nil {
		c.m.RecordMessage(wire.CodeName(op))
	}

	switch op {
	case wire.CodeMsgContainer:
		return c.workContainer(rt, r, depth)
	case wire.CodeRPCResult:
		return c.workRPCResult(rt, r)
	case wire.CodeMsgsAck:
		return c.workMsgsAck(rt, r)
	case wire.CodeBadServerSalt:
		return c.workBadServerSalt(rt, r)
	case wire.CodeBadMsgNotification:
		return c.workBadMsgNotification(rt, r)
	case wire.CodeNewSessionCreated:
		return c.workNewSessionCreated(rt, r)
	case wire.CodePong:
		return c.workPong(r)
	case wire.CodeMsgDetailedInfo:
		return c.workDetailedInfo(r)
	case wire.CodeMsgNewDetailedInfo:
		return c.workNewDetailedInfo(r)
	case wire.CodeGzipPacked:
		return c.workGzipPacked(rt, msgID, r, depth)
	default:
		if wire.IsUpdateCode(op) {
			if c.cb.OnUpdate != nil {
				c.cb.OnUpdate(append([]byte(nil), r.Rest()...))
			}
			return nil
		}
		// Unknown constructors are skipped, not fatal.
		c.logger.Debug("skipping unknown constructor",
			logging.KeyDC, rt.dc.ID, logging.KeyOpcode, fmt.Sprintf("0x%08x", op))
		return nil
	}
}

// workContainer iterates the inner messages of a msg_container.
func (c *Client) workContainer(rt *dcRuntime, r *wire.Reader, depth int) error {
	if err := r.Expect(wire.CodeMsgContainer); err != nil {
		return err
	}
	n, err := r.ReadInt()
	if err != nil || n < 0 {
		return fmt.Errorf("%w: bad container count", ErrProtocol)
	}
	for i := int32(0); i < n; i++ {
		innerID, err := r.ReadLong()
		if err != nil {
			return fmt.Errorf("%w: container truncated", ErrProtocol)
		}
		if _, err := r.ReadInt(); err != nil { // seq_no
			return fmt.Errorf("%w: container truncated", ErrProtocol)
		}
		length, err := r.ReadInt()
		if err != nil || length < 0 || int(length) > r.Remaining() {
			return fmt.Errorf("%w: bad container item length", ErrProtocol)
		}
		if innerID&1 != 0 {
			rt.sess.InsertAck(innerID)
		}
		body := r.Rest()[:length]
		if err := r.Skip(int(length)); err != nil {
			return fmt.Errorf("%w: container truncated", ErrProtocol)
		}
		if err := c.dispatchLocked(rt, innerID, wire.NewReader(body), depth); err != nil {
			return err
		}
	}
	return nil
}

// workRPCResult correlates a reply with its request. Bind and config
// queries are consumed by the transport itself; everything else escapes
// to the query layer.
func (c *Client) workRPCResult(rt *dcRuntime, r *wire.Reader) error {
	if err := r.Expect(wire.CodeRPCResult); err != nil {
		return err
	}
	reqMsgID, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: truncated rpc_result", ErrProtocol)
	}
	delete(rt.pending, reqMsgID)

	inner, err := r.PeekUint32()
	if err != nil {
		return fmt.Errorf("%w: empty rpc_result body", ErrProtocol)
	}

	if inner == wire.CodeRPCError {
		_, _ = r.ReadUint32()
		code, err := r.ReadInt()
		if err != nil {
			return fmt.Errorf("%w: truncated rpc_error", ErrProtocol)
		}
		text, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("%w: truncated rpc_error", ErrProtocol)
		}
		if c.consumeInternalError(rt, reqMsgID, code, string(text)) {
			return nil
		}
		if c.m != nil {
			c.m.RecordRPCError(code)
		}
		if c.cb.OnRPCError != nil {
			c.cb.OnRPCError(reqMsgID, code, string(text))
		}
		return nil
	}

	body := r.Rest()
	if inner == wire.CodeGzipPacked {
		_, _ = r.ReadUint32()
		packed, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("%w: truncated gzip_packed", ErrProtocol)
		}
		body, err = inflate(packed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	if c.consumeInternalResult(rt, reqMsgID, body) {
		return nil
	}
	if c.m != nil {
		c.m.RecordRPCResult()
	}
	if c.cb.OnRPCResult != nil {
		c.cb.OnRPCResult(reqMsgID, append([]byte(nil), body...))
	}
	return nil
}

// workMsgsAck marks acknowledged messages.
func (c *Client) workMsgsAck(rt *dcRuntime, r *wire.Reader) error {
	if err := r.Expect(wire.CodeMsgsAck); err != nil {
		return err
	}
	if err := r.Expect(wire.CodeVector); err != nil {
		return err
	}
	n, err := r.ReadInt()
	if err != nil || n < 0 {
		return fmt.Errorf("%w: bad ack vector", ErrProtocol)
	}
	for i := int32(0); i < n; i++ {
		id, err := r.ReadLong()
		if err != nil {
			return fmt.Errorf("%w: ack vector truncated", ErrProtocol)
		}
		delete(rt.pending, id)
		if c.cb.OnAck != nil {
			c.cb.OnAck(id)
		}
	}
	return nil
}

// workBadServerSalt adopts the fresh salt and reissues the failed
// message under a new id.
func (c *Client) workBadServerSalt(rt *dcRuntime, r *wire.Reader) error {
	if err := r.Expect(wire.CodeBadServerSalt); err != nil {
		return err
	}
	badID, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: truncated bad_server_salt", ErrProtocol)
	}
	if _, err := r.ReadInt(); err != nil { // seq_no
		return fmt.Errorf("%w: truncated bad_server_salt", ErrProtocol)
	}
	if _, err := r.ReadInt(); err != nil { // error_code
		return fmt.Errorf("%w: truncated bad_server_salt", ErrProtocol)
	}
	newSalt, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: truncated bad_server_salt", ErrProtocol)
	}

	rt.dc.ServerSalt = newSalt
	if err := c.cfg.Storage.SaveSalt(rt.dc.ID, newSalt); err != nil {
		c.logger.Warn("cannot persist salt",
			logging.KeyDC, rt.dc.ID, logging.KeyError, err)
	}
	if c.m != nil {
		c.m.RecordSaltUpdate()
	}

	c.logger.Debug("bad_server_salt, reissuing",
		logging.KeyDC, rt.dc.ID, logging.KeyMsgID, badID,
		logging.KeySalt, fmt.Sprintf("%016x", uint64(newSalt)))
	c.resendLocked(rt, badID)
	return nil
}

// workBadMsgNotification reissues messages the server rejected for
// msg_id or container problems.
func (c *Client) workBadMsgNotification(rt *dcRuntime, r *wire.Reader) error {
	if err := r.Expect(wire.CodeBadMsgNotification); err != nil {
		return err
	}
	badID, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: truncated bad_msg_notification", ErrProtocol)
	}
	seqNo, err := r.ReadInt()
	if err != nil {
		return fmt.Errorf("%w: truncated bad_msg_notification", ErrProtocol)
	}
	code, err := r.ReadInt()
	if err != nil {
		return fmt.Errorf("%w: truncated bad_msg_notification", ErrProtocol)
	}

	switch code {
	case 16, 17:
		// msg_id too low / too high: the clock deltas were off; the next
		// generated id restamps against current server time.
		c.resendLocked(rt, badID)
	case 64:
		// bad container
		c.resendLocked(rt, badID)
	default:
		c.logger.Warn("bad_msg_notification",
			logging.KeyDC, rt.dc.ID,
			logging.KeyMsgID, badID,
			logging.KeySeqNo, seqNo,
			"code", code)
	}
	return nil
}

// workNewSessionCreated adopts the session salt and replays everything
// the new session cannot know about.
func (c *Client) workNewSessionCreated(rt *dcRuntime, r *wire.Reader) error {
	if err := r.Expect(wire.CodeNewSessionCreated); err != nil {
		return err
	}
	firstID, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: truncated new_session_created", ErrProtocol)
	}
	if _, err := r.ReadLong(); err != nil { // unique_id
		return fmt.Errorf("%w: truncated new_session_created", ErrProtocol)
	}
	salt, err := r.ReadLong()
	if err != nil {
		return fmt.Errorf("%w: truncated new_session_created", ErrProtocol)
	}

	rt.dc.ServerSalt = salt
	if err := c.cfg.Storage.SaveSalt(rt.dc.ID, salt); err != nil {
		c.logger.Warn("cannot persist salt",
			logging.KeyDC, rt.dc.ID, logging.KeyError, err)
	}

	// Everything sent before the server's first known id is lost.
	var replay []int64
	for id := range rt.pending {
		if id < firstID {
			replay = append(replay, id)
		}
	}
	for _, id := range replay {
		c.resendLocked(rt, id)
	}

	c.logger.Debug("new_session_created",
		logging.KeyDC, rt.dc.ID, "first_msg_id", firstID, logging.KeyCount, len(replay))
	if c.cb.OnNewSession != nil {
		c.cb.OnNewSession(rt.dc.ID)
	}
	return nil
}

// workPong consumes a pong.
func (c *Client) workPong(r *wire.Reader) error {
	if err := r.Expect(wire.CodePong); err != nil {
		return err
	}
	if _, err := r.ReadLong(); err != nil { // msg_id
		return fmt.Errorf("%w: truncated pong", ErrProtocol)
	}
	if _, err := r.ReadLong(); err != nil { // ping_id
		return fmt.Errorf("%w: truncated pong", ErrProtocol)
	}
	return nil
}

// workDetailedInfo consumes msg_detailed_info; acking happens at the
// envelope level.
func (c *Client) workDetailedInfo(r *wire.Reader) error {
	if err := r.Expect(wire.CodeMsgDetailedInfo); err != nil {
		return err
	}
	if _, err := r.ReadLong(); err != nil { // msg_id
		return fmt.Errorf("%w: truncated msg_detailed_info", ErrProtocol)
	}
	if _, err := r.ReadLong(); err != nil { // answer_msg_id
		return fmt.Errorf("%w: truncated msg_detailed_info", ErrProtocol)
	}
	if _, err := r.ReadInt(); err != nil { // bytes
		return fmt.Errorf("%w: truncated msg_detailed_info", ErrProtocol)
	}
	if _, err := r.ReadInt(); err != nil { // status
		return fmt.Errorf("%w: truncated msg_detailed_info", ErrProtocol)
	}
	return nil
}

// workNewDetailedInfo consumes msg_new_detailed_info.
func (c *Client) workNewDetailedInfo(r *wire.Reader) error {
	if err := r.Expect(wire.CodeMsgNewDetailedInfo); err != nil {
		return err
	}
	if _, err := r.ReadLong(); err != nil { // answer_msg_id
		return fmt.Errorf("%w: truncated msg_new_detailed_info", ErrProtocol)
	}
	if _, err := r.ReadInt(); err != nil { // bytes
		return fmt.Errorf("%w: truncated msg_new_detailed_info", ErrProtocol)
	}
	if _, err := r.ReadInt(); err != nil { // status
		return fmt.Errorf("%w: truncated msg_new_detailed_info", ErrProtocol)
	}
	return nil
}

// workGzipPacked inflates and re-dispatches a compressed body. Nesting
// is limited to one level.
func (c *Client) workGzipPacked(rt *dcRuntime, msgID int64, r *wire.Reader, depth int) error {
	if depth >= 1 {
		return fmt.Errorf("%w: nested gzip_packed", ErrProtocol)
	}
	if err := r.Expect(wire.CodeGzipPacked); err != nil {
		return err
	}
	packed, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("%w: truncated gzip_packed", ErrProtocol)
	}
	body, err := inflate(packed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return c.dispatchLocked(rt, msgID, wire.NewReader(body), depth+1)
}

// inflate gunzips a packed body, bounded to maxInflatedSize.
func inflate(packed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("inflated body exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}
