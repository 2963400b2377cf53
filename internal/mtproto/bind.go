package mtproto

import (
	"fmt"

	"github.com/postalsys/tele-metroo/internal/crypto"
	"github.com/postalsys/tele-metroo/internal/dc"
	"github.com/postalsys/tele-metroo/internal/logging"
	"github.com/postalsys/tele-metroo/internal/wire"
)

// bindTempKeyLocked signs the temporary key under the permanent one and
// sends auth.bindTempAuthKey as a normal RPC under the temporary key.
// The inner blob and the outer RPC share one msg_id.
func (c *Client) bindTempKeyLocked(rt *dcRuntime) {
	d := rt.dc
	if !d.Has(dc.FlagHasPermKey) || !d.Has(dc.FlagHasTempKey) {
		c.logger.Warn("cannot bind without both keys", logging.KeyDC, d.ID)
		return
	}

	// Supersede any earlier unanswered bind.
	if d.BindQueryID != 0 {
		delete(rt.pending, d.BindQueryID)
		d.BindQueryID = 0
	}

	msgID := rt.sess.NextMsgID(dc.ServerTime(c.cfg.Clock, d))

	nonce, err := crypto.RandomLong()
	if err != nil {
		c.logger.Warn("bind failed", logging.KeyDC, d.ID, logging.KeyError, err)
		return
	}
	expiresAt := int32(c.cfg.Clock.Wall() + d.ServerTimeDelta +
		c.cfg.TempKeyExpiry.Seconds())

	inner := wire.NewBuilder()
	inner.PutUint32(wire.CodeBindAuthKeyInner)
	inner.PutLong(nonce)
	inner.PutLong(d.TempAuthKeyID)
	inner.PutLong(d.AuthKeyID)
	inner.PutLong(rt.sess.ID)
	inner.PutInt(expiresAt)

	blob, err := sealBindInner(d, msgID, inner.Bytes())
	if err != nil {
		c.logger.Warn("bind failed", logging.KeyDC, d.ID, logging.KeyError, err)
		return
	}

	outer := wire.NewBuilder()
	outer.PutUint32(wire.CodeBindTempAuthKey)
	outer.PutLong(d.AuthKeyID)
	outer.PutLong(nonce)
	outer.PutInt(expiresAt)
	if err := outer.PutString(blob); err != nil {
		c.logger.Warn("bind failed", logging.KeyDC, d.ID, logging.KeyError, err)
		return
	}

	if _, err := c.sendLocked(rt, outer.Bytes(), ContentRelated|ForceSend, msgID); err != nil {
		c.logger.Warn("bind send failed", logging.KeyDC, d.ID, logging.KeyError, err)
		return
	}
	d.BindQueryID = msgID

	c.logger.Debug("bind_temp_auth_key sent",
		logging.KeyDC, d.ID, logging.KeyMsgID, msgID)
}

// sealBindInner wraps bind_auth_key_inner in an envelope under the
// permanent key with a random salt and session id and the caller-chosen
// msg_id, as the binding RPC requires.
func sealBindInner(d *dc.DC, msgID int64, body []byte) ([]byte, error) {
	salt, err := crypto.RandomLong()
	if err != nil {
		return nil, err
	}
	sessionID, err := crypto.RandomLong()
	if err != nil {
		return nil, err
	}
	return sealEnvelope(&d.AuthKey, d.AuthKeyID, salt, sessionID, msgID, 0, body)
}

// requestConfigLocked issues help.getConfig so the DC reaches the
// configured state. The reply body is consumed by the transport.
func (c *Client) requestConfigLocked(rt *dcRuntime) {
	if rt.configQueryID != 0 {
		return
	}
	b := wire.NewBuilder()
	b.PutUint32(wire.CodeHelpGetConfig)

	msgID, err := c.sendLocked(rt, b.Bytes(), ContentRelated|ForceSend, 0)
	if err != nil {
		c.logger.Warn("help.getConfig send failed",
			logging.KeyDC, rt.dc.ID, logging.KeyError, err)
		return
	}
	rt.configQueryID = msgID
}

// consumeInternalResult intercepts replies to transport-issued queries.
// Returns true when the reply was consumed.
func (c *Client) consumeInternalResult(rt *dcRuntime, reqMsgID int64, body []byte) bool {
	d := rt.dc

	if reqMsgID == d.BindQueryID && d.BindQueryID != 0 {
		d.BindQueryID = 0
		r := wire.NewReader(body)
		op, err := r.ReadUint32()
		if err != nil || op != wire.CodeBoolTrue {
			c.logger.Warn("bind rejected", logging.KeyDC, d.ID)
			// Negotiate a fresh temporary key from scratch.
			d.ClearTempKey()
			if rt.conn != nil && d.State == dc.StateAuthorized {
				c.startHandshakeLocked(rt, true)
			}
			return true
		}

		d.Flags |= dc.FlagBound
		c.logger.Info("temporary key bound",
			logging.KeyDC, d.ID,
			logging.KeyAuthKeyID, fmt.Sprintf("%016x", uint64(d.TempAuthKeyID)))
		if c.m != nil {
			c.m.RecordBind()
		}
		if !d.Has(dc.FlagConfigured) {
			c.requestConfigLocked(rt)
		}
		return true
	}

	if reqMsgID == rt.configQueryID && rt.configQueryID != 0 {
		rt.configQueryID = 0
		d.Flags |= dc.FlagConfigured
		c.logger.Info("dc configured", logging.KeyDC, d.ID)
		return true
	}

	return false
}

// consumeInternalError intercepts rpc_error replies to transport-issued
// queries. Returns true when the error was consumed.
func (c *Client) consumeInternalError(rt *dcRuntime, reqMsgID int64, code int32, text string) bool {
	d := rt.dc

	if reqMsgID == d.BindQueryID && d.BindQueryID != 0 {
		d.BindQueryID = 0
		c.logger.Warn("bind failed",
			logging.KeyDC, d.ID, "code", code, "text", text)
		d.ClearTempKey()
		if rt.conn != nil && d.State == dc.StateAuthorized {
			c.startHandshakeLocked(rt, true)
		}
		return true
	}

	if reqMsgID == rt.configQueryID && rt.configQueryID != 0 {
		rt.configQueryID = 0
		c.logger.Warn("help.getConfig failed",
			logging.KeyDC, d.ID, "code", code, "text", text)
		return true
	}

	return false
}
