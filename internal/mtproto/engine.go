package mtproto

import (
	"time"

	"github.com/postalsys/tele-metroo/internal/dc"
	"github.com/postalsys/tele-metroo/internal/handshake"
	"github.com/postalsys/tele-metroo/internal/logging"
)

// newEngineLocked builds a handshake engine for the runtime's current
// connection and wires its completion hooks.
func (c *Client) newEngineLocked(rt *dcRuntime) *handshake.Engine {
	eng := handshake.NewEngine(handshake.Config{
		Keyring:       c.keyring,
		Clock:         c.cfg.Clock,
		TempKeyExpiry: c.cfg.TempKeyExpiry,
		Logger:        c.logger,
	}, rt.dc, rt.sess, rt.conn)

	eng.OnPermKey = func() { c.onPermKeyLocked(rt) }
	eng.OnTempKey = func() { c.onTempKeyLocked(rt) }
	return eng
}

// startHandshakeLocked kicks off the permanent or temporary branch.
func (c *Client) startHandshakeLocked(rt *dcRuntime, temp bool) {
	if rt.engine == nil {
		rt.engine = c.newEngineLocked(rt)
	}

	var err error
	if temp {
		err = rt.engine.StartTemp()
	} else {
		err = rt.engine.Start()
	}
	if err != nil {
		c.logger.Warn("cannot start handshake",
			logging.KeyDC, rt.dc.ID,
			logging.KeyTempKey, temp,
			logging.KeyError, err)
		c.failConnectionLocked(rt)
	}
}

// onPermKeyLocked runs after the permanent key reaches Authorized.
func (c *Client) onPermKeyLocked(rt *dcRuntime) {
	d := rt.dc
	if err := c.cfg.Storage.SaveAuthKey(d.ID, d.AuthKey, d.AuthKeyID); err != nil {
		c.logger.Warn("cannot persist auth key",
			logging.KeyDC, d.ID, logging.KeyError, err)
	}
	if err := c.cfg.Storage.SaveSalt(d.ID, d.ServerSalt); err != nil {
		c.logger.Warn("cannot persist salt",
			logging.KeyDC, d.ID, logging.KeyError, err)
	}
	if c.m != nil {
		c.m.RecordHandshake(false)
	}

	if c.cfg.PFS {
		c.startHandshakeLocked(rt, true)
		return
	}

	d.AdoptPermKeyAsTemp()
	if !d.Has(dc.FlagConfigured) {
		c.requestConfigLocked(rt)
	}
}

// onTempKeyLocked runs after the temporary key reaches Authorized: the
// key is useless until bound to the permanent one.
func (c *Client) onTempKeyLocked(rt *dcRuntime) {
	if c.m != nil {
		c.m.RecordHandshake(true)
	}
	c.armRegenTimerLocked(rt)
	c.bindTempKeyLocked(rt)
}

// armRegenTimerLocked schedules the periodic temp-key invalidation.
func (c *Client) armRegenTimerLocked(rt *dcRuntime) {
	d := rt.dc
	if d.RegenTimer != nil {
		d.RegenTimer.Stop()
	}
	d.RegenTimer = time.AfterFunc(c.cfg.TempKeyExpiry, func() {
		c.regenerateTempKey(d.ID)
	})
}

// regenerateTempKey drops the temporary key and rotates the session for
// fresh PFS, then starts a new temporary handshake when possible.
func (c *Client) regenerateTempKey(dcID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	rt := c.runtimes[dcID]
	if rt == nil {
		return
	}
	d := rt.dc

	c.logger.Info("regenerating temporary key", logging.KeyDC, dcID)
	d.ClearTempKey()
	d.BindQueryID = 0

	if rt.sess != nil {
		if err := rt.sess.Rotate(); err != nil {
			c.logger.Warn("session rotation failed",
				logging.KeyDC, dcID, logging.KeyError, err)
			return
		}
		for id := range rt.pending {
			delete(rt.pending, id)
		}
	}

	if d.State != dc.StateAuthorized || !c.cfg.PFS {
		return
	}
	if rt.conn != nil {
		rt.engine = c.newEngineLocked(rt)
		c.startHandshakeLocked(rt, true)
	}
}
