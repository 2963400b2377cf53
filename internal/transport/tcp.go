package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/postalsys/tele-metroo/internal/logging"
	"github.com/postalsys/tele-metroo/internal/wire"
)

// TCPFactory dials plain TCP connections carrying the abridged framing.
type TCPFactory struct {
	cfg    DialConfig
	logger *slog.Logger
}

// NewTCPFactory creates a factory with the given dial configuration.
func NewTCPFactory(cfg DialConfig, logger *slog.Logger) *TCPFactory {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TCPFactory{cfg: cfg, logger: logger}
}

// Connect implements Factory.
func (f *TCPFactory) Connect(ctx context.Context, host string, port int, dcID int32, sessionID int64, m Methods) (Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	raw, err := f.dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newTCPConn(raw, dcID, sessionID, f.cfg, f.logger, m)
	c.start()
	return c, nil
}

// dial resolves the dialer: direct, or through the configured SOCKS5 proxy.
func (f *TCPFactory) dial(ctx context.Context, addr string) (net.Conn, error) {
	if f.cfg.ProxyAddr == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}

	var auth *proxy.Auth
	if f.cfg.ProxyUser != "" {
		auth = &proxy.Auth{User: f.cfg.ProxyUser, Password: f.cfg.ProxyPassword}
	}
	dialer, err := proxy.SOCKS5("tcp", f.cfg.ProxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", f.cfg.ProxyAddr, err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

// tcpConn is a framed TCP connection with its own reader goroutine.
type tcpConn struct {
	raw       net.Conn
	dcID      int32
	sessionID int64
	methods   Methods
	logger    *slog.Logger
	limiter   *rate.Limiter

	writeMu sync.Mutex
	bw      *bufio.Writer
	fw      *wire.FrameWriter

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPConn(raw net.Conn, dcID int32, sessionID int64, cfg DialConfig, logger *slog.Logger, m Methods) *tcpConn {
	bw := bufio.NewWriter(raw)
	c := &tcpConn{
		raw:       raw,
		dcID:      dcID,
		sessionID: sessionID,
		methods:   m,
		logger:    logger,
		bw:        bw,
		fw:        wire.NewFrameWriter(bw),
		closed:    make(chan struct{}),
	}
	if cfg.SendBytesPerSecond > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = wire.MaxFrameSize
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendBytesPerSecond), burst)
	}
	return c
}

// start signals readiness and launches the read loop.
func (c *tcpConn) start() {
	if c.methods.Ready != nil {
		c.methods.Ready(c)
	}
	go c.readLoop()
}

func (c *tcpConn) readLoop() {
	fr := wire.NewFrameReader(c.raw)
	for {
		payload, err := fr.Read()
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				// Oversized frames are drained and dropped without
				// failing the connection.
				c.logger.Warn("dropping oversized frame",
					logging.KeyDC, c.dcID)
				continue
			}
			c.fail(err)
			return
		}
		if c.methods.Execute != nil {
			c.methods.Execute(c, payload)
		}
	}
}

func (c *tcpConn) fail(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.raw.Close()
		if c.methods.Closed != nil {
			c.methods.Closed(c, err)
		}
	})
}

// WritePacket implements Conn.
func (c *tcpConn) WritePacket(payload []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	if c.limiter != nil {
		framed := len(payload) + 4
		if err := c.limiter.WaitN(context.Background(), framed); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fw.Write(payload)
}

// Flush implements Conn.
func (c *tcpConn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.bw.Flush()
}

// Close implements Conn.
func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.bw.Flush()
		c.writeMu.Unlock()
		c.raw.Close()
		if c.methods.Closed != nil {
			c.methods.Closed(c, nil)
		}
	})
	return nil
}

// DCID implements Conn.
func (c *tcpConn) DCID() int32 { return c.dcID }

// SessionID implements Conn.
func (c *tcpConn) SessionID() int64 { return c.sessionID }

// RemoteAddr implements Conn.
func (c *tcpConn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Stats implements Conn.
func (c *tcpConn) Stats() (int64, int64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fw.Packets(), c.fw.Bytes()
}
