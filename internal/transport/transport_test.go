package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/tele-metroo/internal/wire"
)

// echoListener accepts one connection and echoes every frame back.
// done closes both the listener and the accepted connection.
func echoListener(t *testing.T) (addr *net.TCPAddr, done func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	var accepted net.Conn

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mu.Lock()
		accepted = conn
		mu.Unlock()
		defer conn.Close()
		fr := wire.NewFrameReader(conn)
		for {
			payload, err := fr.Read()
			if err != nil {
				return
			}
			framed, err := wire.EncodeFrame(payload)
			if err != nil {
				return
			}
			if _, err := conn.Write(framed); err != nil {
				return
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr), func() {
		ln.Close()
		// The accept may still be in flight when a test stops early.
		for i := 0; i < 200; i++ {
			mu.Lock()
			c := accepted
			mu.Unlock()
			if c != nil {
				c.Close()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

type collector struct {
	mu     sync.Mutex
	frames [][]byte
	ready  bool
	closed bool
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 16)}
}

func (c *collector) methods() Methods {
	return Methods{
		Ready: func(Conn) {
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
		},
		Execute: func(_ Conn, payload []byte) {
			c.mu.Lock()
			c.frames = append(c.frames, append([]byte(nil), payload...))
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		},
		Closed: func(_ Conn, err error) {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		},
	}
}

func (c *collector) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := append([][]byte(nil), c.frames...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func TestTCPEcho(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	col := newCollector()
	f := NewTCPFactory(DefaultDialConfig(), nil)
	conn, err := f.Connect(context.Background(), addr.IP.String(), addr.Port, 2, 1, col.methods())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if !col.ready {
		t.Fatal("Ready not invoked")
	}

	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 3)
	if err := conn.WritePacket(payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	frames := col.waitFrames(t, 1)
	if !bytes.Equal(frames[0], payload) {
		t.Fatal("echoed frame mismatch")
	}

	packets, bytesOut := conn.Stats()
	if packets != 1 {
		t.Fatalf("packets = %d", packets)
	}
	if bytesOut != int64(len(payload)+1) {
		t.Fatalf("bytes = %d, want %d", bytesOut, len(payload)+1)
	}
}

func TestTCPClosedCallback(t *testing.T) {
	addr, stop := echoListener(t)

	col := newCollector()
	f := NewTCPFactory(DefaultDialConfig(), nil)
	conn, err := f.Connect(context.Background(), addr.IP.String(), addr.Port, 2, 1, col.methods())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Dropping the listener side fails the read loop.
	stop()

	deadline := time.After(5 * time.Second)
	for {
		col.mu.Lock()
		closed := col.closed
		col.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-col.notify:
		case <-deadline:
			t.Fatal("Closed not invoked after peer disconnect")
		}
	}

	if err := conn.WritePacket([]byte{1, 2, 3, 4}); err == nil {
		t.Fatal("write on closed connection succeeded")
	}
}

func TestTCPDialFailure(t *testing.T) {
	f := NewTCPFactory(DialConfig{Timeout: 200 * time.Millisecond}, nil)
	// A port nothing listens on.
	_, err := f.Connect(context.Background(), "127.0.0.1", 1, 2, 1, Methods{})
	if err == nil {
		t.Fatal("dial to dead port succeeded")
	}
}

func TestTCPRateLimiterConfigured(t *testing.T) {
	addr, stop := echoListener(t)
	defer stop()

	cfg := DefaultDialConfig()
	cfg.SendBytesPerSecond = 1 << 20
	cfg.SendBurst = 1 << 20

	col := newCollector()
	f := NewTCPFactory(cfg, nil)
	conn, err := f.Connect(context.Background(), addr.IP.String(), addr.Port, 2, 1, col.methods())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	// Writes under the limit pass straight through.
	for i := 0; i < 4; i++ {
		if err := conn.WritePacket([]byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := conn.Flush(); err != nil {
		t.Fatal(err)
	}
	col.waitFrames(t, 4)
}
