package record

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	logx "cruisectl/pkg/logx"
)

// DefaultNetworkRetries is how many send attempts NetworkWriter makes.
const DefaultNetworkRetries = 2

// NetworkWriter sends records to "host:port" over TCP, or broadcasts them
// over UDP when the host is empty (":6224").
type NetworkWriter struct {
	addr    string
	retries int
	log     logx.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewNetworkWriter validates addr; the connection is opened on first write.
func NewNetworkWriter(addr string, retries int, log logx.Logger) (*NetworkWriter, error) {
	if !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("network writer: address must be host:port or :port, got %q", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("network writer: %w", err)
	}
	if retries <= 0 {
		retries = DefaultNetworkRetries
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NetworkWriter{addr: addr, retries: retries, log: log}, nil
}

func (w *NetworkWriter) Write(ctx context.Context, rec []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sent, tries := 0, 0
	var lastErr error
	for tries < w.retries && sent < len(rec) {
		tries++
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if w.conn == nil {
			conn, err := w.dial(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			w.conn = conn
		}
		n, err := w.conn.Write(rec[sent:])
		sent += n
		if err != nil {
			lastErr = err
			_ = w.conn.Close()
			w.conn = nil
		}
	}
	w.log.Trace("network write", logx.String("addr", w.addr), logx.Int("sent", sent), logx.Int("len", len(rec)), logx.Int("tries", tries))

	if sent < len(rec) {
		if lastErr == nil {
			lastErr = ErrShortWrite
		}
		return sent, fmt.Errorf("write %s: %d/%d bytes: %w", w.addr, sent, len(rec), lastErr)
	}
	return sent, nil
}

func (w *NetworkWriter) dial(ctx context.Context) (net.Conn, error) {
	host, port, _ := net.SplitHostPort(w.addr)
	if host != "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", w.addr)
	}
	d := net.Dialer{Control: func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = setBroadcast(fd)
		})
		if err != nil {
			return err
		}
		return serr
	}}
	return d.DialContext(ctx, "udp4", net.JoinHostPort("255.255.255.255", port))
}

func (w *NetworkWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
