// Package inbound receives pose records from the external driving simulator:
// a TCP endpoint serving one client at a time, the two record encodings, and
// a pcap replay source for captured sessions.
package inbound

import (
	"context"
	"fmt"
	"net"

	"github.com/banshee-data/trackbridge/internal/monitoring"
	"github.com/banshee-data/trackbridge/internal/pose"
)

// ListenerConfig contains configuration options for the inbound listener.
type ListenerConfig struct {
	Address string
	Decode  DecodeOptions
	Logf    func(format string, v ...interface{})
}

// Listener accepts inbound clients on a TCP endpoint.
type Listener struct {
	ln   net.Listener
	opts DecodeOptions
	logf func(format string, v ...interface{})
}

// Listen binds the inbound endpoint. Failure is returned as a *BindError.
func Listen(cfg ListenerConfig) (*Listener, error) {
	opts := cfg.Decode.withDefaults()
	if _, err := NewSource(nil, opts); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, &BindError{Addr: cfg.Address, Err: err}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = monitoring.Logf
	}
	logf("[inbound] listening on %s (format %s)", ln.Addr(), opts.Format)
	return &Listener{ln: ln, opts: opts, logf: logf}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next client. Cancelling ctx closes the listener and
// any connection returned from it.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	nc, err := l.ln.Accept()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept inbound client: %w", err)
	}
	src, _ := NewSource(nc, l.opts)
	c := &Conn{conn: nc, src: src}
	c.stop = context.AfterFunc(ctx, func() { nc.Close() })
	l.logf("[inbound] client connected from %s", nc.RemoteAddr())
	return c, nil
}

// Close stops accepting clients.
func (l *Listener) Close() error { return l.ln.Close() }

// Conn is one connected inbound client.
type Conn struct {
	conn net.Conn
	src  Source
	stop func() bool
}

// Next reads the next record from the client.
func (c *Conn) Next() (pose.Record, error) { return c.src.Next() }

// RemoteAddr returns the client's address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the client connection.
func (c *Conn) Close() error {
	c.stop()
	return c.conn.Close()
}
