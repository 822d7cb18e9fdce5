// Package sender implements the relay-sender modes: port-forward and
// connect (stdin/stdout). Both dial the relay with C6's
// HybridConnectionClient and bridge the resulting duplex stream with a
// local net.Conn; there is no per-connection target negotiation on the
// wire — the target is whatever the listener on the other end of the
// hybrid connection entity is configured to dial.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/Azure/relay-listener-go/internal/metrics"
	"github.com/Azure/relay-listener-go/internal/relay"
)

// PortForwardConfig holds configuration for port-forward mode.
type PortForwardConfig struct {
	Endpoint      string
	EntityPath    string
	TokenProvider relay.TokenProvider
	Target        string // host:port label, for logging/metrics only
	BindAddress   string // local address:port to listen on
	TCPKeepAlive  time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics // optional; nil disables metrics
	DialTimeout   time.Duration    // per-connection relay dial timeout (0 = default)
}

// PortForward starts a local TCP listener and bridges each connection
// through the relay. It blocks until ctx is cancelled.
func PortForward(ctx context.Context, cfg PortForwardConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("port-forward listening", "bind", ln.Addr(), "target", cfg.Target)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	client := &relay.HybridConnectionClient{
		Endpoint:         cfg.Endpoint,
		EntityPath:       cfg.EntityPath,
		TokenProvider:    cfg.TokenProvider,
		OperationTimeout: cfg.DialTimeout,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}

		go func() {
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := forwardConnection(ctx, conn, client, cfg); err != nil {
				cfg.Logger.Warn("forward failed", "error", err)
			}
		}()
	}
}

func forwardConnection(ctx context.Context, conn net.Conn, client *relay.HybridConnectionClient, cfg PortForwardConfig) error {
	relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	stream, err := cfg.Metrics.InstrumentedCreateConnection(ctx, client, "sender")
	if err != nil {
		return err
	}

	_, bridgeErr := cfg.Metrics.TrackedBridge(ctx, stream, conn, "sender", cfg.Target)
	return bridgeErr
}

// stdioConn adapts stdin/stdout to net.Conn for use with Bridge.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c *stdioConn) Read(b []byte) (int, error)       { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *stdioConn) Close() error                     { return errors.Join(c.in.Close(), c.out.Close()) }
func (c *stdioConn) LocalAddr() net.Addr              { return stubAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr             { return stubAddr{} }
func (c *stdioConn) SetDeadline(time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "stdio" }
func (stubAddr) String() string  { return "stdio" }
