// Package listener is a port-forwarding demo built on relay.Listener: it
// accepts duplex rendezvous streams from one Hybrid Connection entity and
// bridges each to a single, statically configured TCP target, subject to an
// optional allowlist.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/Azure/relay-listener-go/internal/metrics"
	"github.com/Azure/relay-listener-go/internal/relay"
)

// Config holds relay-listener configuration.
type Config struct {
	Endpoint       string
	EntityPath     string
	TokenProvider  relay.TokenProvider
	Target         string   // TCP target every accepted stream is bridged to
	AllowList      []string // optional target allowlist (CIDR:port patterns)
	MaxConnections int
	ConnectTimeout time.Duration
	TCPKeepAlive   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// ListenAndServe starts the relay-listener. It blocks until ctx is cancelled
// or the control channel hits a terminal error (spec §4.3: EndpointNotFound).
func ListenAndServe(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}
	if cfg.Target != "" && len(cfg.AllowList) == 0 {
		cfg.Logger.Warn("no allowlist configured, target will be permitted unconditionally", "target", cfg.Target)
	}
	if len(cfg.AllowList) > 0 && cfg.Target != "" && !isAllowed(cfg.Target, cfg.AllowList) {
		return fmt.Errorf("configured target %q is rejected by its own allowlist", cfg.Target)
	}

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	l := &relay.Listener{}
	err := l.Open(ctx, relay.ListenerConfig{
		Endpoint:       cfg.Endpoint,
		EntityPath:     cfg.EntityPath,
		TokenProvider:  cfg.TokenProvider,
		MaxConnections: cfg.MaxConnections,
		DialTimeout:    cfg.ConnectTimeout,
		Logger:         cfg.Logger,
		OnConnecting: func() {
			cfg.Metrics.SetControlChannelState(relay.ControlConnecting)
		},
		OnOnline: func() {
			cfg.Metrics.SetControlChannelState(relay.ControlOnline)
		},
		OnOffline: func(err error) {
			cfg.Metrics.SetControlChannelState(relay.ControlOffline)
			if relay.IsTerminalForReconnect(err) {
				stop(err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("open listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.Close(closeCtx)
	}()

	for {
		stream, err := l.AcceptConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		go handleStream(ctx, stream, cfg)
	}
}

func handleStream(ctx context.Context, stream *relay.HybridConnectionStream, cfg Config) {
	logger := cfg.Logger

	if cfg.Target == "" {
		logger.Warn("no target configured, dropping accepted connection")
		_ = stream.Close(ctx, "no target configured")
		cfg.Metrics.ConnectionError("listener", metrics.ReasonEnvelopeError)
		return
	}
	if len(cfg.AllowList) > 0 && !isAllowed(cfg.Target, cfg.AllowList) {
		logger.Warn("target not allowed", "target", cfg.Target)
		_ = stream.Close(ctx, "target not allowed")
		cfg.Metrics.ConnectionError("listener", metrics.ReasonAllowlistRejected)
		return
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dialStart := time.Now()
	conn, err := dialer.DialContext(dialCtx, "tcp", cfg.Target)
	cfg.Metrics.ObserveDialDuration("listener", time.Since(dialStart).Seconds())
	if err != nil {
		logger.Warn("dial target failed", "target", cfg.Target, "error", err)
		_ = stream.Close(ctx, "connection failed")
		cfg.Metrics.ConnectionError("listener", metrics.DialReason(err, metrics.ReasonDialFailed))
		return
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	_, bridgeErr := cfg.Metrics.TrackedBridge(ctx, stream, conn, "listener", cfg.Target)
	if bridgeErr != nil {
		logger.Debug("bridge ended", "target", cfg.Target, "error", bridgeErr)
	}
}

// isAllowed checks if the target matches the allowlist.
// Allowlist entries can be:
//   - "host:port" — exact string match (no DNS resolution)
//   - "CIDR:port" — CIDR match with exact port
//   - "CIDR:*" — CIDR match with any port
//   - "*" — allow everything
//
// Note: hostname entries are matched literally. Use CIDR notation for
// IP-based restrictions to avoid bypass via IP/hostname mismatch.
func isAllowed(target string, allowList []string) bool {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}

	targetIP := net.ParseIP(host)

	for _, entry := range allowList {
		if entry == "*" {
			return true
		}

		aHost, aPort, err := splitAllowEntry(entry)
		if err != nil {
			continue
		}

		// Check port.
		if aPort != "*" && aPort != port {
			continue
		}

		// Check host: try CIDR first, then exact match.
		if _, cidr, err := net.ParseCIDR(aHost); err == nil {
			if targetIP != nil && cidr.Contains(targetIP) {
				return true
			}
		} else if host == aHost {
			return true
		}
	}
	return false
}

// splitAllowEntry parses "host:port" or "CIDR:port" from allowlist format.
// CIDR entries like "10.0.0.0/8:*" need special handling since they
// contain a colon in the CIDR notation.
func splitAllowEntry(entry string) (host, port string, err error) {
	// Find the last colon — the port separator.
	lastColon := -1
	for i := len(entry) - 1; i >= 0; i-- {
		if entry[i] == ':' {
			lastColon = i
			break
		}
	}
	if lastColon < 0 {
		return "", "", fmt.Errorf("no port in allowlist entry: %s", entry)
	}
	return entry[:lastColon], entry[lastColon+1:], nil
}
