package sender

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/Azure/relay-listener-go/internal/metrics"
	"github.com/Azure/relay-listener-go/internal/relay"
)

// ConnectConfig holds configuration for the connect (stdin/stdout) mode.
type ConnectConfig struct {
	Endpoint      string
	EntityPath    string
	TokenProvider relay.TokenProvider
	Target        string // host:port label, for logging/metrics only
	Stdin         io.ReadCloser
	Stdout        io.WriteCloser
	Logger        *slog.Logger
	Metrics       *metrics.Metrics // optional; nil disables metrics
	DialTimeout   time.Duration    // relay dial timeout (0 = default)
}

// Connect performs a one-shot connection: dials the relay and bridges
// stdin/stdout with the resulting duplex stream. It returns when either
// side closes.
func Connect(ctx context.Context, cfg ConnectConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := &relay.HybridConnectionClient{
		Endpoint:         cfg.Endpoint,
		EntityPath:       cfg.EntityPath,
		TokenProvider:    cfg.TokenProvider,
		OperationTimeout: cfg.DialTimeout,
	}

	stream, err := cfg.Metrics.InstrumentedCreateConnection(ctx, client, "sender")
	if err != nil {
		return err
	}

	cfg.Logger.Debug("connected", "target", cfg.Target)

	stdio := &stdioConn{in: cfg.Stdin, out: cfg.Stdout}
	_, bridgeErr := cfg.Metrics.TrackedBridge(ctx, stream, stdio, "sender", cfg.Target)
	return bridgeErr
}
