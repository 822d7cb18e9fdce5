package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Azure/relay-listener-go/internal/queue"
)

// ListenerConfig configures a Listener (spec §6.5).
type ListenerConfig struct {
	Endpoint      string
	EntityPath    string
	TokenProvider TokenProvider

	// TokenValidFor is the lifetime requested on every token acquisition;
	// zero uses minRefreshInterval.
	TokenValidFor time.Duration

	MaxConnections int
	DialTimeout    time.Duration
	Logger         *slog.Logger

	AcceptHandler  AcceptHandler
	RequestHandler http.Handler

	OnConnecting func()
	OnOnline     func()
	OnOffline    func(err error)
}

// RuntimeInfo is a snapshot returned by Listener.RuntimeInfo (spec §6.5's
// get_runtime_info), useful for health checks and metrics scraping.
type RuntimeInfo struct {
	State       ControlState
	LastError   error
	EntityPath  string
	QueueLength int
}

// Listener is the public entry point of spec §6.5: it owns a
// TokenRenewer, a ControlConnection, a RendezvousEngine, and the
// BoundedAsyncQueue accepted duplex streams are delivered through. Its
// lifetime is Open..Close (spec §4.1 "Lifecycles").
type Listener struct {
	cfg ListenerConfig

	renewer *TokenRenewer
	control *ControlConnection
	engine  *RendezvousEngine
	tunnel  *HybridHttpConnection
	queue   *queue.BoundedAsyncQueue[*HybridConnectionStream]

	runMu  sync.Mutex
	cancel context.CancelFunc
	runErr chan error
}

// NewListener constructs an unopened Listener from cfg. Call Open to start
// it.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Open starts the control channel on its own goroutine and begins accepting
// rendezvous connections. It returns once that goroutine has been launched;
// the first token acquisition and connect happen there, asynchronously, and
// are observed via OnConnecting/OnOnline/OnOffline. A failed token
// acquisition or connect is not returned by Open. cfg, if given, replaces
// the Listener's configuration before opening; without it, Open uses
// whatever NewListener was given.
func (l *Listener) Open(ctx context.Context, cfg ...ListenerConfig) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return fmt.Errorf("listener: already open")
	}
	if len(cfg) > 0 {
		l.cfg = cfg[0]
	}
	if l.cfg.Logger == nil {
		l.cfg.Logger = slog.Default()
	}

	l.queue = queue.New[*HybridConnectionStream](func(s *HybridConnectionStream) {
		_ = s.Close(context.Background(), "queue disposed")
	})

	audience := ResourceURI(l.cfg.Endpoint, l.cfg.EntityPath)
	l.renewer = NewTokenRenewer(l.cfg.TokenProvider, audience, l.cfg.TokenValidFor, l.cfg.Logger)

	l.engine = &RendezvousEngine{
		Queue:          l.queue,
		AcceptHandler:  l.cfg.AcceptHandler,
		MaxConnections: l.cfg.MaxConnections,
		Logger:         l.cfg.Logger,
	}

	l.control = &ControlConnection{
		Endpoint:    l.cfg.Endpoint,
		EntityPath:  l.cfg.EntityPath,
		Renewer:     l.renewer,
		Logger:      l.cfg.Logger,
		DialTimeout: l.cfg.DialTimeout,

		OnConnecting: l.cfg.OnConnecting,
		OnOnline:     l.cfg.OnOnline,
		OnOffline:    l.cfg.OnOffline,

		OnAccept: l.engine.HandleAccept,
	}

	l.tunnel = &HybridHttpConnection{
		Control: l.control,
		Handler: l.cfg.RequestHandler,
		Logger:  l.cfg.Logger,
	}
	l.control.OnRequest = l.tunnel.OnRequest

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.runErr = make(chan error, 1)
	go func() {
		l.runErr <- l.control.Run(runCtx)
	}()
	return nil
}

// AcceptConnection dequeues the next accepted duplex stream, blocking until
// one arrives, ctx is done, or the listener is closed (spec §6.5
// accept_connection).
func (l *Listener) AcceptConnection(ctx context.Context) (*HybridConnectionStream, error) {
	l.runMu.Lock()
	q := l.queue
	l.runMu.Unlock()
	if q == nil {
		return nil, fmt.Errorf("listener: not open")
	}
	return q.Dequeue(ctx)
}

// SetAcceptHandler replaces the accept gate used for subsequent accepts.
func (l *Listener) SetAcceptHandler(h AcceptHandler) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	l.cfg.AcceptHandler = h
	if l.engine != nil {
		l.engine.AcceptHandler = h
	}
}

// SetRequestHandler replaces the HTTP tunnel handler used for subsequent
// "request" commands.
func (l *Listener) SetRequestHandler(h http.Handler) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	l.cfg.RequestHandler = h
	if l.tunnel != nil {
		l.tunnel.Handler = h
	}
}

// RuntimeInfo reports the current state snapshot (spec §6.5
// get_runtime_info).
func (l *Listener) RuntimeInfo() RuntimeInfo {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	info := RuntimeInfo{EntityPath: l.cfg.EntityPath}
	if l.control != nil {
		info.State, info.LastError = l.control.State()
	}
	if l.queue != nil {
		info.QueueLength = l.queue.Len()
	}
	return info
}

// Close tears down the control channel, the token renewer, and the accept
// queue, aggregating any shutdown errors (spec §4.1 "Lifecycles").
func (l *Listener) Close(ctx context.Context) error {
	l.runMu.Lock()
	cancel := l.cancel
	runErr := l.runErr
	renewer := l.renewer
	q := l.queue
	l.cancel = nil
	l.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var result *multierror.Error
	if runErr != nil {
		select {
		case err := <-runErr:
			if err != nil && err != context.Canceled {
				result = multierror.Append(result, fmt.Errorf("control channel shutdown: %w", err))
			}
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("control channel shutdown: %w", ctx.Err()))
		}
	}
	if renewer != nil {
		renewer.Close()
	}
	if q != nil {
		q.Close()
	}
	return result.ErrorOrNil()
}
