package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Azure/relay-listener-go/internal/protocol"
)

// relayUserAgent identifies this library on the HTTP upgrade request (spec
// §6.1).
var relayUserAgent = fmt.Sprintf("azure-relay/1 (%s; go%s)", runtime.GOOS, runtime.Version()[2:])

// keepAliveInterval is the control channel's WebSocket ping cadence (spec
// §6.1): a missed pong forces a reconnect rather than leaving a half-dead
// channel online.
const keepAliveInterval = 3*time.Minute + 30*time.Second

const pingTimeout = 10 * time.Second

// backoffSchedule is the reconnect delay schedule of spec §4.3: 0s on the
// very first retry, then 1, 2, 5, 10s, settling at 30s for every retry
// after. A successful connection resets the index to 0.
var backoffSchedule = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// ControlState mirrors the three states a listener's control connection is
// ever observed in (spec §5.2).
type ControlState int

const (
	ControlConnecting ControlState = iota
	ControlOnline
	ControlOffline
)

func (s ControlState) String() string {
	switch s {
	case ControlOnline:
		return "Online"
	case ControlOffline:
		return "Offline"
	default:
		return "Connecting"
	}
}

// ConnectionBufferSize is the control channel's receive buffer ceiling
// (spec §6.2/§6.3): a single control message larger than this is a
// protocol violation and forces a reconnect rather than being buffered
// indefinitely.
const ConnectionBufferSize = 64 * 1024

// ControlConnection owns one listener's control channel: the persistent
// "listen" WebSocket, its reconnect-with-backoff state machine, outbound
// token renewal, and dispatch of inbound accept/request commands. It does
// not itself know how to service an accept or a tunneled request; it calls
// back into OnAccept/OnRequest and lets the caller (Listener) own that.
type ControlConnection struct {
	Endpoint    string
	EntityPath  string
	Renewer     *TokenRenewer
	Logger      *slog.Logger
	DialTimeout time.Duration

	// OnConnecting, OnOnline, and OnOffline report state transitions (spec
	// §5.2). OnOffline carries the error that caused the transition, or nil
	// on a clean shutdown. Any of them may be nil.
	OnConnecting func()
	OnOnline     func()
	OnOffline    func(err error)

	// OnAccept and OnRequest handle each inbound "accept" and "request"
	// command. OnAccept is always dispatched on its own goroutine (spec
	// §4.4, §4.3): it never runs on the read pump, so a slow or blocking
	// AcceptHandler never stalls other commands. OnRequest is invoked
	// inline, because a control-body request needs to read its body off
	// the control channel before the pump can advance to the next command
	// (spec §4.5); OnRequest itself hands off to its own goroutine once
	// that inline read is done — see HybridHttpConnection.OnRequest.
	OnAccept  func(ctx context.Context, cmd protocol.AcceptBody)
	OnRequest func(ctx context.Context, cmd protocol.RequestBody)

	sendMu sync.Mutex // serializes writes to ws; the "async-mutex-equivalent" of spec §4.3
	wsMu   sync.RWMutex
	ws     *websocket.Conn

	stateMu sync.Mutex
	state   ControlState
	lastErr error

	trackingMu sync.Mutex
	tracking   TrackingContext
}

// State returns the current observed state and the last error recorded on
// an Offline transition (nil once back Online).
func (c *ControlConnection) State() (ControlState, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state, c.lastErr
}

func (c *ControlConnection) setState(s ControlState, err error) {
	c.stateMu.Lock()
	c.state = s
	c.lastErr = err
	c.stateMu.Unlock()

	switch s {
	case ControlConnecting:
		if c.OnConnecting != nil {
			c.OnConnecting()
		}
	case ControlOnline:
		if c.OnOnline != nil {
			c.OnOnline()
		}
	case ControlOffline:
		if c.OnOffline != nil {
			c.OnOffline(err)
		}
	}
}

// Run dials the control channel and services it until ctx is cancelled or
// a terminal error occurs (spec §4.3: only EndpointNotFound is terminal).
// On any other failure it backs off per backoffSchedule and retries. It
// blocks; callers normally run it in its own goroutine.
func (c *ControlConnection) Run(ctx context.Context) error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 70 * time.Second
	}

	attempt := 0
	for {
		c.setState(ControlConnecting, nil)
		reachedOnline, err := c.runOnce(ctx)

		if ctx.Err() != nil {
			c.setState(ControlOffline, nil)
			return ctx.Err()
		}

		if IsTerminalForReconnect(err) {
			c.setState(ControlOffline, err)
			c.Logger.Warn("control channel disconnected", "error", err, "entityPath", c.EntityPath)
			return err
		}

		c.setState(ControlOffline, err)
		c.Logger.Warn("control channel disconnected, reconnecting", "error", err, "entityPath", c.EntityPath)

		if reachedOnline {
			attempt = 0
		}
		delay := backoffDelay(attempt)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce dials, serves, and tears down a single control-channel
// connection. reachedOnline reports whether it got far enough to transition
// to ControlOnline, regardless of the error (if any) it ultimately returns —
// Run uses this, not elapsed wall-clock time, to decide whether the next
// failure resets the backoff index (spec §4.3: "a successful Online resets
// the index").
func (c *ControlConnection) runOnce(ctx context.Context) (reachedOnline bool, err error) {
	tok, err := c.Renewer.GetToken(ctx)
	if err != nil {
		return false, fmt.Errorf("get token: %w", err)
	}

	wssBase := EndpointToWSS(c.Endpoint)
	host, port := splitHostPort(wssBase)
	tc := NewTrackingContext(c.Endpoint)
	listenURL := BuildURL(host, port, c.EntityPath, "", ActionListen, tc.StrippedTrackingID())

	headers := http.Header{}
	headers.Set("Relay-User-Agent", relayUserAgent)
	if tok.TokenString != "" {
		headers.Set("ServiceBusAuthorization", tok.TokenString)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()
	ws, resp, err := websocket.Dial(dialCtx, listenURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		kind := MapUpgradeStatus(status)
		return false, NewRelayError(kind, tc, "dial control channel", sanitizeErr(err))
	}
	ws.SetReadLimit(ConnectionBufferSize)

	c.trackingMu.Lock()
	c.tracking = tc
	c.trackingMu.Unlock()

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()
	defer func() {
		c.wsMu.Lock()
		c.ws = nil
		c.wsMu.Unlock()
		_ = ws.CloseNow()
	}()

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	unsubscribe := c.Renewer.hookOnRenewed(func(tok SecurityToken) {
		if err := c.sendCommand(loopCtx, protocol.RenewTokenCommand(tok.TokenString), nil); err != nil {
			c.Logger.Warn("push renewed token failed, forcing reconnect", "error", err)
			loopCancel()
		}
	})
	defer unsubscribe()

	c.setState(ControlOnline, nil)
	c.Logger.Info("control channel connected", "entityPath", c.EntityPath)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(loopCtx, ws, loopCancel)
	}()
	defer wg.Wait()

	for {
		_, data, err := ws.Read(loopCtx)
		if err != nil {
			return true, NewRelayError(KindConnectionLost, tc, "read control channel", err)
		}

		cmd, err := protocol.Unmarshal(data)
		if err != nil {
			c.Logger.Warn("malformed control command, ignoring", "error", err)
			continue
		}
		if err := cmd.Validate(); err != nil {
			c.Logger.Warn("invalid control command, ignoring", "error", err)
			continue
		}

		switch {
		case cmd.Accept != nil:
			if c.OnAccept != nil {
				// Spawned so a slow AcceptHandler (or a full connection
				// semaphore) never stalls the read pump: further commands
				// must keep draining while this accept is decided (spec
				// §4.3, §4.4).
				accept := *cmd.Accept
				go c.OnAccept(loopCtx, accept)
			}
		case cmd.Request != nil:
			if c.OnRequest != nil {
				c.OnRequest(loopCtx, *cmd.Request)
			}
		case cmd.RenewToken != nil:
			// Server's renewToken is an ack of a token we pushed; nothing to do.
		default:
			c.Logger.Warn("unrecognized control command", "kind", cmd.Kind())
		}
	}
}

// SendCommand writes one command to the control channel, optionally
// followed by a raw body frame, under the channel's serializing lock (spec
// §4.3's "async-mutex-equivalent" — concurrent senders queue rather than
// interleave frames).
func (c *ControlConnection) SendCommand(ctx context.Context, cmd protocol.Command, body io.Reader) error {
	return c.sendCommand(ctx, cmd, body)
}

func (c *ControlConnection) sendCommand(ctx context.Context, cmd protocol.Command, body io.Reader) error {
	c.wsMu.RLock()
	ws := c.ws
	c.wsMu.RUnlock()
	if ws == nil {
		return fmt.Errorf("control channel not connected")
	}

	data, err := protocol.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if body != nil {
		w, err := ws.Writer(ctx, websocket.MessageBinary)
		if err != nil {
			return fmt.Errorf("open body writer: %w", err)
		}
		if _, err := io.Copy(w, body); err != nil {
			_ = w.Close()
			return fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close body writer: %w", err)
		}
	}
	return nil
}

func (c *ControlConnection) pingLoop(ctx context.Context, ws *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.Logger.Warn("control channel keep-alive ping failed, forcing reconnect", "error", err)
				cancel()
				return
			}
		}
	}
}

// openControlBodyWriter sends cmd as a Text command on the control channel,
// then opens a single streamed Binary message for its body and holds the
// channel's serializing lock until the returned writer is closed. Used by
// HybridHttpConnection to stream an oversized response directly on the
// control channel (spec §3, "over control if possible") when the
// originating request carried no rendezvous address of its own, so there is
// nothing to dial a second WebSocket against. Callers must Close promptly:
// every other sendCommand on this control channel blocks until they do.
func (c *ControlConnection) openControlBodyWriter(ctx context.Context, cmd protocol.Command) (io.WriteCloser, error) {
	c.wsMu.RLock()
	ws := c.ws
	c.wsMu.RUnlock()
	if ws == nil {
		return nil, fmt.Errorf("control channel not connected")
	}

	data, err := protocol.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	c.sendMu.Lock()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.sendMu.Unlock()
		return nil, fmt.Errorf("write command: %w", err)
	}
	w, err := ws.Writer(ctx, websocket.MessageBinary)
	if err != nil {
		c.sendMu.Unlock()
		return nil, fmt.Errorf("open body writer: %w", err)
	}
	return &controlBodyWriter{w: w, unlock: c.sendMu.Unlock}, nil
}

// controlBodyWriter releases ControlConnection.sendMu on Close, once and
// only once, regardless of how many times Close is called.
type controlBodyWriter struct {
	w      io.WriteCloser
	unlock func()
	closed bool
}

func (b *controlBodyWriter) Write(p []byte) (int, error) { return b.w.Write(p) }

func (b *controlBodyWriter) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.w.Close()
	b.unlock()
	return err
}

// readControlBody reads one Binary message directly off the control
// channel's own WebSocket. It must only be called from within the OnRequest
// callback invoked synchronously by the read pump (spec §3: "the control
// pump is held until the request body message ends") — calling it
// concurrently with the pump's own ws.Read would race on the same
// connection.
func (c *ControlConnection) readControlBody(ctx context.Context) ([]byte, error) {
	c.wsMu.RLock()
	ws := c.ws
	c.wsMu.RUnlock()
	if ws == nil {
		return nil, fmt.Errorf("control channel not connected")
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read control body: %w", err)
	}
	return data, nil
}

// splitHostPort pulls the host (and, if present, port) out of a base URL
// produced by EndpointToWSS, for re-composition through BuildURL. The
// scheme is whatever EndpointToWSS left in place (normally "wss://", but
// a test harness may pass through a plain "ws://").
func splitHostPort(wssBase string) (host string, port int) {
	s := wssBase
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+len("://"):]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			host = s[:i]
			var p int
			for j := i + 1; j < len(s); j++ {
				if s[j] < '0' || s[j] > '9' {
					break
				}
				p = p*10 + int(s[j]-'0')
			}
			return host, p
		}
		if s[i] == '/' {
			return s[:i], 0
		}
	}
	return s, 0
}
