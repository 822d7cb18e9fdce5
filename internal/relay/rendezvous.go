package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Azure/relay-listener-go/internal/protocol"
	"github.com/Azure/relay-listener-go/internal/queue"
)

// rendezvousDeadline bounds opening the second WebSocket for an accepted
// connection (spec §5, "rendezvous accept/reject (20s)").
const rendezvousDeadline = 20 * time.Second

// AcceptHandler gates which accepted connections the application actually
// wants. It runs off the control pump (spec §4.4): returning false rejects
// the rendezvous instead of completing it.
type AcceptHandler func(ctx context.Context, cmd protocol.AcceptBody) bool

// RendezvousEngine promotes each inbound "accept" command into a second
// WebSocket — the data channel — and enqueues the resulting duplex stream
// for the application to dequeue via Listener.AcceptConnection. It never
// blocks the control channel's read pump: each accept is handled on its own
// goroutine, gated by a connection-count semaphore.
type RendezvousEngine struct {
	Queue          *queue.BoundedAsyncQueue[*HybridConnectionStream]
	AcceptHandler  AcceptHandler
	MaxConnections int // 0 = unlimited
	Logger         *slog.Logger

	semOnce sync.Once
	sem     *connSemaphore
}

// HandleAccept processes one "accept" command: optionally gates it through
// AcceptHandler, dials the rendezvous URL the service supplied, negotiates
// the sub-protocol, and enqueues the resulting stream. It is safe to call
// concurrently for multiple accepts.
func (e *RendezvousEngine) HandleAccept(ctx context.Context, cmd protocol.AcceptBody) {
	e.semOnce.Do(func() {
		if e.Logger == nil {
			e.Logger = slog.Default()
		}
		e.sem = newConnSemaphore(e.MaxConnections)
	})

	if e.AcceptHandler != nil && !e.AcceptHandler(ctx, cmd) {
		e.reject(ctx, cmd, http.StatusServiceUnavailable, "rejected by accept handler")
		return
	}

	if !e.sem.tryAcquire(ctx) {
		e.reject(ctx, cmd, http.StatusServiceUnavailable, "max connections reached")
		return
	}

	go func() {
		defer e.sem.release()
		if err := e.connect(ctx, cmd); err != nil {
			e.Logger.Warn("rendezvous accept failed", "id", cmd.ID, "error", err)
		}
	}()
}

func (e *RendezvousEngine) connect(ctx context.Context, cmd protocol.AcceptBody) error {
	dialCtx, cancel := context.WithTimeout(ctx, rendezvousDeadline)
	defer cancel()

	headers := http.Header{}
	for k, v := range cmd.ConnectHeaders {
		headers.Set(k, v)
	}
	var wantProtocol string
	if sp := headers.Get("Sec-WebSocket-Protocol"); sp != "" {
		wantProtocol = strings.TrimSpace(strings.Split(sp, ",")[0])
	}

	ws, resp, err := websocket.Dial(dialCtx, cmd.Address, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return NewRelayError(MapUpgradeStatus(status), TrackingContext{}, "dial rendezvous", sanitizeErr(err))
	}

	// Sub-protocol negotiation is informational only: a mismatch is a
	// server-side fault, not something the engine corrects (spec §4.4).
	if wantProtocol != "" && resp != nil {
		got := resp.Header.Get("Sec-WebSocket-Protocol")
		if got != "" && got != wantProtocol {
			e.Logger.Warn("rendezvous sub-protocol mismatch", "want", wantProtocol, "got", got)
		}
	}

	stream := NewHybridConnectionStream(ws)
	e.Queue.EnqueueAndDispatch(stream, nil, nil)
	return nil
}

// reject performs the reject-rendezvous path (spec §4.4): the service
// treats a 410 response to the rejected dial as success, since the
// connection was never meant to be accepted.
func (e *RendezvousEngine) reject(ctx context.Context, cmd protocol.AcceptBody, statusCode int, statusDescription string) {
	dialCtx, cancel := context.WithTimeout(ctx, rendezvousDeadline)
	defer cancel()

	rejectURL := RejectQuery(cmd.Address, statusCode, statusDescription)
	_, resp, err := websocket.Dial(dialCtx, rejectURL, nil)
	if err == nil {
		return
	}
	if resp != nil && resp.StatusCode == http.StatusGone {
		// 410 Gone on the reject path is the expected, successful outcome.
		return
	}
	e.Logger.Warn("reject rendezvous failed", "id", cmd.ID, "error", fmt.Errorf("%w", sanitizeErr(err)))
}
