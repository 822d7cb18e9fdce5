package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Azure/relay-listener-go/internal/protocol"
)

// MaxControlBodyBytes is the response buffer ceiling of spec §3: a response
// that fits under this, and arrives before flushTimer fires, is returned
// entirely over the control channel with no second WebSocket.
const MaxControlBodyBytes = 64 * 1024

// ResponseFlushInterval is the one-shot timer armed on the first buffered
// response byte (spec §3): it starts streaming the response even if the
// handler never writes enough to overflow the buffer on its own, bounding
// end-to-end latency for a trickled response. The stream goes over the
// request's rendezvous if it has one, else over the control channel.
const ResponseFlushInterval = 2 * time.Second

// HybridHttpConnection implements the per-request HTTP tunnel of spec §4.5:
// it turns one inbound "request" command into an http.Request, invokes a
// standard http.Handler, and returns the response either inline on the
// control channel or, once the response grows past MaxControlBodyBytes (or
// the flush timer fires), as a streamed body: over the rendezvous WebSocket
// the request arrived with, or, for a request that had none, on the control
// channel. No rendezvous is opened for the response alone.
type HybridHttpConnection struct {
	Control *ControlConnection
	Handler http.Handler
	Logger  *slog.Logger
}

// OnRequest is the ControlConnection.OnRequest callback. Per spec §3, a
// control-body request ("address" empty, "body" true) must have its body
// read synchronously off the control channel before the pump advances to
// the next command — so this method, unlike RendezvousEngine.HandleAccept,
// does that one read inline. Everything else (rendezvous dial, handler
// invocation, response) runs on its own goroutine so commands are not
// ordered against each other (spec §5, "Ordering guarantees").
func (h *HybridHttpConnection) OnRequest(ctx context.Context, cmd protocol.RequestBody) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	if cmd.Address == "" && cmd.Body != nil && *cmd.Body {
		data, err := h.Control.readControlBody(ctx)
		if err != nil {
			h.Logger.Warn("tunnel control body read failed", "id", cmd.ID, "error", err)
			return
		}
		go h.handle(ctx, cmd, bytes.NewReader(data), nil)
		return
	}

	go h.handle(ctx, cmd, nil, nil)
}

// handle resolves the remaining body source (dialing a rendezvous if the
// command named one), runs the configured http.Handler, and sends the
// response. preRead, when non-nil, is the already-captured control-body.
func (h *HybridHttpConnection) handle(ctx context.Context, cmd protocol.RequestBody, preRead io.Reader, _ *HybridConnectionStream) {
	body, rendezvous, err := h.readBody(ctx, cmd, preRead)
	if err != nil {
		h.Logger.Warn("tunnel request body read failed", "id", cmd.ID, "error", err)
		return
	}
	if rendezvous != nil {
		defer func() { _ = rendezvous.Close(ctx, "request handled") }()
	}

	req, err := buildHTTPRequest(ctx, cmd, body)
	if err != nil {
		h.writeResponse(ctx, cmd.ID, rendezvous, http.StatusInternalServerError, err.Error(), nil, nil)
		return
	}

	rw := &tunnelResponseWriter{
		ctx:        ctx,
		conn:       h,
		requestID:  cmd.ID,
		rendezvous: rendezvous,
		header:     make(http.Header),
		statusCode: http.StatusOK,
	}

	if h.Handler == nil {
		rw.WriteHeader(http.StatusNotImplemented)
		_, _ = rw.Write([]byte("no request handler configured"))
		rw.finish()
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				rw.WriteHeader(http.StatusInternalServerError)
				_, _ = rw.Write([]byte(fmt.Sprintf("handler panic: %v", r)))
			}
		}()
		h.Handler.ServeHTTP(rw, req)
	}()
	rw.finish()
}

// readBody resolves the request body per spec §3's state machine. If
// preRead is set, the control-body was already captured inline by
// OnRequest and is used as-is. Otherwise, cmd.Address present means the
// body (if any) arrives on a freshly dialed rendezvous, which is returned
// so the response path can reuse it; no address and no body means GET-like
// with nothing to read.
func (h *HybridHttpConnection) readBody(ctx context.Context, cmd protocol.RequestBody, preRead io.Reader) (io.Reader, *HybridConnectionStream, error) {
	if preRead != nil {
		return preRead, nil, nil
	}

	if cmd.Address != "" {
		dialCtx, cancel := context.WithTimeout(ctx, rendezvousDeadline)
		defer cancel()
		ws, resp, err := websocket.Dial(dialCtx, cmd.Address, nil)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			return nil, nil, NewRelayError(MapUpgradeStatus(status), TrackingContext{}, "dial request rendezvous", sanitizeErr(err))
		}
		stream := NewHybridConnectionStream(ws)
		return stream, stream, nil
	}

	return http.NoBody, nil, nil
}

func buildHTTPRequest(ctx context.Context, cmd protocol.RequestBody, body io.Reader) (*http.Request, error) {
	target := cmd.RequestTarget
	if target == "" {
		target = "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse requestTarget: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, cmd.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range cmd.RequestHeaders {
		req.Header.Set(k, v)
	}
	if cmd.RemoteEndpoint != nil {
		req.RemoteAddr = fmt.Sprintf("%s:%d", cmd.RemoteEndpoint.Address, cmd.RemoteEndpoint.Port)
	}
	return req, nil
}

// writeResponse sends the response command, followed by the buffered body
// (if any) as a Binary frame, exactly once: over rendezvous when it is
// non-nil, else over the control channel. Used both by the normal
// tunnelResponseWriter.finish path and by the early-failure path above.
func (h *HybridHttpConnection) writeResponse(ctx context.Context, requestID string, rendezvous *HybridConnectionStream, status int, statusText string, headers http.Header, buffered []byte) {
	hdrs := map[string]string{}
	for k := range headers {
		hdrs[k] = headers.Get(k)
	}
	hasBody := len(buffered) > 0

	cmd := protocol.ResponseCommand(protocol.ResponseBody{
		RequestID:         requestID,
		StatusCode:        status,
		StatusDescription: statusText,
		ResponseHeaders:   hdrs,
		Body:              hasBody,
	})

	if rendezvous != nil {
		if err := h.sendCommandOn(ctx, rendezvous, cmd); err != nil {
			h.Logger.Warn("send response command over rendezvous failed", "id", requestID, "error", err)
			return
		}
		if hasBody {
			if _, err := rendezvous.Write(buffered); err != nil {
				h.Logger.Warn("stream response body over rendezvous failed", "id", requestID, "error", err)
			}
		}
		return
	}

	var bodyReader io.Reader
	if hasBody {
		bodyReader = bytes.NewReader(buffered)
	}
	if err := h.Control.SendCommand(ctx, cmd, bodyReader); err != nil {
		h.Logger.Warn("send response command over control failed", "id", requestID, "error", err)
	}
}

// sendCommandOn writes a command as a Text frame directly on a rendezvous
// stream, bypassing the control channel's serializing mutex (the
// rendezvous WebSocket is private to this request).
func (h *HybridHttpConnection) sendCommandOn(ctx context.Context, stream *HybridConnectionStream, cmd protocol.Command) error {
	data, err := protocol.Marshal(cmd)
	if err != nil {
		return err
	}
	stream.SetWriteMode(WriteModeText)
	_, err = stream.Write(data)
	stream.SetWriteMode(WriteModeBinary)
	return err
}

// ensureRendezvous returns the rendezvous already dialed for this request's
// body, if any. A second WebSocket can only be opened against an address
// the service handed out on the inbound command (spec §3): there is no
// operation to request a fresh one for an outbound response alone, so a
// request that arrived entirely over the control channel has no address to
// promote a large response onto. flushToRendezvousLocked streams that case
// directly on the control channel instead (see ControlConnection.
// openControlBodyWriter) rather than trying to dial a rendezvous that
// cannot exist.
func (h *HybridHttpConnection) ensureRendezvous(rendezvous *HybridConnectionStream) *HybridConnectionStream {
	return rendezvous
}

// tunnelResponseWriter implements http.ResponseWriter over the response
// buffering state machine of spec §3: writes accumulate in memory up to
// MaxControlBodyBytes, a flush timer armed on the first buffered byte bounds
// latency, and exceeding the buffer (or the timer firing) streams the bytes
// so far plus everything after as Binary frames, on the request's rendezvous
// if it has one or on the control channel otherwise.
type tunnelResponseWriter struct {
	ctx       context.Context
	conn      *HybridHttpConnection
	requestID string

	mu          sync.Mutex
	rendezvous  *HybridConnectionStream
	controlBody io.WriteCloser // set instead of rendezvous when streaming the overflow response directly on the control channel
	header      http.Header
	statusCode  int
	wroteHdr    bool

	buf           bytes.Buffer
	sentCommand   bool
	flushTimer    *time.Timer
	timerArmed    bool
}

func (w *tunnelResponseWriter) Header() http.Header { return w.header }

func (w *tunnelResponseWriter) WriteHeader(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHdr {
		return
	}
	w.wroteHdr = true
	w.statusCode = status
}

func (w *tunnelResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if !w.wroteHdr {
		w.wroteHdr = true
	}
	defer w.mu.Unlock()

	if w.sentCommand {
		// Already streaming: forward directly to whichever sink is active.
		if w.rendezvous != nil {
			return w.rendezvous.Write(p)
		}
		return w.controlBody.Write(p)
	}

	if w.buf.Len()+len(p) > MaxControlBodyBytes {
		if err := w.flushToRendezvousLocked(); err != nil {
			return 0, err
		}
		if w.rendezvous != nil {
			return w.rendezvous.Write(p)
		}
		return w.controlBody.Write(p)
	}

	if w.buf.Len() == 0 && !w.timerArmed {
		w.timerArmed = true
		w.flushTimer = time.AfterFunc(ResponseFlushInterval, w.onFlushTimer)
	}
	return w.buf.Write(p)
}

func (w *tunnelResponseWriter) onFlushTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sentCommand {
		return
	}
	_ = w.flushToRendezvousLocked()
}

// flushToRendezvousLocked sends the response command — over the existing
// rendezvous if the request arrived with one, or directly on the control
// channel otherwise (see ensureRendezvous) — and streams whatever is
// already buffered. Must be called with w.mu held.
func (w *tunnelResponseWriter) flushToRendezvousLocked() error {
	w.rendezvous = w.conn.ensureRendezvous(w.rendezvous)

	statusText := http.StatusText(w.statusCode)
	if statusText == "" {
		statusText = "OK"
	}
	hdrs := map[string]string{}
	for k := range w.header {
		hdrs[k] = w.header.Get(k)
	}
	cmd := protocol.ResponseCommand(protocol.ResponseBody{
		RequestID:         w.requestID,
		StatusCode:        w.statusCode,
		StatusDescription: statusText,
		ResponseHeaders:   hdrs,
		Body:              true,
	})

	if w.rendezvous != nil {
		if err := w.conn.sendCommandOn(w.ctx, w.rendezvous, cmd); err != nil {
			return err
		}
	} else {
		cbw, err := w.conn.Control.openControlBodyWriter(w.ctx, cmd)
		if err != nil {
			return err
		}
		w.controlBody = cbw
	}
	w.sentCommand = true

	if w.buf.Len() > 0 {
		var err error
		if w.rendezvous != nil {
			_, err = w.rendezvous.Write(w.buf.Bytes())
		} else {
			_, err = w.controlBody.Write(w.buf.Bytes())
		}
		if err != nil {
			return err
		}
		w.buf.Reset()
	}
	return nil
}

// finish sends the response command (if not already sent) and, if already
// streaming, terminates the body with an empty Binary frame (spec §3, "on
// close").
func (w *tunnelResponseWriter) finish() {
	w.mu.Lock()
	if w.flushTimer != nil {
		w.flushTimer.Stop()
	}
	if w.sentCommand {
		rendezvous := w.rendezvous
		controlBody := w.controlBody
		w.mu.Unlock()
		if rendezvous != nil {
			_, _ = rendezvous.Write(nil)
			return
		}
		// Close alone finalizes (EOM) the one streamed control-body message.
		_ = controlBody.Close()
		return
	}
	statusText := http.StatusText(w.statusCode)
	if statusText == "" {
		statusText = "OK"
	}
	buffered := append([]byte(nil), w.buf.Bytes()...)
	header := w.header
	requestID := w.requestID
	status := w.statusCode
	w.mu.Unlock()

	w.conn.writeResponse(w.ctx, requestID, nil, status, statusText, header, buffered)
}
