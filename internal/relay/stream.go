package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WriteMode selects the WebSocket frame type HybridConnectionStream.Write
// uses: Binary for raw byte streams (the common case — TCP bridging, HTTP
// tunnel bodies), Text for callers that need the relay service's text
// framing semantics.
type WriteMode int

const (
	WriteModeBinary WriteMode = iota
	WriteModeText
)

func (m WriteMode) messageType() websocket.MessageType {
	if m == WriteModeText {
		return websocket.MessageText
	}
	return websocket.MessageBinary
}

// HybridConnectionStream wraps one WebSocket as a duplex byte stream with
// the shutdown-then-close contract of spec §4.7: Shutdown sends a
// close-output frame but leaves the read side open so the peer's own close
// can still be drained; Close tears down both directions.
type HybridConnectionStream struct {
	ws *websocket.Conn

	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	writeMu   sync.Mutex
	writeMode WriteMode

	readMu     sync.Mutex
	cur        io.Reader // in-flight message reader, spans partial Read calls
	curGotData bool      // whether cur has yielded any byte yet

	stateMu      sync.Mutex
	shuttingDown bool
	closed       bool
}

// NewHybridConnectionStream wraps an already-open WebSocket. Default
// timeouts match OperationTimeout (70s); callers with tighter deadlines
// (e.g. the 20s rendezvous window) should override them.
func NewHybridConnectionStream(ws *websocket.Conn) *HybridConnectionStream {
	return &HybridConnectionStream{
		ws:           ws,
		WriteTimeout: 70 * time.Second,
		ReadTimeout:  70 * time.Second,
	}
}

// SetWriteMode selects the frame type used by subsequent Write calls.
func (s *HybridConnectionStream) SetWriteMode(m WriteMode) {
	s.writeMu.Lock()
	s.writeMode = m
	s.writeMu.Unlock()
}

// Read implements io.Reader. It reads from the in-flight WebSocket message,
// advancing transparently to the next message once a non-empty one is
// exhausted. A message that carries zero bytes end to end is the peer's
// Shutdown close-output frame (spec §4.7) and is surfaced as io.EOF, the
// idiomatic Go end-of-stream signal every io.Copy-based consumer (Bridge,
// the HTTP tunnel's request body) already knows to stop on.
func (s *HybridConnectionStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.cur != nil {
			n, err := s.cur.Read(p)
			if n > 0 {
				s.curGotData = true
				return n, nil
			}
			if err == io.EOF {
				wasEmpty := !s.curGotData
				s.cur = nil
				if wasEmpty {
					return 0, io.EOF
				}
				continue
			}
			return 0, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.effectiveReadTimeout())
		_, r, err := s.ws.Reader(ctx)
		cancel()
		if err != nil {
			return 0, translateStreamErr(err)
		}
		s.cur = r
		s.curGotData = false
	}
}

// Write implements io.Writer, sending p as a single complete WebSocket
// message in the current WriteMode.
func (s *HybridConnectionStream) Write(p []byte) (int, error) {
	s.stateMu.Lock()
	down := s.shuttingDown || s.closed
	s.stateMu.Unlock()
	if down {
		return 0, errors.New("hybrid connection stream: write after shutdown")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.effectiveWriteTimeout())
	defer cancel()
	if err := s.ws.Write(ctx, s.writeMode.messageType(), p); err != nil {
		return 0, translateStreamErr(err)
	}
	return len(p), nil
}

// Shutdown sends a zero-length message in the current WriteMode as the
// close-output signal, then blocks further Writes, but leaves Read usable:
// callers keep draining until they observe the peer's own close, per spec
// §4.7. Bounded by WriteTimeout.
func (s *HybridConnectionStream) Shutdown(ctx context.Context, _ string) error {
	s.stateMu.Lock()
	if s.shuttingDown || s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.shuttingDown = true
	s.stateMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.effectiveWriteTimeout())
	defer cancel()
	return translateStreamErr(s.ws.Write(ctx, s.writeMode.messageType(), nil))
}

// Close performs a full close-output-and-close: both directions are torn
// down. Bounded by ReadTimeout, since it may need to wait for the peer's
// acknowledging close frame.
func (s *HybridConnectionStream) Close(ctx context.Context, reason string) error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.effectiveReadTimeout())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.ws.Close(websocket.StatusNormalClosure, reason) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// Cancelling close (or ReadTimeout passing) bounds the wait for the
		// peer's close frame; the socket is then aborted below.
		err = ctx.Err()
	}
	if err != nil {
		_ = s.ws.CloseNow()
	}
	return translateStreamErr(err)
}

func (s *HybridConnectionStream) effectiveWriteTimeout() time.Duration {
	if s.WriteTimeout <= 0 {
		return 70 * time.Second
	}
	return s.WriteTimeout
}

func (s *HybridConnectionStream) effectiveReadTimeout() time.Duration {
	if s.ReadTimeout <= 0 {
		return 70 * time.Second
	}
	return s.ReadTimeout
}

func translateStreamErr(err error) error {
	if err == nil {
		return nil
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRelayError(KindTimeout, TrackingContext{}, "stream i/o timed out", err)
	}
	return err
}
