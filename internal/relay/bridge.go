package relay

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// BridgeStats holds byte counters for a completed bridge.
type BridgeStats struct {
	TCPToStream int64 // bytes copied from the local TCP side to the relay stream
	StreamToTCP int64 // bytes copied from the relay stream to the local TCP side
}

// Bridge copies data bidirectionally between a HybridConnectionStream and a
// local TCP connection until one side closes or ctx is cancelled. Both the
// listener and the sender modes use it on top of their duplex streams:
// neither C4 nor C6 on their own move bytes to a local socket, they only
// hand back a stream — Bridge is what a port-forwarding caller plugs in on
// top.
func Bridge(ctx context.Context, stream *HybridConnectionStream, tcp net.Conn) (BridgeStats, error) {
	var tcpToStreamBytes, streamToTCPBytes atomic.Int64
	errc := make(chan error, 2)

	go func() {
		n, err := io.Copy(tcp, stream)
		streamToTCPBytes.Add(n)
		errc <- ignoreEOF(err)
	}()

	go func() {
		n, err := io.Copy(stream, tcp)
		tcpToStreamBytes.Add(n)
		errc <- ignoreEOF(err)
	}()

	// stream.Read/Write bound themselves with their own internal
	// timeouts (HybridConnectionStream.effectiveReadTimeout/
	// effectiveWriteTimeout) rather than taking ctx, so unblocking the
	// other direction's io.Copy is done by closing the TCP read side
	// below, not by cancelling a derived context.
	var err error
	pending := 2
	select {
	case err = <-errc:
		pending--
	case <-ctx.Done():
		err = ctx.Err()
	}
	_ = tcp.SetReadDeadline(time.Now())
	_ = stream.Close(ctx, "bridge ended")
	for ; pending > 0; pending-- {
		<-errc
	}

	return BridgeStats{TCPToStream: tcpToStreamBytes.Load(), StreamToTCP: streamToTCPBytes.Load()}, err
}

func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
