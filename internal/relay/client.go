package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// defaultOperationTimeout is the client-side default of spec §5
// ("OperationTimeout... default 70 s for client").
const defaultOperationTimeout = 70 * time.Second

// HybridConnectionClient is the sender-side, single-shot connect operation
// of spec §4.6: it does not retry or reconnect — a failed CreateConnection
// is reported to the caller, who decides whether to try again.
type HybridConnectionClient struct {
	Endpoint    string
	EntityPath  string
	TokenProvider TokenProvider

	// OperationTimeout bounds the whole dial; zero uses the 70s default.
	OperationTimeout time.Duration
}

// CreateConnection performs the four steps of spec §4.6: acquire a token,
// build the "connect" URL with a freshly minted tracking id, open the WSS
// within OperationTimeout, and wrap it as a duplex stream. requestHeaders,
// if non-nil, are merged onto the HTTP upgrade request.
func (c *HybridConnectionClient) CreateConnection(ctx context.Context, requestHeaders http.Header) (*HybridConnectionStream, error) {
	tc := NewTrackingContext(c.Endpoint)

	timeout := c.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	audience := ResourceURI(c.Endpoint, c.EntityPath)
	var tokenString string
	if c.TokenProvider != nil {
		tok, err := c.TokenProvider.GetToken(dialCtx, audience, minRefreshInterval)
		if err != nil {
			return nil, NewRelayError(KindRelay, tc, "acquire token", err)
		}
		tokenString = tok.TokenString
	}

	wssBase := EndpointToWSS(c.Endpoint)
	host, port := splitHostPort(wssBase)
	connectURL := BuildURL(host, port, c.EntityPath, "", ActionConnect, tc.ActivityID)

	headers := http.Header{}
	for k, vs := range requestHeaders {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	headers.Set("Relay-User-Agent", relayUserAgent)
	if tokenString != "" {
		headers.Set("ServiceBusAuthorization", tokenString)
	}

	ws, resp, err := websocket.Dial(dialCtx, connectURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, NewRelayError(MapUpgradeStatus(status), tc, "dial connect rendezvous", sanitizeErr(err))
	}

	stream := NewHybridConnectionStream(ws)
	stream.WriteTimeout = timeout
	stream.ReadTimeout = timeout
	return stream, nil
}
