// Package protocol defines the Azure Relay Hybrid Connection command wire
// format: a JSON object carried as a single WebSocket Text frame, with
// exactly one of its top-level keys non-null (spec §6.3).
package protocol

import (
	"encoding/json"
	"fmt"
)

// RemoteEndpoint identifies the peer the relay observed on the other side
// of an accept or request.
type RemoteEndpoint struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// AcceptBody is the body of an "accept" command: a rendezvous address the
// listener must dial to pick up one incoming connection.
type AcceptBody struct {
	Address        string            `json:"address"`
	ID             string            `json:"id"`
	ConnectHeaders map[string]string `json:"connectHeaders,omitempty"`
	RemoteEndpoint *RemoteEndpoint   `json:"remoteEndpoint,omitempty"`
}

// RequestBody is the body of a "request" command: a tunneled HTTP request.
// Address is present only when the service has already decided rendezvous
// is required; Body indicates whether a request payload follows on the
// control channel (true), on a subsequent rendezvous (Address != ""), or is
// absent (nil/false).
type RequestBody struct {
	Address        string            `json:"address,omitempty"`
	ID             string            `json:"id"`
	RequestTarget  string            `json:"requestTarget"`
	Method         string            `json:"method"`
	RemoteEndpoint *RemoteEndpoint   `json:"remoteEndpoint,omitempty"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	Body           *bool             `json:"body,omitempty"`
}

// ResponseBody is the body of a "response" command: the listener's reply to
// a tunneled HTTP request.
type ResponseBody struct {
	RequestID         string            `json:"requestId"`
	StatusCode        int               `json:"statusCode"`
	StatusDescription string            `json:"statusDescription"`
	ResponseHeaders   map[string]string `json:"responseHeaders,omitempty"`
	Body              bool              `json:"body"`
}

// RenewTokenBody is the body of a "renewToken" command. Sent by the
// listener to push a freshly acquired token onto an already-open control
// channel; the server's matching "renewToken" is an acknowledgement that
// the pushed token was accepted, not a new grant.
type RenewTokenBody struct {
	Token string `json:"token"`
}

// Command is a single command-channel message. Exactly one field is
// non-nil on the wire; Marshal and Unmarshal do not check this, Validate
// does.
type Command struct {
	Accept     *AcceptBody     `json:"accept,omitempty"`
	Request    *RequestBody    `json:"request,omitempty"`
	Response   *ResponseBody   `json:"response,omitempty"`
	RenewToken *RenewTokenBody `json:"renewToken,omitempty"`
}

// Kind names which single variant is populated, or "" if Command is empty.
func (c Command) Kind() string {
	switch {
	case c.Accept != nil:
		return "accept"
	case c.Request != nil:
		return "request"
	case c.Response != nil:
		return "response"
	case c.RenewToken != nil:
		return "renewToken"
	default:
		return ""
	}
}

// Validate reports an error unless exactly one variant is populated — the
// wire format guarantees exactly one, and a command with zero or multiple
// variants set is a protocol violation worth failing loudly on rather than
// silently picking one.
func (c Command) Validate() error {
	set := 0
	for _, v := range []bool{c.Accept != nil, c.Request != nil, c.Response != nil, c.RenewToken != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("protocol: command must have exactly one variant set, got %d", set)
	}
	return nil
}

// AcceptCommand, RequestCommand, ResponseCommand, and RenewTokenCommand are
// convenience constructors for the single-variant wire shape.

func AcceptCommand(body AcceptBody) Command     { return Command{Accept: &body} }
func RequestCommand(body RequestBody) Command   { return Command{Request: &body} }
func ResponseCommand(body ResponseBody) Command { return Command{Response: &body} }
func RenewTokenCommand(token string) Command    { return Command{RenewToken: &RenewTokenBody{Token: token}} }

// Marshal serializes a Command to its JSON wire form.
func Marshal(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal parses a Command off the control channel.
func Unmarshal(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("protocol: unmarshal command: %w", err)
	}
	return c, nil
}
