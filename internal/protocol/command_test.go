package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestAcceptCommandRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
	}{
		{
			name: "minimal",
			cmd: AcceptCommand(AcceptBody{
				Address: "wss://example.servicebus.windows.net/$hc/foo?sb-hc-action=accept&sb-hc-id=1",
				ID:      "1",
			}),
		},
		{
			name: "with headers and remote endpoint",
			cmd: AcceptCommand(AcceptBody{
				Address:        "wss://example.servicebus.windows.net/$hc/foo?sb-hc-action=accept&sb-hc-id=2",
				ID:             "2",
				ConnectHeaders: map[string]string{"X-Forwarded-For": "10.0.0.1"},
				RemoteEndpoint: &RemoteEndpoint{Address: "10.0.0.1", Port: 51234},
			}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.cmd)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind() != "accept" {
				t.Fatalf("expected kind accept, got %q", got.Kind())
			}
			if !reflect.DeepEqual(got.Accept, tc.cmd.Accept) {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got.Accept, tc.cmd.Accept)
			}
			if err := got.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestRequestCommandRoundTrip(t *testing.T) {
	bodyFlag := true
	cmd := RequestCommand(RequestBody{
		ID:             "req-1",
		RequestTarget:  "/widgets?x=1",
		Method:         "POST",
		RemoteEndpoint: &RemoteEndpoint{Address: "10.0.0.2", Port: 443},
		RequestHeaders: map[string]string{"Content-Type": "application/json"},
		Body:           &bodyFlag,
	})

	data, err := Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind() != "request" {
		t.Fatalf("expected kind request, got %q", got.Kind())
	}
	if got.Request.Method != "POST" || got.Request.RequestTarget != "/widgets?x=1" {
		t.Fatalf("unexpected request body: %+v", got.Request)
	}
	if got.Request.Body == nil || !*got.Request.Body {
		t.Fatalf("expected body=true, got %+v", got.Request.Body)
	}
}

func TestRequestCommandOmitsEmptyAddress(t *testing.T) {
	cmd := RequestCommand(RequestBody{
		ID:            "req-2",
		RequestTarget: "/",
		Method:        "GET",
	})
	data, err := Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"address"`) {
		t.Fatalf("expected address to be omitted when empty, got %s", data)
	}
}

func TestResponseCommandRoundTrip(t *testing.T) {
	cmd := ResponseCommand(ResponseBody{
		RequestID:         "req-1",
		StatusCode:        200,
		StatusDescription: "OK",
		ResponseHeaders:   map[string]string{"Content-Type": "text/plain"},
		Body:              true,
	})

	data, err := Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind() != "response" {
		t.Fatalf("expected kind response, got %q", got.Kind())
	}
	if got.Response.StatusCode != 200 || !got.Response.Body {
		t.Fatalf("unexpected response body: %+v", got.Response)
	}
}

func TestResponseCommandOmitsEmptyHeaders(t *testing.T) {
	cmd := ResponseCommand(ResponseBody{
		RequestID:         "req-3",
		StatusCode:        404,
		StatusDescription: "Not Found",
	})
	data, err := Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "responseHeaders") {
		t.Fatalf("expected responseHeaders to be omitted when empty, got %s", data)
	}
}

func TestRenewTokenCommandRoundTrip(t *testing.T) {
	cmd := RenewTokenCommand("token-value")
	data, err := Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind() != "renewToken" {
		t.Fatalf("expected kind renewToken, got %q", got.Kind())
	}
	if got.RenewToken.Token != "token-value" {
		t.Fatalf("unexpected token: %q", got.RenewToken.Token)
	}
}

func TestCommandHasExactlyOneNonNullKey(t *testing.T) {
	cmd := AcceptCommand(AcceptBody{Address: "wss://example/", ID: "1"})
	data, err := Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected exactly one top-level key, got %d: %s", len(raw), data)
	}
	if _, ok := raw["accept"]; !ok {
		t.Fatalf("expected the single key to be %q, got %s", "accept", data)
	}
}

func TestValidateRejectsZeroOrMultipleVariants(t *testing.T) {
	if err := (Command{}).Validate(); err == nil {
		t.Fatal("expected error for empty command")
	}

	both := Command{
		Accept:  &AcceptBody{Address: "a", ID: "1"},
		Request: &RequestBody{ID: "2", RequestTarget: "/", Method: "GET"},
	}
	if err := both.Validate(); err == nil {
		t.Fatal("expected error for command with two variants set")
	}
}
