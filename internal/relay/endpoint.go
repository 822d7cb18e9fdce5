package relay

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultRelaySuffix is the Azure Relay namespace suffix for the public cloud.
const DefaultRelaySuffix = ".servicebus.windows.net"

// ParseRelayEndpoint normalizes a relay input to a bare FQDN.
//
// Accepted input formats:
//   - Bare namespace name: "my-relay" → "my-relay" + defaultSuffix
//   - FQDN: "my-relay.servicebus.windows.net" → used as-is
//   - URI with scheme: "sb://my-relay.servicebus.windows.net" → host extracted
//   - URI with port: "https://my-relay.servicebus.windows.net:443/" → host extracted
//
// Detection: if input contains "://", parse as URL and extract host.
// If input contains ".", treat as FQDN. Otherwise append defaultSuffix.
// Empty (or all-whitespace) input returns "" unchanged — cmd/aztunnel uses
// that to distinguish an invalid endpoint from a real one, since the bare
// suffix alone ("" + defaultSuffix) is not a usable FQDN.
func ParseRelayEndpoint(input, defaultSuffix string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err == nil && u != nil && u.Hostname() != "" {
			host := u.Hostname()
			if strings.Contains(host, ".") {
				return host
			}
			return host + defaultSuffix
		}
	}

	if strings.Contains(input, ".") {
		return input
	}

	return input + defaultSuffix
}

// reservedQueryPrefix is the reserved query-parameter prefix of spec §6.1.
const reservedQueryPrefix = "sb-hc-"

// FilterQuery strips every key matching (case-insensitive) the "sb-hc-"
// prefix from a raw query string, preserving the relative order of the
// remaining keys and the exact byte encoding of their values (spec
// invariant #5). It operates on the raw "a=b&c=d" text rather than
// url.Values, because url.Values.Encode sorts keys alphabetically and would
// violate the ordering invariant.
func FilterQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if decodedKey, err := url.QueryUnescape(key); err == nil {
			key = decodedKey
		}
		if len(key) >= len(reservedQueryPrefix) && strings.EqualFold(key[:len(reservedQueryPrefix)], reservedQueryPrefix) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// Action is the sb-hc-action query parameter value (spec §3, §4.8).
type Action string

const (
	ActionListen  Action = "listen"
	ActionAccept  Action = "accept"
	ActionConnect Action = "connect"
)

// BuildURL constructs a wss:// hybrid-connection URL per spec §4.8:
//
//	wss://host[:port]/$hc/<path>?<filtered_query>&sb-hc-action=<action>&sb-hc-id=<id>
//
// path is prefixed with "/" if it lacks one. rawQuery is filtered through
// FilterQuery first. port is included only when it is not the wss default
// (443); pass 0 or 443 to omit it. The caller is responsible for stripping
// any "_G<n>" suffix from id before calling with action==listen (spec §4.3).
func BuildURL(host string, port int, path string, rawQuery string, action Action, id string) string {
	hostport := host
	if port != 0 && port != 443 {
		hostport = host + ":" + strconv.Itoa(port)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	filtered := FilterQuery(rawQuery)
	reserved := "sb-hc-action=" + url.QueryEscape(string(action)) + "&sb-hc-id=" + url.QueryEscape(id)
	query := reserved
	if filtered != "" {
		query = filtered + "&" + reserved
	}

	return "wss://" + hostport + "/$hc" + path + "?" + query
}

// RejectQuery appends the reject-rendezvous status parameters (spec §4.4)
// to an already-built accept-rendezvous query string.
func RejectQuery(baseURL string, statusCode int, statusDescription string) string {
	sep := "&"
	if !strings.Contains(baseURL, "?") {
		sep = "?"
	}
	return baseURL + sep + "sb-hc-statusCode=" + strconv.Itoa(statusCode) +
		"&sb-hc-statusDescription=" + url.QueryEscape(statusDescription)
}
