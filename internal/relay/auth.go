// Package relay implements the Azure Relay Hybrid Connection wire protocol:
// token-based authentication (SAS and Entra ID), the listener control
// channel and rendezvous engine, the HTTP-over-rendezvous tunnel, the
// sender-side client, and the duplex stream wrapper.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"
)

// minRefreshInterval is the margin the renewer keeps before expiry: it
// renews a token this long before ExpiresAtUTC, or at once for a token that
// expires sooner than that (see renewalDelay).
const minRefreshInterval = 5 * time.Minute

// SecurityToken is an opaque token string plus the audience it was minted
// for and its expiry. ExpiresAtUTC is always in UTC.
type SecurityToken struct {
	TokenString  string
	Audience     string
	ExpiresAtUTC time.Time
}

// TokenProvider is the external collaborator the core assumes: given an
// audience and a requested validity period, return a currently valid token
// and the instant it expires. The core never generates tokens itself beyond
// the SAS helper below, which exists because the protocol's SAS format is
// part of the wire contract, not an external concern.
type TokenProvider interface {
	GetToken(ctx context.Context, audience string, validFor time.Duration) (SecurityToken, error)
}

// SASTokenProvider generates Shared Access Signature tokens locally from a
// key name and key, with no network round-trip.
type SASTokenProvider struct {
	KeyName string
	Key     string
}

// GetToken generates a SAS token for the given audience, valid for validFor
// (clamped up to minRefreshInterval — see spec §3).
func (p *SASTokenProvider) GetToken(_ context.Context, audience string, validFor time.Duration) (SecurityToken, error) {
	if validFor < minRefreshInterval {
		validFor = minRefreshInterval
	}
	tokenString, expiry, err := GenerateSASToken(audience, p.KeyName, p.Key, validFor)
	if err != nil {
		return SecurityToken{}, err
	}
	return SecurityToken{TokenString: tokenString, Audience: audience, ExpiresAtUTC: expiry}, nil
}

// EntraTokenProvider obtains OAuth2 tokens via Azure Identity
// (DefaultAzureCredential, or any supplied azcore.TokenCredential).
type EntraTokenProvider struct {
	cred azcore.TokenCredential
}

// NewEntraTokenProvider creates a token provider using DefaultAzureCredential.
func NewEntraTokenProvider() (*EntraTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return &EntraTokenProvider{cred: cred}, nil
}

// NewEntraTokenProviderWithCredential creates a token provider with a
// specific TokenCredential. Primarily useful for testing.
func NewEntraTokenProviderWithCredential(cred azcore.TokenCredential) *EntraTokenProvider {
	return &EntraTokenProvider{cred: cred}
}

// GetToken obtains an OAuth2 token scoped to https://relay.azure.net/.default,
// as required by Azure Relay. audience and validFor are ignored: Entra
// tokens are not audience-scoped per hybrid connection, and their validity
// is decided by the identity provider, not the caller.
func (p *EntraTokenProvider) GetToken(ctx context.Context, _ string, _ time.Duration) (SecurityToken, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{"https://relay.azure.net/.default"},
	})
	if err != nil {
		return SecurityToken{}, fmt.Errorf("acquire Entra token: %w", err)
	}
	expiry := tk.ExpiresOn.UTC()
	// The JWT's own exp claim is authoritative when present; fall back to
	// the SDK-reported expiry otherwise.
	if extracted, jwtErr := ExtractJWTExpiry(tk.Token); jwtErr == nil {
		expiry = extracted
	}
	return SecurityToken{TokenString: tk.Token, Audience: "https://relay.azure.net/.default", ExpiresAtUTC: expiry}, nil
}

// ExtractJWTExpiry parses the exp claim out of an opaque JWT without
// verifying its signature — the relay service is the one that verifies the
// token; this library only needs to know when to renew it.
func ExtractJWTExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse jwt: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("jwt has no exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("jwt has no exp claim")
	}
	return exp.Time.UTC(), nil
}

// GenerateSASToken creates a SharedAccessSignature token for Azure Relay.
// The key is the raw key value from the Azure portal. It returns the token
// string and the absolute expiry it encodes.
func GenerateSASToken(resourceURI, keyName, key string, validFor time.Duration) (string, time.Time, error) {
	uri := url.QueryEscape(strings.ToLower(resourceURI))
	expiresAt := time.Now().Add(validFor).UTC()
	sig := sign(uri, expiresAt.Unix(), key)
	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		uri, url.QueryEscape(sig), expiresAt.Unix(), keyName)
	return token, expiresAt, nil
}

func sign(uri string, expiry int64, key string) string {
	str := fmt.Sprintf("%s\n%d", uri, expiry)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(str))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// EndpointToWSS converts an endpoint (FQDN or host:port) to a wss:// URL.
// An endpoint that already carries a scheme (e.g. a test harness pointing
// at a plain ws:// listener) is returned unchanged.
func EndpointToWSS(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "wss://" + endpoint
}

// EndpointToHTTPS converts an endpoint (FQDN or host:port) to an https:// URL.
func EndpointToHTTPS(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

// ResourceURI returns the HTTPS resource URI used as the SAS audience and
// as the management-REST base (management REST itself is out of scope;
// only the URI shape is needed here).
func ResourceURI(fqdn, entityPath string) string {
	base := EndpointToHTTPS(fqdn)
	if entityPath != "" {
		return base + "/" + entityPath
	}
	return base
}

// sanitizeErr strips token query parameters from WebSocket dial errors to
// avoid leaking credentials in log output.
func sanitizeErr(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	var b strings.Builder
	rest := s
	for {
		i := strings.Index(rest, "sb-hc-token=")
		if i == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		b.WriteString("sb-hc-token=REDACTED")
		rest = rest[i+len("sb-hc-token="):]
		end := strings.IndexAny(rest, "\" ")
		if end == -1 {
			break
		}
		rest = rest[end:]
	}
	return fmt.Errorf("%s", b.String())
}
