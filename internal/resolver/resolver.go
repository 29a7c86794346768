// Package resolver resolves hostnames to IPv4 addresses over DNS-over-HTTPS,
// falling back to the host's own resolver when the DoH path fails.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrResolutionFailed is returned when both the DoH path and the system
// resolver fail to produce at least one address.
var ErrResolutionFailed = errors.New("resolver: resolution failed")

// providers maps a DoH provider name to its query endpoint. Unknown names
// fall back to "cloudflare".
var providers = map[string]string{
	"cloudflare": "https://cloudflare-dns.com/dns-query",
	"google":     "https://dns.google/resolve",
	"quad9":      "https://dns.quad9.net:5053/dns-query",
}

const defaultProvider = "cloudflare"

// dohTimeout bounds the whole DoH round trip, per spec.
const dohTimeout = 5 * time.Second

// dnsAnswer mirrors one entry of a DoH JSON response's "Answer" array.
type dnsAnswer struct {
	Type int    `json:"type"`
	Data string `json:"data"`
}

// dnsResponse mirrors the DoH JSON API response shape.
type dnsResponse struct {
	Answer []dnsAnswer `json:"Answer"`
}

// typeA is the DNS RR type code for an IPv4 address record.
const typeA = 1

// Resolver resolves hostnames via DoH with a system-resolver fallback.
type Resolver struct {
	provider   string
	endpoint   string
	httpClient *http.Client
	systemNet  *net.Resolver
}

// New returns a Resolver configured for the given provider name. An unknown
// or empty name falls back to the default provider.
func New(provider string) *Resolver {
	endpoint, ok := providers[provider]
	if !ok {
		provider = defaultProvider
		endpoint = providers[defaultProvider]
	}
	return &Resolver{
		provider:   provider,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: dohTimeout},
		systemNet:  net.DefaultResolver,
	}
}

// Resolve returns at least one IPv4 address for host, preferring DoH and
// falling back to the system resolver. It fails with ErrResolutionFailed
// only once both paths have been exhausted.
//
// dohErr is non-nil whenever the DoH path itself failed (regardless of
// whether the system-resolver fallback then succeeded), so callers can log
// the "DoH resolution failed, using system DNS" line spec.md's Connection
// Handler observability contract requires, even on an otherwise-successful
// resolution.
func (r *Resolver) Resolve(ctx context.Context, host string) (ips []net.IP, dohErr error, err error) {
	ips, dohErr = r.resolveDoH(ctx, host)
	if dohErr == nil && len(ips) > 0 {
		return ips, nil, nil
	}

	sysIPs, sysErr := r.resolveSystem(ctx, host)
	if sysErr == nil && len(sysIPs) > 0 {
		return sysIPs, dohErr, nil
	}

	return nil, dohErr, ErrResolutionFailed
}

// resolveDoH performs one DoH JSON-API GET request against the configured
// provider. Any error (network, HTTP status, parse, empty Answer) is
// returned for the caller to treat as "fall through to system resolver".
func (r *Resolver) resolveDoH(ctx context.Context, host string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, dohTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s?name=%s&type=A", r.endpoint, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build doh request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.httpClient.Do(req) // #nosec G704 -- endpoint from a fixed provider map, not user input
	if err != nil {
		return nil, fmt.Errorf("doh request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh provider %s returned status %d", r.provider, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read doh response: %w", err)
	}

	var parsed dnsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse doh response: %w", err)
	}

	var ips []net.IP
	for _, a := range parsed.Answer {
		if a.Type != typeA {
			continue
		}
		if ip := net.ParseIP(a.Data); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("doh provider %s returned no A records for %s", r.provider, host)
	}
	return ips, nil
}

// resolveSystem resolves host through the host's own resolver, restricted
// to IPv4 addresses.
func (r *Resolver) resolveSystem(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := r.systemNet.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("system resolve %s: %w", host, err)
	}
	return addrs, nil
}
