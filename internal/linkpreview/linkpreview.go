// Package linkpreview is the SSRF-guarded outbound-fetch contract shared by
// the link-preview and GIF-search pass-throughs. Every hostname is resolved
// and every resolved address checked against the forbidden ranges before a
// connection is dialed — and checked again at dial time so a DNS rebind
// between check and connect doesn't slip through.
package linkpreview

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/markjsapp/Haven-sub000/internal/herr"
)

// forbiddenRanges covers loopback, private, link-local (which includes cloud
// metadata services), CGNAT, documentation, and ULA space.
var forbiddenRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// ForbiddenAddr reports whether addr falls in a range outbound fetches must
// never reach. IPv4-mapped IPv6 addresses are unmapped first so ::ffff:10.0.0.1
// can't smuggle a private IPv4 target.
func ForbiddenAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return true
	}
	for _, p := range forbiddenRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckHost resolves host and rejects it when any resolved address is
// forbidden. An unresolvable host is rejected too.
func CheckHost(ctx context.Context, host string) error {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return herr.New(herr.Validation, "unresolvable host")
	}
	for _, ip := range ips {
		if ForbiddenAddr(ip) {
			return herr.New(herr.Forbidden, "host resolves to a forbidden address")
		}
	}
	return nil
}

// guardedDialContext re-checks the resolved address at dial time.
func guardedDialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("unresolvable host %q", host)
	}
	for _, ip := range ips {
		if ForbiddenAddr(ip) {
			return nil, fmt.Errorf("refusing to dial forbidden address %s", ip)
		}
	}

	d := &net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// Client is the outbound HTTP client both pass-throughs share.
var Client = &http.Client{
	Timeout: 15 * time.Second,
	Transport: &http.Transport{
		DialContext:       guardedDialContext,
		DisableKeepAlives: true,
	},
}

const maxFetchBytes = 2 * 1024 * 1024

// Fetch GETs url through the guarded client and returns at most 2 MiB of the
// body.
func Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", herr.Wrap(herr.Validation, "invalid url", err)
	}
	req.Header.Set("User-Agent", "haven-link-preview/1.0")

	resp, err := Client.Do(req)
	if err != nil {
		return nil, "", herr.Wrap(herr.Validation, "fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", herr.Wrap(herr.Validation, "read response", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
