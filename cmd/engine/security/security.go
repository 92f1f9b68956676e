// Package security guards outbound URLs used by http_action and
// api_consumer nodes. The guard is opt-in via OUTBOUND_URL_GUARD; with
// it enabled, requests to loopback, private and link-local targets are
// refused so a workflow cannot probe the engine's own network.
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHostnames = []string{
	"localhost",
	"127.0.0.1",
	"::1",
	"0.0.0.0",
	"::",
	"::ffff:127.0.0.1",
}

// URLGuard validates outbound request URLs.
type URLGuard struct {
	enabled bool

	// lookupIP is swapped in tests to avoid live DNS.
	lookupIP func(host string) ([]net.IP, error)
}

// NewURLGuard creates a guard. A disabled guard accepts every URL.
func NewURLGuard(enabled bool) *URLGuard {
	return &URLGuard{enabled: enabled, lookupIP: net.LookupIP}
}

// Validate checks the URL's scheme and target host. Only http and
// https are ever accepted; host checks apply when the guard is enabled.
func (g *URLGuard) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed, use http or https", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	if !g.enabled {
		return nil
	}
	return g.validateHost(u.Hostname())
}

func (g *URLGuard) validateHost(hostname string) error {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	for _, blocked := range blockedHostnames {
		if normalized == blocked {
			return fmt.Errorf("host %q is blocked (loopback access)", hostname)
		}
	}

	if ip := net.ParseIP(normalized); ip != nil {
		return validateIP(ip)
	}

	ips, err := g.lookupIP(hostname)
	if err != nil {
		// Unresolvable hosts pass; the request itself will fail with
		// a transport error.
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// validateIP blocks address classes that reach the engine's own
// network rather than the public internet.
func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("ip %s is blocked (loopback)", ip)
	case ip.IsPrivate():
		return fmt.Errorf("ip %s is blocked (private network)", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("ip %s is blocked (link-local)", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("ip %s is blocked (unspecified)", ip)
	}
	return nil
}
