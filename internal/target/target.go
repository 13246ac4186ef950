// Package target implements the target-validation core of the proxy: the
// decision procedure that determines whether a requested destination is
// permitted and, if so, resolves it to a concrete upstream descriptor.
//
// Validation is a pure function over (raw string, allowlist). It performs no
// I/O and holds no mutable state, so the same input always yields the same
// verdict. The Descriptor it produces is built once from a single parse and
// is the only value the forwarder is allowed to route with — the raw input
// string is never re-parsed downstream.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Reason identifies why a target was rejected. The zero value is not a valid
// reason; every Rejection carries exactly one.
type Reason int

// Rejection reasons, in the order the checks run. Validation short-circuits
// on the first failure so the reported reason is deterministic.
const (
	ReasonMissingTarget Reason = iota + 1
	ReasonInvalidURL
	ReasonUnsupportedScheme
	ReasonPrivateOrLiteralHost
	ReasonDomainNotAllowlisted
)

// String returns the wire name of the reason, used verbatim in error responses.
func (r Reason) String() string {
	switch r {
	case ReasonMissingTarget:
		return "MissingTarget"
	case ReasonInvalidURL:
		return "InvalidURL"
	case ReasonUnsupportedScheme:
		return "UnsupportedScheme"
	case ReasonPrivateOrLiteralHost:
		return "PrivateOrLiteralHost"
	case ReasonDomainNotAllowlisted:
		return "DomainNotAllowlisted"
	default:
		return "Unknown"
	}
}

// Detail returns a human-readable explanation suitable for a client response.
func (r Reason) Detail() string {
	switch r {
	case ReasonMissingTarget:
		return "no target URL supplied"
	case ReasonInvalidURL:
		return "target is not an absolute http(s)/ws(s) URL"
	case ReasonUnsupportedScheme:
		return "scheme must be http, https, ws, or wss"
	case ReasonPrivateOrLiteralHost:
		return "IP-literal, localhost, and private-network targets are not proxied"
	case ReasonDomainNotAllowlisted:
		return "target domain is not on the allowlist"
	default:
		return "target rejected"
	}
}

// Rejection is the structural validation failure. It is a distinct error type
// so callers distinguish a policy rejection from an upstream failure with
// errors.As, never by matching message text.
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("target rejected: %s (%s)", r.Reason, r.Reason.Detail())
}

// AsRejection unwraps err into a *Rejection, or nil if err is not one.
func AsRejection(err error) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}

// Descriptor is a validated, normalized proxy target. It is immutable once
// constructed and is only ever produced by Validate (or by the config layer
// for the static default upstream, which runs through the same parse).
type Descriptor struct {
	Scheme   string // http, https, ws, or wss — lowercased
	Hostname string // lowercased, never an IP literal
	Port     string // empty means the scheme default
	Path     string // decoded form
	RawPath  string // original encoding, set only when it differs from the default
	RawQuery string
}

// Host returns hostname[:port] for use as a URL authority.
func (d *Descriptor) Host() string {
	if d.Port == "" {
		return d.Hostname
	}
	return net.JoinHostPort(d.Hostname, d.Port)
}

// URL reassembles the descriptor into a url.URL. The result is built from
// the validated components only. Carrying RawPath alongside Path keeps the
// client's percent-encoding intact on the upstream leg.
func (d *Descriptor) URL() *url.URL {
	return &url.URL{
		Scheme:   d.Scheme,
		Host:     d.Host(),
		Path:     d.Path,
		RawPath:  d.RawPath,
		RawQuery: d.RawQuery,
	}
}

func (d *Descriptor) String() string {
	return d.URL().String()
}

// HTTPURL returns the descriptor with ws/wss mapped to http/https, for
// forwarding as a plain HTTP exchange.
func (d *Descriptor) HTTPURL() *url.URL {
	u := d.URL()
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u
}

// WSURL returns the descriptor with http/https mapped to ws/wss, for the
// upstream leg of an upgrade tunnel.
func (d *Descriptor) WSURL() *url.URL {
	u := d.URL()
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u
}

// Allowlist is the immutable set of permitted target domains. Entries are
// normalized once at construction; the set is never mutated afterwards and
// is safe for unsynchronized concurrent reads.
type Allowlist struct {
	domains map[string]struct{}
}

// NewAllowlist builds an Allowlist from configured entries. Entries are
// NFKC-normalized and lowercased; empty entries are dropped.
func NewAllowlist(entries []string) *Allowlist {
	domains := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e = normalizeHost(e)
		if e == "" {
			continue
		}
		domains[e] = struct{}{}
	}
	return &Allowlist{domains: domains}
}

// Len reports the number of distinct domains in the set.
func (a *Allowlist) Len() int { return len(a.domains) }

// Domains returns the normalized entries. The slice is a copy.
func (a *Allowlist) Domains() []string {
	out := make([]string, 0, len(a.domains))
	for d := range a.domains {
		out = append(out, d)
	}
	return out
}

// Matches reports whether hostname equals an entry exactly or is a true
// subdomain of one ("api.example.com" matches entry "example.com";
// "evil-example.com" does not). The hostname must already be normalized.
func (a *Allowlist) Matches(hostname string) bool {
	if _, ok := a.domains[hostname]; ok {
		return true
	}
	for d := range a.domains {
		if strings.HasSuffix(hostname, "."+d) {
			return true
		}
	}
	return false
}

// ipv4Literal matches dotted-decimal IPv4 shapes. Literal-IP targets bypass
// domain-based allowlisting entirely, so they are blocked unconditionally —
// even ones that would resolve to a public address.
var ipv4Literal = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// Validate checks raw against the allowlist and the network-safety rules and
// returns the normalized Descriptor on acceptance. On rejection the returned
// error is a *Rejection carrying the first violated rule.
func Validate(raw string, allow *Allowlist) (*Descriptor, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &Rejection{Reason: ReasonMissingTarget}
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return nil, &Rejection{Reason: ReasonInvalidURL}
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, &Rejection{Reason: ReasonUnsupportedScheme}
	}

	hostname := normalizeHost(u.Hostname())
	if isPrivateOrLiteral(hostname) {
		return nil, &Rejection{Reason: ReasonPrivateOrLiteralHost}
	}

	if !allow.Matches(hostname) {
		return nil, &Rejection{Reason: ReasonDomainNotAllowlisted}
	}

	// Build the descriptor from the parsed components only. Splicing the raw
	// input back together here would reopen the parser-differential gap this
	// package exists to close.
	return &Descriptor{
		Scheme:   scheme,
		Hostname: hostname,
		Port:     u.Port(),
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}, nil
}

// isPrivateOrLiteral implements the network-safety check: any IP-shaped
// hostname (v4 dotted-decimal or anything containing a colon), localhost and
// its subdomains, and address literals in loopback/private/link-local ranges.
// The colon rule is the strict IPv6 policy: bracketed or bare, every
// IPv6-literal-shaped hostname is rejected outright.
func isPrivateOrLiteral(hostname string) bool {
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	if ipv4Literal.MatchString(hostname) {
		return true
	}
	if strings.Contains(hostname, ":") {
		return true
	}
	// Catch literal shapes the regex misses but Go still parses
	// (e.g. "0x7f.1" style forms are rejected by ParseIP, but keep this as a
	// final guard for anything address-shaped).
	return net.ParseIP(hostname) != nil
}

// normalizeHost NFKC-normalizes and lowercases a hostname so that
// compatibility forms (fullwidth characters, ligatures) cannot slip past
// allowlist matching.
func normalizeHost(h string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(h)))
}
