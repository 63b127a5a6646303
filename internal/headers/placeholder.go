// Package headers implements the placeholder protocol that smuggles
// forbidden HTTP headers through the remote browser's execution
// environment.
//
// The browser refuses to let a page set certain request headers
// directly (origin, referer, CORS negotiation headers, ...). The
// dispatch side renames each of those to X-PLACEHOLDER-<Name> and
// attaches a sentinel header carrying a per-bot secret; the execution
// side, sitting below the browser's request pipeline, restores the
// original names only when the sentinel matches. Ordinary page traffic
// carries no sentinel and passes through untouched.
package headers

import (
	"net/http"
	"strings"
)

const (
	// Prefix marks a header carrying a forbidden header's value.
	Prefix = "X-PLACEHOLDER-"

	// Sentinel is the header carrying the per-bot secret token.
	Sentinel = "X-PLACEHOLDER-SECRET"
)

// rewriteSet holds the lowercase names of headers the execution
// environment forbids setting directly.
var rewriteSet = map[string]bool{
	"origin":                         true,
	"referer":                        true,
	"access-control-request-headers": true,
	"access-control-request-method":  true,
	"access-control-allow-origin":    true,
	"date":                           true,
	"dnt":                            true,
	"trailer":                        true,
	"upgrade":                        true,
}

// blockSet holds headers that are dropped outright instead of being
// rewritten. Reinstating a caller-supplied Cookie header would let the
// caller impersonate arbitrary session cookies outside the bot's own
// jar, so it never survives either side.
var blockSet = map[string]bool{
	"cookie": true,
}

// Rewritable reports whether the named header belongs to the rewrite set.
func Rewritable(name string) bool {
	return rewriteSet[strings.ToLower(name)]
}

// Blocked reports whether the named header belongs to the block set.
func Blocked(name string) bool {
	return blockSet[strings.ToLower(name)]
}

// Encode prepares a caller-supplied header map for transmission to a
// bot: blocked headers are dropped, rewritable headers are renamed to
// their placeholder form, and the sentinel is attached. The input map
// is not modified.
func Encode(h map[string]string, sentinel string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for name, value := range h {
		lower := strings.ToLower(name)
		switch {
		case blockSet[lower]:
			// dropped, never rewritten
		case rewriteSet[lower]:
			out[Prefix+name] = value
		default:
			out[name] = value
		}
	}
	out[Sentinel] = sentinel
	return out
}

// Restore undoes Encode on the execution side. If the sentinel header
// is absent or does not match, the input is returned as-is: the request
// is ordinary page traffic and must not be touched. Otherwise every
// placeholder header is renamed back to its original form (unless the
// original is blocked) and the sentinel is stripped.
func Restore(h map[string]string, sentinel string) map[string]string {
	if match, ok := lookup(h, Sentinel); !ok || match != sentinel {
		return h
	}

	out := make(map[string]string, len(h))
	for name, value := range h {
		lower := strings.ToLower(name)
		if lower == strings.ToLower(Sentinel) {
			continue
		}
		if strings.HasPrefix(lower, strings.ToLower(Prefix)) {
			original := name[len(Prefix):]
			if !blockSet[strings.ToLower(original)] {
				out[original] = value
			}
			continue
		}
		out[name] = value
	}
	return out
}

func lookup(h map[string]string, name string) (string, bool) {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Transport is an http.RoundTripper that applies Restore to every
// outgoing request, mirroring the hook the real execution environment
// installs beneath its request pipeline. Requests without a matching
// sentinel pass through unmodified.
type Transport struct {
	Base     http.RoundTripper
	Sentinel string
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if req.Header.Get(Sentinel) != t.Sentinel {
		return base.RoundTrip(req)
	}

	flat := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	restored := Restore(flat, t.Sentinel)

	clone := req.Clone(req.Context())
	clone.Header = make(http.Header, len(restored))
	for name, value := range restored {
		clone.Header.Set(name, value)
	}
	return base.RoundTrip(clone)
}
