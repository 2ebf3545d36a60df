// Package auth extracts HTTP Basic credentials from a request's
// Authorization header and derives a log-safe identifier for them. Raw and
// decoded secrets are reachable only through explicit accessors, and are
// never produced by any method a logger would naturally print.
package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/crohr/smart-git-proxy/internal/giterr"
)

// Credentials holds one request's parsed HTTP Basic Authorization header.
// Zero value is not valid; construct with Extract.
type Credentials struct {
	raw           string // the full "Basic <base64>" header value
	decoded       string // "user:password"
	colonPosition int    // byte offset of the first ':' in decoded
}

// Extract reads the Authorization header from headers. A missing header is
// not an error: it returns (nil, nil), since public upstreams don't require
// one. A present-but-malformed header returns a MalformedAuthorization
// error.
func Extract(headers http.Header) (*Credentials, error) {
	value := headers.Get("Authorization")
	if value == "" {
		return nil, nil
	}

	scheme, encoded, found := strings.Cut(value, " ")
	if !found || scheme != "Basic" {
		return nil, giterr.New(giterr.MalformedAuthorization, fmt.Errorf("unsupported authorization scheme"))
	}

	decodedBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, giterr.New(giterr.MalformedAuthorization, fmt.Errorf("invalid base64: %w", err))
	}
	decoded := string(decodedBytes)

	colonPosition := strings.IndexByte(decoded, ':')
	if colonPosition < 0 {
		return nil, giterr.New(giterr.MalformedAuthorization, fmt.Errorf("missing ':' in decoded credentials"))
	}

	return &Credentials{
		raw:           value,
		decoded:       decoded,
		colonPosition: colonPosition,
	}, nil
}

// Raw returns the original "Basic <base64>" header value, for forwarding to
// the fetch path or re-emitting as an outgoing Authorization header. Never
// log this.
func (c *Credentials) Raw() string {
	return c.raw
}

// User returns the decoded username. Never log this.
func (c *Credentials) User() string {
	return c.decoded[:c.colonPosition]
}

// Password returns the decoded password (without the leading colon). Never
// log this.
func (c *Credentials) Password() string {
	return c.decoded[c.colonPosition+1:]
}

// SafeUsername returns an identifier that is safe to log: the username
// unchanged, unless it looks like an OAuth token used in place of a
// username (the token repeated as the password, no password at all, or a
// password containing "oauth"), in which case it's truncated to a short,
// unambiguous prefix.
func (c *Credentials) SafeUsername() string {
	user := c.User()
	pwd := c.Password()

	looksLikeToken := len(user) > 5 && (user == pwd || pwd == "" || strings.Contains(pwd, "oauth"))
	if !looksLikeToken {
		return user
	}
	return runePrefix(user, 5) + "..."
}

// runePrefix returns the first n runes of s, never splitting a multi-byte
// rune even if that means returning fewer than n runes for short input.
func runePrefix(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
