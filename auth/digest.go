// Package auth implements HTTP Digest Access Authentication (RFC 2617,
// RFC 7616) as used by SIP's WWW-Authenticate/Authorization and
// Proxy-Authenticate/Proxy-Authorization header pairs (RFC 3261 section 22).
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

var (
	ErrNoChallenge    = errors.New("auth: no challenge header present")
	ErrBadChallenge   = errors.New("auth: malformed challenge")
	ErrUnsupportedAlg = errors.New("auth: unsupported algorithm")
)

// Challenge is a parsed WWW-Authenticate/Proxy-Authenticate header value.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Domain    string
	Algorithm string // MD5, MD5-sess, SHA-256, SHA-256-sess. Defaults to MD5.
	QOP       []string
	Stale     bool
}

// ParseChallenge parses the value of a WWW-Authenticate or
// Proxy-Authenticate header, e.g.:
//
//	Digest realm="atlanta.com", nonce="84a4...", algorithm=MD5, qop="auth"
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrNoChallenge
	}

	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, fmt.Errorf("%w: missing Digest scheme", ErrBadChallenge)
	}

	params, err := parseParams(rest)
	if err != nil {
		return nil, err
	}

	c := &Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Domain:    params["domain"],
		Algorithm: strings.ToUpper(params["algorithm"]),
	}
	if c.Algorithm == "" {
		c.Algorithm = "MD5"
	}
	if qop := params["qop"]; qop != "" {
		for _, q := range strings.Split(qop, ",") {
			c.QOP = append(c.QOP, strings.TrimSpace(q))
		}
	}
	if params["stale"] == "true" {
		c.Stale = true
	}

	if c.Nonce == "" || c.Realm == "" {
		return nil, fmt.Errorf("%w: missing realm or nonce", ErrBadChallenge)
	}

	return c, nil
}

// parseParams splits "key1=value1, key2="value2"" pairs, tolerating both
// quoted and bare token values.
func parseParams(s string) (map[string]string, error) {
	out := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		if s == "" {
			break
		}

		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: missing '=' in %q", ErrBadChallenge, s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quoted value for %q", ErrBadChallenge, key)
			}
			val = s[1 : 1+end]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				val = strings.TrimSpace(s)
				s = ""
			} else {
				val = strings.TrimSpace(s[:end])
				s = s[end:]
			}
		}
		out[key] = val
	}
	return out, nil
}

// Options carries what's needed to answer a Challenge.
type Options struct {
	Method   string
	URI      string
	Username string
	Password string

	// Count is the nonce-count (nc) for this nonce, starting at 1 and
	// strictly increasing on every reuse of the same nonce (RFC 2617
	// section 3.2.2). Callers that issue more than one request per
	// challenge must track this themselves, or use a CredentialCache.
	Count int

	// Cnonce overrides the client nonce; if empty one is generated.
	Cnonce string

	// Body is hashed for qop=auth-int; unused otherwise.
	Body []byte
}

// Credentials is a computed Authorization/Proxy-Authorization header value.
type Credentials struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Algorithm string
	Opaque    string
	QOP       string
	Cnonce    string
	NC        int
}

// String renders the Authorization header field value (without the
// leading "Digest " being implied by the header name itself per RFC 3261,
// the value still begins with the scheme token).
func (c *Credentials) String() string {
	var b strings.Builder
	b.WriteString("Digest username=\"")
	b.WriteString(c.Username)
	b.WriteString("\", realm=\"")
	b.WriteString(c.Realm)
	b.WriteString("\", nonce=\"")
	b.WriteString(c.Nonce)
	b.WriteString("\", uri=\"")
	b.WriteString(c.URI)
	b.WriteString("\", response=\"")
	b.WriteString(c.Response)
	b.WriteString("\"")
	if c.Algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", c.Algorithm)
	}
	if c.Opaque != "" {
		fmt.Fprintf(&b, ", opaque=\"%s\"", c.Opaque)
	}
	if c.QOP != "" {
		fmt.Fprintf(&b, ", qop=%s, nc=%08x, cnonce=\"%s\"", c.QOP, c.NC, c.Cnonce)
	}
	return b.String()
}

// Digest computes the Authorization header value for a challenge per
// RFC 2617/7616. It picks qop=auth over auth-int when both are offered,
// and falls back to the legacy no-qop scheme when the challenge offers
// none (RFC 2069 compatibility).
func Digest(chal *Challenge, opts Options) (*Credentials, error) {
	hasher, err := algHasher(chal.Algorithm)
	if err != nil {
		return nil, err
	}

	qop := selectQOP(chal.QOP)

	cnonce := opts.Cnonce
	if cnonce == "" && (qop != "" || isSess(chal.Algorithm)) {
		cnonce, err = generateCnonce()
		if err != nil {
			return nil, err
		}
	}

	nc := opts.Count
	if nc <= 0 {
		nc = 1
	}

	ha1 := hasher(join(opts.Username, chal.Realm, opts.Password))
	if isSess(chal.Algorithm) {
		ha1 = hasher(join(ha1, chal.Nonce, cnonce))
	}

	var ha2 string
	switch qop {
	case "auth-int":
		ha2 = hasher(join(opts.Method, opts.URI, hasher(string(opts.Body))))
	default:
		ha2 = hasher(join(opts.Method, opts.URI))
	}

	var response string
	ncStr := fmt.Sprintf("%08x", nc)
	switch qop {
	case "auth", "auth-int":
		response = hasher(join(ha1, chal.Nonce, ncStr, cnonce, qop, ha2))
	default:
		response = hasher(join(ha1, chal.Nonce, ha2))
	}

	return &Credentials{
		Username:  opts.Username,
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		URI:       opts.URI,
		Response:  response,
		Algorithm: chal.Algorithm,
		Opaque:    chal.Opaque,
		QOP:       qop,
		Cnonce:    cnonce,
		NC:        nc,
	}, nil
}

func selectQOP(offered []string) string {
	hasAuth, hasAuthInt := false, false
	for _, q := range offered {
		switch q {
		case "auth":
			hasAuth = true
		case "auth-int":
			hasAuthInt = true
		}
	}
	switch {
	case hasAuth:
		return "auth"
	case hasAuthInt:
		return "auth-int"
	default:
		return ""
	}
}

func isSess(algorithm string) bool {
	return strings.HasSuffix(strings.ToUpper(algorithm), "-SESS")
}

func algHasher(algorithm string) (func(string) string, error) {
	base := strings.TrimSuffix(strings.ToUpper(algorithm), "-SESS")
	switch base {
	case "", "MD5":
		return hashWith(md5.New), nil
	case "SHA-256":
		return hashWith(sha256.New), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlg, algorithm)
	}
}

func hashWith(newHash func() hash.Hash) func(string) string {
	// Each call needs a fresh hash.Hash, so the constructor is kept.
	return func(s string) string {
		h := newHash()
		h.Write([]byte(s))
		return hex.EncodeToString(h.Sum(nil))
	}
}

func join(parts ...string) string {
	return strings.Join(parts, ":")
}

// generateCnonce returns a random client nonce, hex encoded.
func generateCnonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CredentialCache tracks the nonce-count across successive requests that
// reuse the same server nonce, as RFC 2617 section 3.2.2 requires the
// client to increase nc monotonically rather than resetting per request.
type CredentialCache struct {
	counts map[string]int
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{counts: make(map[string]int)}
}

// Next returns the next nc value to use for nonce, recording it.
func (cc *CredentialCache) Next(nonce string) int {
	cc.counts[nonce]++
	return cc.counts[nonce]
}

// Authorize is a convenience wrapper around Digest that manages nc via the
// cache, suitable for a UA that re-sends requests across a registration's
// lifetime against a realm whose nonce it has already seen.
func (cc *CredentialCache) Authorize(chal *Challenge, opts Options) (*Credentials, error) {
	opts.Count = cc.Next(chal.Nonce)
	return Digest(chal, opts)
}

// ParseNC parses an "nc" hex parameter back into an int, used by servers
// validating monotonic nonce-count (outside this package's direct scope,
// kept here since it is the inverse of the %08x formatting above).
func ParseNC(s string) (int, error) {
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
