package sip

import (
	"io"
	"strconv"
	"strings"
)

// A URI from any schema (e.g. sip:, sips:)
type SIPUri interface {
	String() string
	IsEncrypted() bool
}

// A URI from a schema suitable for inclusion in a Contact: header.
// The only such URIs are sip/sips URIs and the special wildcard URI '*'.
// hold this interface to not break other code
type ContactUri interface {
	SIPUri
}

type Uri struct {
	// Scheme is the URI scheme ("sip", "sips" or "tel"). Uris built directly
	// by callers rather than through ParseUri may leave this empty, in which
	// case Encrypted decides between "sip"/"sips" on output.
	Scheme string

	// HierarhicalSlashes records that the parsed URI used the "//" form
	// after the scheme (e.g. "sip://host") so String can round-trip it.
	HierarhicalSlashes bool

	// True if and only if the URI is a SIPS URI.
	Encrypted bool
	Wildcard  bool

	// The user part of the URI: the 'joe' in sip:joe@bloggs.com
	// It is empty for URIs without a user part.
	User string

	// The password field of the URI. This is represented in the URI as joe:hunter2@bloggs.com.
	// Note that if a URI has a password field, it *must* have a user field as well.
	// It is empty for URIs without a password field.
	// Note that RFC 3261 strongly recommends against the use of password fields in SIP URIs,
	// as they are fundamentally insecure.
	Password string

	// The host part of the URI. This can be a domain, or a string representation of an IP address.
	Host string

	// The port part of the URI. This is optional, and can be empty.
	Port int

	// Any parameters associated with the URI.
	// These are used to provide information about requests that may be constructed from the URI.
	// (For more details, see RFC 3261 section 19.1.1).
	// These appear as a semicolon-separated list of key=value pairs following the host[:port] part.
	UriParams HeaderParams

	// Any headers to be included on requests constructed from this URI.
	// These appear as a '&'-separated list at the end of the URI, introduced by '?'.
	Headers HeaderParams
}

// Generates the string representation of a SipUri struct.
func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)

	return buffer.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	// Compulsory protocol identifier.
	switch {
	case uri.Scheme != "":
		buffer.WriteString(uri.Scheme)
	case uri.IsEncrypted():
		buffer.WriteString("sips")
	default:
		buffer.WriteString("sip")
	}
	buffer.WriteString(":")

	if uri.HierarhicalSlashes {
		buffer.WriteString("//")
	}

	if uri.Scheme == "tel" {
		buffer.WriteString(uri.User)
		if (uri.UriParams != nil) && uri.UriParams.Length() > 0 {
			buffer.WriteString(";")
			buffer.WriteString(uri.UriParams.ToString(';'))
		}
		return
	}

	// Optional userinfo part.
	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	// Compulsory hostname.
	buffer.WriteString(uri.Host)

	// Optional port number.
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if (uri.UriParams != nil) && uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		buffer.WriteString(uri.UriParams.ToString(';'))
	}

	if (uri.Headers != nil) && uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		buffer.WriteString(uri.Headers.ToString('&'))
	}
}

func (uri *Uri) Clone() *Uri {
	c := *uri
	return &c
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted || uri.Scheme == "sips"
}

// Equals reports whether uri and other are equal under the component
// comparison rules of RFC 3261 s. 19.1.4: scheme, user and host are
// compared case-sensitively on the user part and case-insensitively on
// host; a port present on one side must match the other's (port 5060 is
// not implied equal to an absent port here, since callers needing that
// default should normalize before comparing); and any uri-parameter
// present on both sides must agree, while a parameter present on only
// one side is ignored, "user", "ttl", "method" and "maddr" included, as
// this module treats them as ordinary parameters. An empty Scheme (a Uri
// built without ParseUri) matches any scheme of the same sip/sips kind.
func (uri *Uri) Equals(other *Uri) bool {
	if uri == nil || other == nil {
		return uri == other
	}
	if uri.IsEncrypted() != other.IsEncrypted() {
		return false
	}
	if uri.Scheme != "" && other.Scheme != "" && !strings.EqualFold(uri.Scheme, other.Scheme) {
		return false
	}
	if uri.User != other.User {
		return false
	}
	if !strings.EqualFold(uri.Host, other.Host) {
		return false
	}
	if uri.Port != other.Port {
		return false
	}
	if uri.Password != other.Password {
		return false
	}
	return uriParamsAgree(uri.UriParams, other.UriParams)
}

func uriParamsAgree(a, b HeaderParams) bool {
	if a == nil || b == nil {
		return true
	}
	for _, key := range a.Keys() {
		av, _ := a.Get(key)
		if bv, exists := b.Get(key); exists && bv != av {
			return false
		}
	}
	return true
}
