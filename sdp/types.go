// Package sdp implements a RFC 4566/8866 SDP codec and a RFC 3264
// offer/answer negotiator on top of github.com/pion/sdp/v3, which supplies
// the wire-level grammar but has no opinion on codec intersection or
// payload-type allocation.
package sdp

import "fmt"

// staticPayloadTypes are the RFC 3551 statically assigned codecs that must
// keep their well-known payload type rather than receiving a dynamic one.
var staticPayloadTypes = map[string]int{
	"PCMU": 0,
	"PCMA": 8,
}

// defaultEventsPT is the payload type telephone-event gets when a
// MediaCapability does not request one explicitly.
const defaultEventsPT = 101

// Codec identifies an RTP payload format by name, clock rate, and channel
// count, the tuple RFC 3264 uses when computing offer/answer intersection.
type Codec struct {
	Name     string
	Clock    int
	Channels int // 0 means unspecified (treated as 1 on comparison)
	Fmtp     string
}

func (c Codec) channels() int {
	if c.Channels == 0 {
		return 1
	}
	return c.Channels
}

// key is the RFC 3264 codec identity used for intersection: name compared
// case-insensitively, clock rate, and channel count.
func (c Codec) key() string {
	return fmt.Sprintf("%s/%d/%d", lower(c.Name), c.Clock, c.channels())
}

func (c Codec) isTelephoneEvent() bool {
	return lower(c.Name) == "telephone-event"
}

func lower(s string) string {
	b := []byte(s)
	for i, ch := range b {
		if ch >= 'A' && ch <= 'Z' {
			b[i] = ch - 'A' + 'a'
		}
	}
	return string(b)
}

// Direction is the session or media-level RFC 4566 attribute controlling
// which way media flows.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Flip applies the RFC 3264 section 6.1 answer-direction mapping to an
// offered direction, given the local side's own configured direction (used
// only when the offer is sendrecv).
func (d Direction) Flip(local Direction) Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		if local == "" {
			return DirectionSendRecv
		}
		return local
	}
}

// MediaCapability describes one local media line's offer/answer capability:
// its type, port, and codec list in preference order.
type MediaCapability struct {
	Type      string // "audio", "video", ...
	Port      int
	Codecs    []Codec
	Direction Direction
	RTCPMux   bool

	// EventsPT is the payload type telephone-event should use when offered.
	// Zero means defaultEventsPT (101).
	EventsPT int

	// PTime/MaxPTime/Bandwidth are supplemented from the original
	// implementation; they round-trip through parse/serialize but do not
	// participate in negotiation.
	PTime     int
	MaxPTime  int
	Bandwidth int
}

func (m MediaCapability) direction() Direction {
	if m.Direction == "" {
		return DirectionSendRecv
	}
	return m.Direction
}

func (m MediaCapability) eventsPT() int {
	if m.EventsPT == 0 {
		return defaultEventsPT
	}
	return m.EventsPT
}

// SessionCapability is the local side's view of a session to offer or to
// answer against, independent of the wire SDP representation.
type SessionCapability struct {
	Username    string
	Address     string
	SessionName string
	Media       []MediaCapability
}

// NegotiatedFormat is one agreed codec for a media line, carrying the
// payload type each side uses to send it.
type NegotiatedFormat struct {
	Codec  Codec
	SendPT int // payload type we must use when sending this codec
	RecvPT int // payload type the remote will use when sending this codec
}

// NegotiatedMedia is the outcome of negotiating one media line.
type NegotiatedMedia struct {
	Type       string
	RemoteIP   string
	RemotePort int
	Direction  Direction
	RTCPMux    bool
	Formats    []NegotiatedFormat
}

// NegotiatedSession is the RFC 3264 negotiation result across all media
// lines of an offer/answer exchange.
type NegotiatedSession struct {
	Media []NegotiatedMedia
}
