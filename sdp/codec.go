package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// BuildOffer serializes cap into a wire-format SDP offer.
func BuildOffer(cap SessionCapability) ([]byte, error) {
	desc := newSessionDescription(cap)

	for _, mc := range cap.Media {
		alloc := newPTAllocator(mc)
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   mc.Type,
				Port:    sdp.RangedPort{Value: mc.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: nil,
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: cap.Address},
			},
		}

		for _, c := range mc.Codecs {
			pt := alloc.assign(c)
			md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(pt))
			md.Attributes = append(md.Attributes, rtpmapAttribute(pt, c))
			if c.Fmtp != "" {
				md.Attributes = append(md.Attributes, fmtpAttribute(pt, c.Fmtp))
			}
		}

		md.Attributes = append(md.Attributes, sdp.Attribute{Key: string(mc.direction())})
		if mc.RTCPMux {
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtcp-mux"})
		}
		if mc.PTime > 0 {
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "ptime", Value: strconv.Itoa(mc.PTime)})
		}
		if mc.MaxPTime > 0 {
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "maxptime", Value: strconv.Itoa(mc.MaxPTime)})
		}
		if mc.Bandwidth > 0 {
			md.Bandwidth = append(md.Bandwidth, sdp.Bandwidth{Type: "AS", Bandwidth: uint64(mc.Bandwidth)})
		}

		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	return desc.Marshal()
}

// ParseOffer parses a wire-format SDP body (offer or answer) back into a
// SessionCapability, recovering rtpmap/fmtp/direction/rtcp-mux per media.
func ParseOffer(data []byte) (*SessionCapability, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("sdp: unmarshal failed: %w", err)
	}

	cap := &SessionCapability{
		Username:    desc.Origin.Username,
		Address:     desc.Origin.UnicastAddress,
		SessionName: string(desc.SessionName),
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		cap.Address = desc.ConnectionInformation.Address.Address
	}

	sessionDir := sessionDirection(desc.Attributes)

	for _, md := range desc.MediaDescriptions {
		mc := MediaCapability{
			Type:      md.MediaName.Media,
			Port:      md.MediaName.Port.Value,
			Direction: sessionDir,
		}
		rtpmaps := map[int]Codec{}
		fmtps := map[int]string{}
		for _, a := range md.Attributes {
			switch a.Key {
			case "rtpmap":
				pt, c, err := parseRtpmap(a.Value)
				if err != nil {
					continue
				}
				rtpmaps[pt] = c
			case "fmtp":
				pt, params, err := parseFmtp(a.Value)
				if err != nil {
					continue
				}
				fmtps[pt] = params
			case string(DirectionSendRecv), string(DirectionSendOnly), string(DirectionRecvOnly), string(DirectionInactive):
				mc.Direction = Direction(a.Key)
			case "rtcp-mux":
				mc.RTCPMux = true
			case "ptime":
				if v, err := strconv.Atoi(a.Value); err == nil {
					mc.PTime = v
				}
			case "maxptime":
				if v, err := strconv.Atoi(a.Value); err == nil {
					mc.MaxPTime = v
				}
			}
		}
		for _, b := range md.Bandwidth {
			if b.Type == "AS" {
				mc.Bandwidth = int(b.Bandwidth)
			}
		}

		for _, fstr := range md.MediaName.Formats {
			pt, err := strconv.Atoi(fstr)
			if err != nil {
				continue
			}
			c, ok := rtpmaps[pt]
			if !ok {
				c = staticCodecByPT(pt)
			}
			c.Fmtp = fmtps[pt]
			if c.isTelephoneEvent() {
				mc.EventsPT = pt
			}
			mc.Codecs = append(mc.Codecs, c)
		}

		cap.Media = append(cap.Media, mc)
	}

	return cap, nil
}

func newSessionDescription(cap SessionCapability) *sdp.SessionDescription {
	username := cap.Username
	if username == "" {
		username = "-"
	}
	name := cap.SessionName
	if name == "" {
		name = "-"
	}
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       username,
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cap.Address,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cap.Address},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func rtpmapAttribute(pt int, c Codec) sdp.Attribute {
	val := fmt.Sprintf("%d %s/%d", pt, c.Name, c.Clock)
	if c.Channels > 1 {
		val = fmt.Sprintf("%s/%d", val, c.Channels)
	}
	return sdp.Attribute{Key: "rtpmap", Value: val}
}

func fmtpAttribute(pt int, params string) sdp.Attribute {
	return sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d %s", pt, params)}
}

func parseRtpmap(value string) (int, Codec, error) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, Codec{}, fmt.Errorf("sdp: malformed rtpmap %q", value)
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, Codec{}, fmt.Errorf("sdp: malformed rtpmap pt %q", fields[0])
	}

	parts := strings.Split(fields[1], "/")
	c := Codec{Name: parts[0]}
	if len(parts) > 1 {
		if clock, err := strconv.Atoi(parts[1]); err == nil {
			c.Clock = clock
		}
	}
	if len(parts) > 2 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			c.Channels = ch
		}
	}
	return pt, c, nil
}

func parseFmtp(value string) (int, string, error) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("sdp: malformed fmtp %q", value)
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("sdp: malformed fmtp pt %q", fields[0])
	}
	return pt, fields[1], nil
}

func sessionDirection(attrs []sdp.Attribute) Direction {
	for _, a := range attrs {
		switch a.Key {
		case string(DirectionSendRecv), string(DirectionSendOnly), string(DirectionRecvOnly), string(DirectionInactive):
			return Direction(a.Key)
		}
	}
	return DirectionSendRecv
}

func staticCodecByPT(pt int) Codec {
	for name, spt := range staticPayloadTypes {
		if spt == pt {
			return Codec{Name: name, Clock: 8000}
		}
	}
	return Codec{Name: fmt.Sprintf("pt-%d", pt), Clock: 8000}
}

// ptAllocator assigns payload types to a media line's codecs: static codecs
// keep their RFC 3551 number, telephone-event gets its preferred PT, and
// everything else is allocated dynamically from 96-127 skipping both.
type ptAllocator struct {
	next     int
	eventsPT int
}

func newPTAllocator(mc MediaCapability) *ptAllocator {
	return &ptAllocator{next: 96, eventsPT: mc.eventsPT()}
}

func (a *ptAllocator) assign(c Codec) int {
	if pt, ok := staticPayloadTypes[strings.ToUpper(c.Name)]; ok {
		return pt
	}
	if c.isTelephoneEvent() {
		return a.eventsPT
	}
	for a.next == a.eventsPT || a.next < 96 {
		a.next++
	}
	pt := a.next
	a.next++
	return pt
}
