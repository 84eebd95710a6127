package sdp

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// BuildAnswer builds an RFC 3264 section 6 answer to offer using the local
// side's capability and returns the serialized answer only; it does not
// return a negotiation result (use Negotiate with both bodies for that).
func BuildAnswer(offer SessionCapability, local SessionCapability) ([]byte, error) {
	desc := newSessionDescription(local)

	for _, om := range offer.Media {
		lm, ok := findMedia(local.Media, om.Type)
		if !ok {
			desc.MediaDescriptions = append(desc.MediaDescriptions, rejectedMedia(om))
			continue
		}

		accepted := intersectCodecs(om, lm)

		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  om.Type,
				Port:   sdp.RangedPort{Value: lm.Port},
				Protos: []string{"RTP", "AVP"},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: local.Address},
			},
		}

		if len(accepted) == 0 {
			md.MediaName.Port = sdp.RangedPort{Value: 0}
			md.MediaName.Formats = append([]string{}, formatsOf(om)...)
			desc.MediaDescriptions = append(desc.MediaDescriptions, md)
			continue
		}

		for _, a := range accepted {
			pt, c := a.pt, a.codec
			md.MediaName.Formats = append(md.MediaName.Formats, ptString(pt))
			md.Attributes = append(md.Attributes, rtpmapAttribute(pt, c))
			if c.isTelephoneEvent() {
				md.Attributes = append(md.Attributes, fmtpAttribute(pt, telephoneEventsFmtp(lm, om)))
			} else if c.Fmtp != "" {
				md.Attributes = append(md.Attributes, fmtpAttribute(pt, c.Fmtp))
			}
		}

		md.Attributes = append(md.Attributes, sdp.Attribute{Key: string(om.Direction.Flip(lm.direction()))})
		if lm.RTCPMux && om.RTCPMux {
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtcp-mux"})
		}

		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	return desc.Marshal()
}

// Negotiate parses an offer and its answer and produces the per-media
// negotiation result as seen by whoever sent the offer: SendPT is the PT
// the offerer used (and must keep using), RecvPT is the PT the answerer
// will send that same codec as.
func Negotiate(offerBytes, answerBytes []byte) (*NegotiatedSession, error) {
	offerDesc := &sdp.SessionDescription{}
	if err := offerDesc.Unmarshal(offerBytes); err != nil {
		return nil, fmt.Errorf("sdp: unmarshal offer failed: %w", err)
	}
	answerDesc := &sdp.SessionDescription{}
	if err := answerDesc.Unmarshal(answerBytes); err != nil {
		return nil, fmt.Errorf("sdp: unmarshal answer failed: %w", err)
	}

	offerCap, err := ParseOffer(offerBytes)
	if err != nil {
		return nil, err
	}
	answerCap, err := ParseOffer(answerBytes)
	if err != nil {
		return nil, err
	}

	result := &NegotiatedSession{}
	for i, om := range offerCap.Media {
		if i >= len(answerCap.Media) {
			break
		}
		am := answerCap.Media[i]

		nm := NegotiatedMedia{
			Type:       om.Type,
			RemoteIP:   mediaAddress(answerDesc, i),
			RemotePort: am.Port,
			Direction:  am.Direction,
			RTCPMux:    om.RTCPMux && am.RTCPMux,
		}

		offerPT := map[string]int{}
		for j, c := range om.Codecs {
			offerPT[c.key()] = offerPTForIndex(om, j)
		}

		for j, c := range am.Codecs {
			sendPT, ok := offerPT[c.key()]
			if !ok {
				continue
			}
			nm.Formats = append(nm.Formats, NegotiatedFormat{
				Codec:  c,
				SendPT: sendPT,
				RecvPT: answerPTForIndex(am, j),
			})
		}

		result.Media = append(result.Media, nm)
	}

	return result, nil
}

func findMedia(media []MediaCapability, mediaType string) (MediaCapability, bool) {
	for _, m := range media {
		if m.Type == mediaType {
			return m, true
		}
	}
	return MediaCapability{}, false
}

// acceptedCodec is one codec of an answer paired with its payload type.
type acceptedCodec struct {
	pt    int
	codec Codec
}

// intersectCodecs computes the RFC 3264 codec intersection for one media
// line, ordered by local preference, returning the payload type each
// accepted codec will use in the answer (the offer's PT for that codec,
// per RFC 3264 section 6.1).
func intersectCodecs(offered, local MediaCapability) []acceptedCodec {
	offerPT := map[string]int{}
	offerCodec := map[string]Codec{}
	for j, c := range offered.Codecs {
		offerPT[c.key()] = offerPTForIndex(offered, j)
		offerCodec[c.key()] = c
	}

	var accepted []acceptedCodec
	for _, lc := range local.Codecs {
		if lc.isTelephoneEvent() {
			continue // handled separately below
		}
		if pt, ok := offerPT[lc.key()]; ok {
			accepted = append(accepted, acceptedCodec{pt: pt, codec: offerCodec[lc.key()]})
		}
	}

	localHasEvents, remoteHasEvents := false, false
	for _, c := range local.Codecs {
		if c.isTelephoneEvent() && c.Clock == 8000 {
			localHasEvents = true
		}
	}
	for _, c := range offered.Codecs {
		if c.isTelephoneEvent() && c.Clock == 8000 {
			remoteHasEvents = true
		}
	}
	if localHasEvents && remoteHasEvents {
		for j, c := range offered.Codecs {
			if c.isTelephoneEvent() && c.Clock == 8000 {
				accepted = append(accepted, acceptedCodec{pt: offerPTForIndex(offered, j), codec: c})
				break
			}
		}
	}

	return accepted
}

func offerPTForIndex(mc MediaCapability, idx int) int {
	alloc := newPTAllocator(mc)
	pt := 0
	for i, c := range mc.Codecs {
		assigned := alloc.assign(c)
		if i == idx {
			pt = assigned
		}
	}
	return pt
}

func answerPTForIndex(mc MediaCapability, idx int) int {
	return offerPTForIndex(mc, idx)
}

func telephoneEventsFmtp(local, offered MediaCapability) string {
	localEvents, remoteEvents := "", ""
	for _, c := range local.Codecs {
		if c.isTelephoneEvent() {
			localEvents = c.Fmtp
		}
	}
	for _, c := range offered.Codecs {
		if c.isTelephoneEvent() {
			remoteEvents = c.Fmtp
		}
	}
	switch {
	case localEvents != "":
		return localEvents
	case remoteEvents != "":
		return remoteEvents
	default:
		return "0-16"
	}
}

func rejectedMedia(om MediaCapability) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   om.Type,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: formatsOf(om),
		},
	}
}

func formatsOf(mc MediaCapability) []string {
	alloc := newPTAllocator(mc)
	fmts := make([]string, 0, len(mc.Codecs))
	for _, c := range mc.Codecs {
		fmts = append(fmts, ptString(alloc.assign(c)))
	}
	return fmts
}

func ptString(pt int) string {
	return fmt.Sprintf("%d", pt)
}

func mediaAddress(desc *sdp.SessionDescription, idx int) string {
	if idx < len(desc.MediaDescriptions) {
		md := desc.MediaDescriptions[idx]
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			return md.ConnectionInformation.Address.Address
		}
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return desc.Origin.UnicastAddress
}
