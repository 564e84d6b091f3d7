// Package sdphardening rewrites locally produced session descriptions so they
// satisfy the call's media policy before they are applied or sent to a peer.
//
// Hardening is a pure transform. Descriptions that do not contain anything the
// policy rewrites are returned unchanged. Descriptions that fail to parse are
// rewritten line by line.
package sdphardening

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const (
	// AudioLevelExtensionURI is the RTP header extension that leaks the
	// speaking level of each audio packet to anyone observing the stream.
	AudioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

	// DefaultCBRCodec is the audio codec forced into constant bitrate mode.
	DefaultCBRCodec = "opus"

	// DefaultCBRPayloadType is used when the description carries an fmtp line
	// without a matching rtpmap.
	DefaultCBRPayloadType uint8 = 111

	cbrParam = "cbr=1"
)

// Hardener holds the rewrite policy. The zero value applies no rewrites; use
// Default for the production policy.
type Hardener struct {
	// CBRCodec names the codec (matched against rtpmap encoding names,
	// case-insensitively) whose fmtp lines must carry cbr=1.
	CBRCodec string
	// CBRFallbackPayloadType is treated as CBRCodec when no rtpmap describes it.
	CBRFallbackPayloadType uint8
	// StripExtensions lists RTP header extension URIs whose extmap lines are
	// removed.
	StripExtensions []string
}

// Default is the policy applied to every local offer and answer.
var Default = Hardener{
	CBRCodec:               DefaultCBRCodec,
	CBRFallbackPayloadType: DefaultCBRPayloadType,
	StripExtensions:        []string{AudioLevelExtensionURI},
}

// Harden applies the Default policy.
func Harden(desc webrtc.SessionDescription) webrtc.SessionDescription {
	return Default.Harden(desc)
}

// Harden returns desc with the policy applied. The description type is never
// changed.
func (h Hardener) Harden(desc webrtc.SessionDescription) webrtc.SessionDescription {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		if out, changed := h.hardenLines(desc.SDP); changed {
			return webrtc.SessionDescription{Type: desc.Type, SDP: out}
		}
		return desc
	}

	changed := false

	if attrs, stripped := h.stripExtensions(parsed.Attributes); stripped {
		parsed.Attributes = attrs
		changed = true
	}

	for _, media := range parsed.MediaDescriptions {
		if attrs, stripped := h.stripExtensions(media.Attributes); stripped {
			media.Attributes = attrs
			changed = true
		}
		if media.MediaName.Media != "audio" || h.CBRCodec == "" {
			continue
		}
		for i, attr := range media.Attributes {
			if attr.Key != "fmtp" {
				continue
			}
			pt, params, ok := splitFmtp(attr.Value)
			if !ok || !h.isCBRPayloadType(&parsed, pt) || hasCBRParam(params) {
				continue
			}
			media.Attributes[i].Value = appendFmtpParam(attr.Value, params)
			changed = true
		}
	}

	if !changed {
		return desc
	}

	out, err := parsed.Marshal()
	if err != nil {
		return desc
	}
	return webrtc.SessionDescription{Type: desc.Type, SDP: string(out)}
}

// hardenLines applies the policy to raw text that pion/sdp rejected. fmtp
// lines are rewritten unless they sit in a media section other than audio.
func (h Hardener) hardenLines(raw string) (string, bool) {
	lines := strings.SplitAfter(raw, "\n")

	codecs := make(map[uint8]string)
	for _, line := range lines {
		value, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "a=rtpmap:")
		if !ok {
			continue
		}
		ptStr, encoding, _ := strings.Cut(strings.TrimSpace(value), " ")
		pt, err := strconv.ParseUint(ptStr, 10, 8)
		if err != nil {
			continue
		}
		name, _, _ := strings.Cut(encoding, "/")
		codecs[uint8(pt)] = name
	}

	var b strings.Builder
	changed := false
	media := ""
	for _, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		eol := line[len(body):]

		if m, ok := strings.CutPrefix(body, "m="); ok {
			media, _, _ = strings.Cut(m, " ")
		}
		if value, ok := strings.CutPrefix(body, "a=extmap:"); ok && len(h.StripExtensions) > 0 && h.isStrippedExtension(value) {
			changed = true
			continue
		}
		if value, ok := strings.CutPrefix(body, "a=fmtp:"); ok && h.CBRCodec != "" && (media == "" || media == "audio") {
			pt, params, ok := splitFmtp(value)
			if ok && h.isCBRName(codecs, pt) && !hasCBRParam(params) {
				b.WriteString("a=fmtp:" + appendFmtpParam(value, params) + eol)
				changed = true
				continue
			}
		}
		b.WriteString(line)
	}
	return b.String(), changed
}

func (h Hardener) isCBRName(codecs map[uint8]string, pt uint8) bool {
	name, ok := codecs[pt]
	if !ok || name == "" {
		return pt == h.CBRFallbackPayloadType
	}
	return strings.EqualFold(name, h.CBRCodec)
}

func (h Hardener) stripExtensions(attrs []sdp.Attribute) ([]sdp.Attribute, bool) {
	if len(h.StripExtensions) == 0 {
		return attrs, false
	}
	kept := attrs[:0:0]
	stripped := false
	for _, attr := range attrs {
		if attr.Key == "extmap" && h.isStrippedExtension(attr.Value) {
			stripped = true
			continue
		}
		kept = append(kept, attr)
	}
	if !stripped {
		return attrs, false
	}
	return kept, true
}

func (h Hardener) isStrippedExtension(extmapValue string) bool {
	fields := strings.Fields(extmapValue)
	if len(fields) < 2 {
		return false
	}
	for _, uri := range h.StripExtensions {
		if fields[1] == uri {
			return true
		}
	}
	return false
}

func (h Hardener) isCBRPayloadType(parsed *sdp.SessionDescription, pt uint8) bool {
	codec, err := parsed.GetCodecForPayloadType(pt)
	if err != nil || codec.Name == "" {
		return pt == h.CBRFallbackPayloadType
	}
	return strings.EqualFold(codec.Name, h.CBRCodec)
}

// splitFmtp splits "111 minptime=10;useinbandfec=1" into its payload type and
// parameter list.
func splitFmtp(value string) (uint8, string, bool) {
	ptStr, params, _ := strings.Cut(strings.TrimSpace(value), " ")
	pt, err := strconv.ParseUint(ptStr, 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(params), true
}

func hasCBRParam(params string) bool {
	for _, p := range strings.Split(params, ";") {
		if strings.HasPrefix(strings.TrimSpace(p), "cbr=") {
			return true
		}
	}
	return false
}

func appendFmtpParam(value, params string) string {
	value = strings.TrimRight(value, " ;")
	if params == "" {
		return value + " " + cbrParam
	}
	return value + ";" + cbrParam
}
