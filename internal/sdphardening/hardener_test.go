package sdphardening

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func sdpLines(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var sessionHeader = []string{
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
}

func audioOffer(extra ...string) string {
	lines := append([]string{}, sessionHeader...)
	lines = append(lines,
		"m=audio 9 UDP/TLS/RTP/SAVPF 111 126",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1",
		"a=rtpmap:126 telephone-event/8000",
		"a=fmtp:126 0-15",
	)
	lines = append(lines, extra...)
	return sdpLines(lines...)
}

func TestHardenForcesCBRAndStripsAudioLevel(t *testing.T) {
	in := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: audioOffer()}
	out := Harden(in)

	if out.Type != webrtc.SDPTypeOffer {
		t.Fatalf("type=%v, want offer", out.Type)
	}
	if !strings.Contains(out.SDP, "a=fmtp:111 minptime=10;useinbandfec=1;cbr=1") {
		t.Fatalf("opus fmtp missing cbr=1:\n%s", out.SDP)
	}
	if strings.Contains(out.SDP, AudioLevelExtensionURI) {
		t.Fatalf("audio level extension not stripped:\n%s", out.SDP)
	}
	if !strings.Contains(out.SDP, "abs-send-time") {
		t.Fatalf("unrelated extmap was removed:\n%s", out.SDP)
	}
	if strings.Contains(out.SDP, "a=fmtp:126 0-15;cbr=1") {
		t.Fatalf("non-opus fmtp was rewritten:\n%s", out.SDP)
	}
}

func TestHardenIsIdempotent(t *testing.T) {
	inputs := []webrtc.SessionDescription{
		{Type: webrtc.SDPTypeOffer, SDP: audioOffer()},
		{Type: webrtc.SDPTypeAnswer, SDP: audioOffer("a=sendrecv")},
		{Type: webrtc.SDPTypeOffer, SDP: sdpLines(append(append([]string{}, sessionHeader...),
			"m=audio 9 UDP/TLS/RTP/SAVPF 111",
			"c=IN IP4 0.0.0.0",
			"a=fmtp:111 minptime=10",
		)...)},
		{Type: webrtc.SDPTypeOffer, SDP: "not an sdp"},
		{Type: webrtc.SDPTypeOffer, SDP: ""},
	}

	for i, in := range inputs {
		once := Harden(in)
		twice := Harden(once)
		if once != twice {
			t.Fatalf("input %d: harden is not idempotent\nonce:\n%s\ntwice:\n%s", i, once.SDP, twice.SDP)
		}
	}
}

func TestHardenLeavesCompliantDescriptionUntouched(t *testing.T) {
	raw := sdpLines(append(append([]string{}, sessionHeader...),
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1;cbr=1",
	)...)
	in := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw}

	if out := Harden(in); out.SDP != raw {
		t.Fatalf("compliant description was rewritten:\n%s", out.SDP)
	}
}

func TestHardenRewritesUnparseableInputLineByLine(t *testing.T) {
	raw := "a=fmtp:111 minptime=10\r\na=extmap:1 " + AudioLevelExtensionURI + "\r\na=extmap:2 urn:example\r\n"
	in := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}

	out := Harden(in)
	want := "a=fmtp:111 minptime=10;cbr=1\r\na=extmap:2 urn:example\r\n"
	if out.SDP != want {
		t.Fatalf("got %q, want %q", out.SDP, want)
	}
	if out.Type != webrtc.SDPTypeOffer {
		t.Fatalf("type=%v, want offer", out.Type)
	}
	if again := Harden(out); again != out {
		t.Fatalf("line rewrite is not idempotent: %q", again.SDP)
	}
}

func TestHardenLineFallbackRespectsCodecAndSection(t *testing.T) {
	raw := strings.Join([]string{
		"garbage line",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111 126",
		"a=rtpmap:126 telephone-event/8000",
		"a=fmtp:126 0-15",
		"a=rtpmap:111 OPUS/48000/2",
		"a=fmtp:111 minptime=10",
		"m=video 9 UDP/TLS/RTP/SAVPF 111",
		"a=fmtp:111 x=1",
	}, "\n")
	out := Harden(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw})

	if !strings.Contains(out.SDP, "a=fmtp:111 minptime=10;cbr=1\n") {
		t.Fatalf("audio opus fmtp not rewritten:\n%s", out.SDP)
	}
	if !strings.Contains(out.SDP, "a=fmtp:126 0-15\n") {
		t.Fatalf("non-opus fmtp rewritten:\n%s", out.SDP)
	}
	if !strings.HasSuffix(out.SDP, "a=fmtp:111 x=1") {
		t.Fatalf("video fmtp rewritten:\n%s", out.SDP)
	}
}

func TestHardenPassesThroughUnparseableInputWithoutMatches(t *testing.T) {
	raw := "not an sdp\r\na=fmtp:111 minptime=10;cbr=1\r\n"
	in := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw}

	if out := Harden(in); out.SDP != raw {
		t.Fatalf("description without matches was rewritten: %q", out.SDP)
	}
}

func TestHardenFallsBackToDefaultPayloadTypeWithoutRtpmap(t *testing.T) {
	raw := sdpLines(append(append([]string{}, sessionHeader...),
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=fmtp:111",
	)...)
	out := Harden(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: raw})

	if !strings.Contains(out.SDP, "a=fmtp:111 cbr=1") {
		t.Fatalf("expected cbr=1 on bare fmtp:\n%s", out.SDP)
	}
}

func TestHardenStripsSessionLevelExtension(t *testing.T) {
	lines := append([]string{}, sessionHeader...)
	lines = append(lines,
		"a=extmap:3 "+AudioLevelExtensionURI,
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 VP8/90000",
	)
	out := Harden(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpLines(lines...)})

	if strings.Contains(out.SDP, AudioLevelExtensionURI) {
		t.Fatalf("session-level extmap not stripped:\n%s", out.SDP)
	}
	if !strings.Contains(out.SDP, "a=rtpmap:96 VP8/90000") {
		t.Fatalf("video media section lost:\n%s", out.SDP)
	}
}

func TestZeroHardenerIsPassThrough(t *testing.T) {
	in := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: audioOffer()}
	if out := (Hardener{}).Harden(in); out != in {
		t.Fatalf("zero hardener rewrote description:\n%s", out.SDP)
	}
}
