package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// localTrack is a media source added to the PeerConnection. Disabling it
// detaches the track from its sender so no RTP is produced.
type localTrack struct {
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
}

func (t *localTrack) ID() string                { return t.track.ID() }
func (t *localTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string                { return t.track.ID() }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }

func codecFor(kind webrtc.RTPCodecType) webrtc.RTPCodecCapability {
	if kind == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: OpusFmtp,
	}
}
