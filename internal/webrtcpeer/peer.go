package webrtcpeer

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
)

// newPeerConnection constructs the PeerConnection for one call. Relay-only
// sessions never gather host or server-reflexive candidates.
func newPeerConnection(api *webrtc.API, cfg callsession.TransportConfig) (*webrtc.PeerConnection, error) {
	pcCfg := webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	}
	if cfg.RelayOnly {
		pcCfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return api.NewPeerConnection(pcCfg)
}
