package callsession

import "github.com/pion/webrtc/v4"

// Transport is the media engine behind one call. Implementations need not be
// safe for concurrent use; the coordinator only calls them from its executor.
type Transport interface {
	// CreateOffer and CreateAnswer return the engine's description. A nil
	// description with a nil error is a protocol violation.
	CreateOffer() (*webrtc.SessionDescription, error)
	CreateAnswer() (*webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	CreateDataChannel(label string) (DataChannel, error)
	AddLocalTrack(kind webrtc.RTPCodecType) (Track, error)
	SetTrackEnabled(track Track, enabled bool) error

	Close() error
}

// TransportObserver receives engine callbacks. They may arrive on any
// goroutine.
type TransportObserver interface {
	// OnICECandidate is called with nil once gathering has finished.
	OnICECandidate(*webrtc.ICECandidateInit)
	OnICEConnectionStateChange(webrtc.ICEConnectionState)
	OnDataChannel(DataChannel)
	OnRemoteTrack(Track)
	OnRemoteTrackEnded(Track)
}

// TransportConfig carries the per-session engine parameters.
type TransportConfig struct {
	ICEServers []webrtc.ICEServer
	// RelayOnly restricts ICE to TURN relay candidates.
	RelayOnly bool
}

// TransportFactory builds the engine for one session. observer must be
// registered before the factory returns.
type TransportFactory func(cfg TransportConfig, observer TransportObserver) (Transport, error)

// DataChannel is an ordered, reliable message channel negotiated over the
// transport.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	// OnOpen fires once the channel can carry messages. Implementations invoke
	// handlers registered after the channel opened as well.
	OnOpen(func())
	// OnMessage handlers may be passed a buffer that is reused after return.
	OnMessage(func(data []byte))
	OnClose(func())
	Close() error
}

// Track is a local or remote media track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}
