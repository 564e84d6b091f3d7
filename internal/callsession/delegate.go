package callsession

import "github.com/pion/webrtc/v4"

// Delegate receives session events on the coordinator's callback context, in
// the order they were produced. A nil track means the previous one is gone.
type Delegate interface {
	ICEConnected()
	ICEFailed()
	ICEDisconnected()
	LocalVideoTrackChanged(track Track)
	RemoteVideoTrackChanged(track Track)
	DataChannelMessageReceived(payload []byte)
	LocalICECandidateGenerated(candidate webrtc.ICECandidateInit)
	DataChannelOpened()
}

// DelegateFuncs adapts optional functions to Delegate. Nil fields ignore their
// event.
type DelegateFuncs struct {
	OnICEConnected               func()
	OnICEFailed                  func()
	OnICEDisconnected            func()
	OnLocalVideoTrackChanged     func(Track)
	OnRemoteVideoTrackChanged    func(Track)
	OnDataChannelMessageReceived func([]byte)
	OnLocalICECandidateGenerated func(webrtc.ICECandidateInit)
	OnDataChannelOpened          func()
}

var _ Delegate = DelegateFuncs{}

func (d DelegateFuncs) ICEConnected() {
	if d.OnICEConnected != nil {
		d.OnICEConnected()
	}
}

func (d DelegateFuncs) ICEFailed() {
	if d.OnICEFailed != nil {
		d.OnICEFailed()
	}
}

func (d DelegateFuncs) ICEDisconnected() {
	if d.OnICEDisconnected != nil {
		d.OnICEDisconnected()
	}
}

func (d DelegateFuncs) LocalVideoTrackChanged(track Track) {
	if d.OnLocalVideoTrackChanged != nil {
		d.OnLocalVideoTrackChanged(track)
	}
}

func (d DelegateFuncs) RemoteVideoTrackChanged(track Track) {
	if d.OnRemoteVideoTrackChanged != nil {
		d.OnRemoteVideoTrackChanged(track)
	}
}

func (d DelegateFuncs) DataChannelMessageReceived(payload []byte) {
	if d.OnDataChannelMessageReceived != nil {
		d.OnDataChannelMessageReceived(payload)
	}
}

func (d DelegateFuncs) LocalICECandidateGenerated(candidate webrtc.ICECandidateInit) {
	if d.OnLocalICECandidateGenerated != nil {
		d.OnLocalICECandidateGenerated(candidate)
	}
}

func (d DelegateFuncs) DataChannelOpened() {
	if d.OnDataChannelOpened != nil {
		d.OnDataChannelOpened()
	}
}
