package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

var errForeignTrack = errors.New("track was not created by this transport")

// Options configure every Transport built by a factory.
type Options struct {
	// MaxMessageBytes caps DataChannel messages in both directions. 0 disables
	// the cap.
	MaxMessageBytes int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// NewTransportFactory returns a callsession.TransportFactory that builds one
// pion PeerConnection per call from api.
func NewTransportFactory(api *webrtc.API, opts Options) callsession.TransportFactory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(cfg callsession.TransportConfig, observer callsession.TransportObserver) (callsession.Transport, error) {
		return newTransport(api, cfg, observer, opts)
	}
}

// Transport drives a pion PeerConnection for one call.
//
// pion refuses a local description whose text differs from the one it
// created. SetLocalDescription therefore applies the engine's own description
// for that type; the media engine is configured so that the text handed to
// the peer carries the same codec parameters.
type Transport struct {
	pc       *webrtc.PeerConnection
	streamID string
	opts     Options
	logger   *slog.Logger

	created map[webrtc.SDPType]webrtc.SessionDescription
}

func newTransport(api *webrtc.API, cfg callsession.TransportConfig, observer callsession.TransportObserver, opts Options) (*Transport, error) {
	if api == nil {
		var err error
		api, err = NewAPIWithSettingEngine(webrtc.SettingEngine{})
		if err != nil {
			return nil, err
		}
	}
	pc, err := newPeerConnection(api, cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{
		pc:       pc,
		streamID: uuid.NewString(),
		opts:     opts,
		logger:   opts.Logger,
		created:  make(map[webrtc.SDPType]webrtc.SessionDescription),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			observer.OnICECandidate(nil)
			return
		}
		init := c.ToJSON()
		observer.OnICECandidate(&init)
	})
	pc.OnICEConnectionStateChange(observer.OnICEConnectionStateChange)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateSignalingDataChannel(dc); err != nil {
			opts.Metrics.Inc(metrics.DataChannelRejected)
			t.logger.Warn("rejecting datachannel",
				"reason", rejectionReason(dc),
				"label", dc.Label(),
				"ordered", dc.Ordered(),
				"err", err,
			)
			_ = dc.Close()
			return
		}
		observer.OnDataChannel(newDataChannel(dc, opts.MaxMessageBytes, t.logger, opts.Metrics))
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{track: tr}
		observer.OnRemoteTrack(rt)
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := tr.Read(buf); err != nil {
					observer.OnRemoteTrackEnded(rt)
					return
				}
			}
		}()
	})

	return t, nil
}

func (t *Transport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

func (t *Transport) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	t.created[offer.Type] = offer
	return &offer, nil
}

func (t *Transport) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	t.created[answer.Type] = answer
	return &answer, nil
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	if engine, ok := t.created[desc.Type]; ok && engine.SDP != desc.SDP {
		t.logger.Debug("applying engine description in place of rewritten text", "type", desc.Type.String())
		desc = engine
	}
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *Transport) CreateDataChannel(label string) (callsession.DataChannel, error) {
	// A nil init yields an ordered, fully reliable channel.
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return newDataChannel(dc, t.opts.MaxMessageBytes, t.logger, t.opts.Metrics), nil
}

func (t *Transport) AddLocalTrack(kind webrtc.RTPCodecType) (callsession.Track, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), kind.String(), t.streamID)
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Interceptors only run while RTCP is being read.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &localTrack{track: track, sender: sender}, nil
}

func (t *Transport) SetTrackEnabled(track callsession.Track, enabled bool) error {
	lt, ok := track.(*localTrack)
	if !ok {
		return errForeignTrack
	}
	if enabled {
		return lt.sender.ReplaceTrack(lt.track)
	}
	return lt.sender.ReplaceTrack(nil)
}

func (t *Transport) Close() error {
	return t.pc.Close()
}
