// Package callsession coordinates the negotiation and lifetime of one
// peer-to-peer call over a Transport.
//
// Every transport mutation runs on a single Executor. Public operations
// enqueue work there and return a Future. Termination is signalled through an
// atomic TerminationGuard, and every queued closure re-checks it before it
// touches the transport, so teardown can race any operation or engine
// callback without a closure ever reaching a released handle.
package callsession

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/sdphardening"
)

// DefaultDataChannelLabel is the label of the signaling data channel.
const DefaultDataChannelLabel = "signaling"

var errNoVideoTrack = errors.New("session has no local video track")

// Config describes one call session.
type Config struct {
	Role       Role
	ICEServers []webrtc.ICEServer
	RelayOnly  bool
	// EnableVideo adds a local video track next to the audio track.
	EnableVideo bool
	// DataChannelLabel defaults to DefaultDataChannelLabel.
	DataChannelLabel string

	Transport TransportFactory
	Delegate  Delegate
	// CallbackScheduler is where Delegate events run. When nil the coordinator
	// delivers them on a dedicated goroutine.
	CallbackScheduler Scheduler
	// Hardener rewrites locally produced descriptions. Defaults to
	// sdphardening.Harden.
	Hardener func(webrtc.SessionDescription) webrtc.SessionDescription

	// SessionID is used in logs. A random UUID is generated when empty.
	SessionID string
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Coordinator owns the transport of one call session.
//
// Fields below the executor line are only accessed on the executor.
type Coordinator struct {
	id      string
	role    Role
	label   string
	harden  func(webrtc.SessionDescription) webrtc.SessionDescription
	logger  *slog.Logger
	metrics *metrics.Metrics

	guard      TerminationGuard
	state      atomic.Int32
	exec       *Executor
	events     *dispatcher
	terminated *Future[struct{}]

	// executor
	transport        Transport
	audio            Track
	video            Track
	videoEnabled     bool
	channel          DataChannel
	channelOpen      bool
	pending          *PendingMessageQueue
	remoteApplied    bool
	remoteCandidates []webrtc.ICECandidateInit
}

// New builds the transport, adds the local tracks and, for the caller, creates
// the signaling data channel. The session starts in StateNegotiating.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("callsession: transport factory is required")
	}
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id, "role", cfg.Role.String())

	c := &Coordinator{
		id:         id,
		role:       cfg.Role,
		label:      cfg.DataChannelLabel,
		harden:     cfg.Hardener,
		logger:     logger,
		metrics:    cfg.Metrics,
		exec:       NewExecutor(),
		terminated: newFuture[struct{}](),
	}
	if c.label == "" {
		c.label = DefaultDataChannelLabel
	}
	if c.harden == nil {
		c.harden = sdphardening.Harden
	}
	c.pending = NewPendingMessageQueue(logger, cfg.Metrics)
	c.events = newDispatcher(&c.guard, cfg.CallbackScheduler, cfg.Delegate, logger, cfg.Metrics)

	var setupErr error
	c.exec.RunAndWait(func() {
		setupErr = c.setup(cfg)
	})
	if setupErr != nil {
		c.guard.Set()
		c.exec.Stop()
		c.events.close(func() {})
		return nil, setupErr
	}

	c.state.Store(int32(StateNegotiating))
	c.metrics.Inc(metrics.SessionsStarted)
	logger.Info("call session started", "video", cfg.EnableVideo, "relay_only", cfg.RelayOnly, "ice_servers", len(cfg.ICEServers))
	return c, nil
}

func (c *Coordinator) setup(cfg Config) error {
	t, err := cfg.Transport(TransportConfig{ICEServers: cfg.ICEServers, RelayOnly: cfg.RelayOnly}, transportEvents{c})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	audio, err := t.AddLocalTrack(webrtc.RTPCodecTypeAudio)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("add audio track: %w", err)
	}
	var video Track
	if cfg.EnableVideo {
		video, err = t.AddLocalTrack(webrtc.RTPCodecTypeVideo)
		if err != nil {
			_ = t.Close()
			return fmt.Errorf("add video track: %w", err)
		}
	}
	var dc DataChannel
	if cfg.Role == RoleCaller {
		dc, err = t.CreateDataChannel(c.label)
		if err != nil {
			_ = t.Close()
			return fmt.Errorf("create data channel: %w", err)
		}
	}

	c.transport = t
	c.audio = audio
	c.video = video
	c.videoEnabled = video != nil
	if dc != nil {
		c.attachChannel(dc)
	}
	return nil
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) Role() Role { return c.role }

// State may be called from any goroutine.
func (c *Coordinator) State() ConnectionState {
	if c.guard.IsSet() {
		return StateTerminated
	}
	return ConnectionState(c.state.Load())
}

// active reports whether the transport may be used. Executor only.
func (c *Coordinator) active() bool {
	return !c.guard.IsSet() && c.transport != nil
}

// submit runs op on the executor and resolves the returned future with its
// result. op is only invoked while the session is active.
func submit[T any](c *Coordinator, op func(Transport) (T, error)) *Future[T] {
	f := newFuture[T]()
	if c.guard.IsSet() {
		f.fail(ErrSessionTerminated)
		return f
	}
	if !c.exec.Run(func() {
		if !c.active() {
			f.fail(ErrSessionTerminated)
			return
		}
		val, err := op(c.transport)
		if err == nil && !c.active() {
			err = ErrSessionTerminated
		}
		f.resolve(val, err)
	}) {
		f.fail(ErrSessionTerminated)
	}
	return f
}

// CreateOffer asks the transport for an offer and returns it hardened. The
// offer is not applied; pass it to SetLocalDescription.
func (c *Coordinator) CreateOffer() *Future[webrtc.SessionDescription] {
	return submit(c, func(t Transport) (webrtc.SessionDescription, error) {
		offer, err := c.produce(webrtc.SDPTypeOffer, t.CreateOffer)
		if err == nil {
			c.metrics.Inc(metrics.OffersCreated)
		}
		return offer, err
	})
}

// SetLocalDescription applies an already hardened description.
func (c *Coordinator) SetLocalDescription(desc webrtc.SessionDescription) *Future[struct{}] {
	return submit(c, func(t Transport) (struct{}, error) {
		return struct{}{}, c.applyLocal(t, desc)
	})
}

// SetRemoteDescription applies the peer's description as received.
func (c *Coordinator) SetRemoteDescription(desc webrtc.SessionDescription) *Future[struct{}] {
	return submit(c, func(t Transport) (struct{}, error) {
		return struct{}{}, c.applyRemote(t, desc)
	})
}

// NegotiateAnswer applies remoteOffer, creates and hardens an answer, applies
// it locally and returns it. The first failing step aborts the rest.
func (c *Coordinator) NegotiateAnswer(remoteOffer webrtc.SessionDescription) *Future[webrtc.SessionDescription] {
	return submit(c, func(t Transport) (webrtc.SessionDescription, error) {
		var zero webrtc.SessionDescription
		if err := c.applyRemote(t, remoteOffer); err != nil {
			return zero, err
		}
		if !c.active() {
			return zero, ErrSessionTerminated
		}
		answer, err := c.produce(webrtc.SDPTypeAnswer, t.CreateAnswer)
		if err != nil {
			return zero, err
		}
		if err := c.applyLocal(t, answer); err != nil {
			return zero, err
		}
		c.metrics.Inc(metrics.AnswersCreated)
		return answer, nil
	})
}

func (c *Coordinator) produce(kind webrtc.SDPType, create func() (*webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	var zero webrtc.SessionDescription
	desc, err := create()
	if !c.active() {
		return zero, ErrSessionTerminated
	}
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailures)
		c.logger.Warn("transport failed to create description", "type", kind.String(), "err", err)
		return zero, fmt.Errorf("%w: create %s: %w", ErrNegotiationFailed, kind, err)
	}
	if desc == nil {
		c.metrics.Inc(metrics.ProtocolViolations)
		c.logger.Error("transport produced no description without reporting an error", "type", kind.String())
		return zero, fmt.Errorf("%w: %w: create %s returned no description", ErrNegotiationFailed, ErrProtocolViolation, kind)
	}
	return c.harden(*desc), nil
}

func (c *Coordinator) applyLocal(t Transport, desc webrtc.SessionDescription) error {
	err := t.SetLocalDescription(desc)
	if !c.active() {
		return ErrSessionTerminated
	}
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailures)
		c.logger.Warn("failed to apply local description", "type", desc.Type.String(), "err", err)
		return fmt.Errorf("%w: set local %s: %w", ErrNegotiationFailed, desc.Type, err)
	}
	c.logger.Debug("applied local description", "type", desc.Type.String())
	return nil
}

func (c *Coordinator) applyRemote(t Transport, desc webrtc.SessionDescription) error {
	err := t.SetRemoteDescription(desc)
	if !c.active() {
		return ErrSessionTerminated
	}
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailures)
		c.logger.Warn("failed to apply remote description", "type", desc.Type.String(), "err", err)
		return fmt.Errorf("%w: set remote %s: %w", ErrNegotiationFailed, desc.Type, err)
	}
	c.logger.Debug("applied remote description", "type", desc.Type.String())
	if desc.Type != webrtc.SDPTypePranswer {
		c.remoteApplied = true
		c.flushRemoteCandidates(t)
	}
	return nil
}

// AddRemoteICECandidate hands a peer candidate to the transport. Candidates
// that arrive before the remote description are held until it is applied.
func (c *Coordinator) AddRemoteICECandidate(candidate webrtc.ICECandidateInit) {
	if c.guard.IsSet() {
		c.metrics.Inc(metrics.RemoteCandidatesDropped)
		return
	}
	if !c.exec.Run(func() {
		if !c.active() {
			c.metrics.Inc(metrics.RemoteCandidatesDropped)
			return
		}
		if !c.remoteApplied {
			c.remoteCandidates = append(c.remoteCandidates, candidate)
			return
		}
		c.addRemoteCandidate(c.transport, candidate)
	}) {
		c.metrics.Inc(metrics.RemoteCandidatesDropped)
	}
}

func (c *Coordinator) flushRemoteCandidates(t Transport) {
	held := c.remoteCandidates
	c.remoteCandidates = nil
	for _, cand := range held {
		if !c.active() {
			return
		}
		c.addRemoteCandidate(t, cand)
	}
}

func (c *Coordinator) addRemoteCandidate(t Transport, candidate webrtc.ICECandidateInit) {
	if err := t.AddICECandidate(candidate); err != nil {
		c.metrics.Inc(metrics.RemoteCandidatesDropped)
		c.logger.Debug("transport rejected remote candidate", "err", err)
	}
}

// SendMessage sends payload over the signaling data channel, or queues it
// until the channel opens. The future of a non-critical message always
// resolves with nil. A critical message resolves with ErrDeliveryFailed if it
// could not be sent.
func (c *Coordinator) SendMessage(payload []byte, description string, critical bool) *Future[struct{}] {
	f := newFuture[struct{}]()
	msg := PendingMessage{
		Payload:     bytes.Clone(payload),
		Description: description,
		Critical:    critical,
		result:      f,
	}
	if c.guard.IsSet() {
		msg.settle(ErrSessionTerminated, c.logger, c.metrics)
		return f
	}
	if !c.exec.Run(func() {
		if !c.active() {
			msg.settle(ErrSessionTerminated, c.logger, c.metrics)
			return
		}
		if c.channel != nil && c.channelOpen {
			msg.deliver(c.channel.Send, c.logger, c.metrics)
			return
		}
		c.pending.Enqueue(msg)
	}) {
		msg.settle(ErrSessionTerminated, c.logger, c.metrics)
	}
	return f
}

// SetAudioEnabled mutes or unmutes the local audio track.
func (c *Coordinator) SetAudioEnabled(enabled bool) *Future[struct{}] {
	return submit(c, func(t Transport) (struct{}, error) {
		if err := t.SetTrackEnabled(c.audio, enabled); err != nil {
			return struct{}{}, fmt.Errorf("set audio enabled=%t: %w", enabled, err)
		}
		return struct{}{}, nil
	})
}

// SetLocalVideoEnabled starts or stops sending local video. A change is
// reported through LocalVideoTrackChanged.
func (c *Coordinator) SetLocalVideoEnabled(enabled bool) *Future[struct{}] {
	return submit(c, func(t Transport) (struct{}, error) {
		if c.video == nil {
			return struct{}{}, errNoVideoTrack
		}
		if c.videoEnabled == enabled {
			return struct{}{}, nil
		}
		if err := t.SetTrackEnabled(c.video, enabled); err != nil {
			return struct{}{}, fmt.Errorf("set video enabled=%t: %w", enabled, err)
		}
		if !c.active() {
			return struct{}{}, ErrSessionTerminated
		}
		c.videoEnabled = enabled
		var track Track
		if enabled {
			track = c.video
		}
		c.events.dispatch("local_video_track_changed", func(d Delegate) { d.LocalVideoTrackChanged(track) })
		return struct{}{}, nil
	})
}

// Terminate tears the session down. It may be called any number of times
// from any goroutine; every call returns the same future. The future resolves
// once the transport has been released and no further delegate event can be
// delivered.
//
// Waiting on the future from inside a delegate callback running on the
// callback context deadlocks.
func (c *Coordinator) Terminate() *Future[struct{}] {
	if c.guard.Set() {
		c.logger.Info("terminating call session", "state", ConnectionState(c.state.Load()).String())
		if !c.exec.Run(c.teardown) {
			c.terminated.resolve(struct{}{}, nil)
		}
	}
	return c.terminated
}

func (c *Coordinator) teardown() {
	t := c.transport
	c.transport = nil

	if t != nil {
		for _, track := range []Track{c.audio, c.video} {
			if track == nil {
				continue
			}
			if err := t.SetTrackEnabled(track, false); err != nil {
				c.logger.Debug("failed to disable track", "track", track.ID(), "err", err)
			}
		}
	}
	if dc := c.channel; dc != nil {
		detachChannel(dc)
		if err := dc.Close(); err != nil {
			c.logger.Debug("failed to close data channel", "err", err)
		}
	}
	c.pending.Close(ErrSessionTerminated)
	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Warn("failed to close transport", "err", err)
		}
	}

	c.audio = nil
	c.video = nil
	c.channel = nil
	c.channelOpen = false
	c.remoteCandidates = nil
	c.state.Store(int32(StateTerminated))
	c.metrics.Inc(metrics.SessionsTerminated)

	c.exec.Stop()
	c.events.close(func() {
		c.logger.Info("call session terminated")
		c.terminated.resolve(struct{}{}, nil)
	})
}

func detachChannel(dc DataChannel) {
	dc.OnOpen(func() {})
	dc.OnMessage(func([]byte) {})
	dc.OnClose(func() {})
}

// post runs fn on the executor while the session is still active. Engine
// callbacks go through here.
func (c *Coordinator) post(fn func()) {
	if c.guard.IsSet() {
		return
	}
	c.exec.Run(func() {
		if !c.active() {
			return
		}
		fn()
	})
}

// transition moves the state forward and reports whether it changed. Terminal
// states are never left.
func (c *Coordinator) transition(to ConnectionState) bool {
	from := ConnectionState(c.state.Load())
	if from == to || from.Terminal() {
		return false
	}
	c.state.Store(int32(to))
	c.logger.Info("call state changed", "from", from.String(), "to", to.String())
	return true
}

func (c *Coordinator) handleICEConnectionState(s webrtc.ICEConnectionState) {
	c.logger.Debug("ice connection state", "state", s.String())
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if c.transition(StateConnected) {
			c.metrics.Inc(metrics.ICEConnected)
			c.events.dispatch("ice_connected", Delegate.ICEConnected)
		}
	case webrtc.ICEConnectionStateDisconnected:
		if ConnectionState(c.state.Load()) != StateConnected {
			return
		}
		if c.transition(StateDisconnected) {
			c.metrics.Inc(metrics.ICEDisconnected)
			c.events.dispatch("ice_disconnected", Delegate.ICEDisconnected)
		}
	case webrtc.ICEConnectionStateFailed:
		if c.transition(StateFailed) {
			c.metrics.Inc(metrics.ICEFailed)
			c.events.dispatch("ice_failed", Delegate.ICEFailed)
		}
	}
}

func (c *Coordinator) handleLocalCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil {
		c.logger.Debug("local ice gathering complete")
		return
	}
	cand := *candidate
	c.events.dispatch("local_ice_candidate", func(d Delegate) { d.LocalICECandidateGenerated(cand) })
}

func (c *Coordinator) handleRemoteChannel(dc DataChannel) {
	if c.role != RoleCallee || dc.Label() != c.label || c.channel != nil {
		c.metrics.Inc(metrics.DataChannelRejected)
		c.logger.Warn("rejecting remote data channel", "label", dc.Label(), "expected_label", c.label, "have_channel", c.channel != nil)
		_ = dc.Close()
		return
	}
	c.channel = dc
}

func (c *Coordinator) attachChannel(dc DataChannel) {
	c.channel = dc
	c.bindChannel(dc)
}

// bindChannel routes dc's events onto the executor. Events from a channel that
// is not the session's channel are ignored there.
func (c *Coordinator) bindChannel(dc DataChannel) {
	dc.OnOpen(func() {
		c.post(func() { c.handleChannelOpen(dc) })
	})
	dc.OnMessage(func(data []byte) {
		payload := bytes.Clone(data)
		c.post(func() {
			if c.channel != dc {
				return
			}
			c.metrics.Inc(metrics.DataChannelMessagesIn)
			c.events.dispatch("datachannel_message", func(d Delegate) { d.DataChannelMessageReceived(payload) })
		})
	})
	dc.OnClose(func() {
		c.post(func() {
			if c.channel == dc {
				c.channelOpen = false
				c.logger.Info("data channel closed", "label", dc.Label())
			}
		})
	})
}

func (c *Coordinator) handleChannelOpen(dc DataChannel) {
	if c.channel != dc || c.channelOpen {
		return
	}
	c.channelOpen = true
	c.logger.Info("data channel open", "label", dc.Label(), "queued", c.pending.Len())
	c.events.dispatch("datachannel_open", Delegate.DataChannelOpened)
	c.pending.DrainInto(dc.Send)
}

func (c *Coordinator) handleRemoteTrack(track Track, ended bool) {
	c.logger.Info("remote track", "kind", track.Kind().String(), "id", track.ID(), "ended", ended)
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	var current Track
	if !ended {
		current = track
	}
	c.events.dispatch("remote_video_track_changed", func(d Delegate) { d.RemoteVideoTrackChanged(current) })
}

// transportEvents re-posts engine callbacks onto the executor.
type transportEvents struct {
	c *Coordinator
}

func (e transportEvents) OnICECandidate(candidate *webrtc.ICECandidateInit) {
	e.c.post(func() { e.c.handleLocalCandidate(candidate) })
}

func (e transportEvents) OnICEConnectionStateChange(s webrtc.ICEConnectionState) {
	e.c.post(func() { e.c.handleICEConnectionState(s) })
}

func (e transportEvents) OnDataChannel(dc DataChannel) {
	if e.c.guard.IsSet() {
		_ = dc.Close()
		return
	}
	// The engine delivers messages as soon as this returns, so the handlers
	// are bound here. handleRemoteChannel is posted first and runs before any
	// closure they post.
	e.c.post(func() { e.c.handleRemoteChannel(dc) })
	e.c.bindChannel(dc)
}

func (e transportEvents) OnRemoteTrack(track Track) {
	e.c.post(func() { e.c.handleRemoteTrack(track, false) })
}

func (e transportEvents) OnRemoteTrackEnded(track Track) {
	e.c.post(func() { e.c.handleRemoteTrack(track, true) })
}
