package callsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

const rawOfferSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n"

var errFakeTransport = errors.New("fake transport failure")

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeChannel struct {
	label string

	mu        sync.Mutex
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	sent      [][]byte
	sendErr   error
	closed    bool
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) receive(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *fakeChannel) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, string(m))
	}
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport records every call and flags any overlap between them.
type fakeTransport struct {
	cfg      TransportConfig
	observer TransportObserver

	inFlight atomic.Int32
	overlap  atomic.Bool

	mu         sync.Mutex
	calls      []string
	closeCount int
	enabled    map[string]bool
	candidates []webrtc.ICECandidateInit
	channel    *fakeChannel

	offer       *webrtc.SessionDescription
	offerErr    error
	answer      *webrtc.SessionDescription
	setLocalErr error

	// offerEntered is closed when CreateOffer starts; offerGate, when set,
	// blocks CreateOffer until it is closed.
	offerEntered chan struct{}
	offerGate    chan struct{}
}

func newFakeTransport() *fakeTransport {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: rawOfferSDP}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: strings.Replace(rawOfferSDP, "a=mid:0", "a=mid:0\r\na=setup:active", 1)}
	return &fakeTransport{
		enabled:      make(map[string]bool),
		offer:        &offer,
		answer:       &answer,
		offerEntered: make(chan struct{}),
	}
}

func (t *fakeTransport) factory() TransportFactory {
	return func(cfg TransportConfig, observer TransportObserver) (Transport, error) {
		t.cfg = cfg
		t.observer = observer
		return t, nil
	}
}

func (t *fakeTransport) enter(call string) func() {
	if t.inFlight.Add(1) > 1 {
		t.overlap.Store(true)
	}
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
	// Widen the window in which an overlapping call would be observed.
	time.Sleep(50 * time.Microsecond)
	return func() { t.inFlight.Add(-1) }
}

func (t *fakeTransport) callLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTransport) called(name string) bool {
	for _, c := range t.callLog() {
		if c == name {
			return true
		}
	}
	return false
}

func (t *fakeTransport) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

func (t *fakeTransport) CreateOffer() (*webrtc.SessionDescription, error) {
	defer t.enter("create_offer")()
	select {
	case <-t.offerEntered:
	default:
		close(t.offerEntered)
	}
	if t.offerGate != nil {
		<-t.offerGate
	}
	return t.offer, t.offerErr
}

func (t *fakeTransport) CreateAnswer() (*webrtc.SessionDescription, error) {
	defer t.enter("create_answer")()
	return t.answer, nil
}

func (t *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error {
	defer t.enter("set_local")()
	return t.setLocalErr
}

func (t *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	defer t.enter("set_remote")()
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	defer t.enter("add_candidate")()
	t.mu.Lock()
	t.candidates = append(t.candidates, c)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CreateDataChannel(label string) (DataChannel, error) {
	defer t.enter("create_datachannel")()
	ch := newFakeChannel(label)
	t.mu.Lock()
	t.channel = ch
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) AddLocalTrack(kind webrtc.RTPCodecType) (Track, error) {
	defer t.enter("add_track_" + kind.String())()
	return &fakeTrack{id: "local-" + kind.String(), kind: kind}, nil
}

func (t *fakeTransport) SetTrackEnabled(track Track, enabled bool) error {
	defer t.enter(fmt.Sprintf("enable_%s_%t", track.Kind(), enabled))()
	t.mu.Lock()
	t.enabled[track.ID()] = enabled
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	defer t.enter("close")()
	t.mu.Lock()
	t.closeCount++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) dataChannel() *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel
}

// eventLog is a Delegate that records event names.
type eventLog struct {
	mu       sync.Mutex
	events   []string
	messages [][]byte
	tracks   []Track
}

func (l *eventLog) add(name string) {
	l.mu.Lock()
	l.events = append(l.events, name)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) ICEConnected()    { l.add("connected") }
func (l *eventLog) ICEFailed()       { l.add("failed") }
func (l *eventLog) ICEDisconnected() { l.add("disconnected") }
func (l *eventLog) DataChannelOpened() {
	l.add("channel_open")
}

func (l *eventLog) LocalVideoTrackChanged(track Track) {
	l.mu.Lock()
	l.tracks = append(l.tracks, track)
	l.mu.Unlock()
	if track == nil {
		l.add("local_video_off")
		return
	}
	l.add("local_video_on")
}

func (l *eventLog) RemoteVideoTrackChanged(track Track) {
	if track == nil {
		l.add("remote_video_off")
		return
	}
	l.add("remote_video_on")
}

func (l *eventLog) DataChannelMessageReceived(payload []byte) {
	l.mu.Lock()
	l.messages = append(l.messages, payload)
	l.mu.Unlock()
	l.add("message")
}

func (l *eventLog) LocalICECandidateGenerated(webrtc.ICECandidateInit) {
	l.add("candidate")
}

type harness struct {
	c         *Coordinator
	transport *fakeTransport
	events    *eventLog
	callbacks *Executor
}

func newHarness(t *testing.T, role Role, mutate func(*Config)) *harness {
	t.Helper()

	ft := newFakeTransport()
	events := &eventLog{}
	callbacks := NewExecutor()
	t.Cleanup(callbacks.Stop)

	cfg := Config{
		Role: role,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		},
		Transport:         ft.factory(),
		Delegate:          events,
		CallbackScheduler: callbacks,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		waitFuture(t, c.Terminate())
	})
	return &harness{c: c, transport: ft, events: events, callbacks: callbacks}
}

// settle waits until everything posted so far has passed through the
// executor and the callback context.
func (h *harness) settle() {
	h.c.exec.RunAndWait(func() {})
	h.callbacks.RunAndWait(func() {})
}

func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	val, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("future did not resolve")
	}
	return val, err
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
