package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

const negotiationTimeout = 15 * time.Second

var (
	// ErrRemote wraps an error message sent by the peer.
	ErrRemote = errors.New("signaling: peer reported an error")
	// ErrConnectTimeout is recorded when ICE did not connect within
	// Options.ConnectTimeout.
	ErrConnectTimeout = errors.New("signaling: call did not connect in time")
)

// Options configure the calls created by Server and Dial.
type Options struct {
	// Session is copied for every call. Role is overwritten and Delegate is
	// wrapped so local candidates reach the peer.
	Session callsession.Config
	Limits  Limits
	// ConnectTimeout ends a call that has not reached ICE connectivity in time.
	// Zero disables it.
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Call is a call session bound to its signaling connection. Ending either one
// ends the other.
type Call struct {
	coord   *callsession.Coordinator
	link    *link
	logger  *slog.Logger
	metrics *metrics.Metrics

	gotAnswer bool

	errMu sync.Mutex
	err   error

	hangupOnce sync.Once
	done       chan struct{}
}

// linkDelegate forwards local candidates over the signaling link before
// handing them to the application's delegate.
type linkDelegate struct {
	callsession.Delegate
	link *link
}

func (d linkDelegate) LocalICECandidateGenerated(candidate webrtc.ICECandidateInit) {
	d.link.sendCandidate(CandidateFromPion(candidate))
	d.Delegate.LocalICECandidateGenerated(candidate)
}

func newCall(l *link, opts Options, role callsession.Role) (*Call, error) {
	cfg := opts.Session
	cfg.Role = role
	user := cfg.Delegate
	if user == nil {
		user = callsession.DelegateFuncs{}
	}
	cfg.Delegate = linkDelegate{Delegate: user, link: l}
	if cfg.Logger == nil {
		cfg.Logger = opts.logger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = opts.Metrics
	}

	coord, err := callsession.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Call{
		coord:   coord,
		link:    l,
		logger:  cfg.Logger.With("session_id", coord.ID(), "role", role.String()),
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}, nil
}

func (c *Call) Coordinator() *callsession.Coordinator { return c.coord }

func (c *Call) ID() string { return c.coord.ID() }

// Done is closed once the signaling connection is gone and the session has
// been torn down.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns why the call ended, or nil for an orderly close. It is only
// meaningful after Done is closed.
func (c *Call) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Call) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Hangup tells the peer the call is over, terminates the session and closes
// the signaling connection.
func (c *Call) Hangup() {
	c.hangupOnce.Do(func() {
		_ = c.link.send(SignalMessage{Type: MessageTypeClose})
		c.link.closeWith(websocket.CloseNormalClosure, "hangup")
		c.coord.Terminate()
		c.link.close()
	})
}

// watchConnect ends the call if ICE has not connected before timeout.
func (c *Call) watchConnect(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-c.link.done:
			return
		case <-timer.C:
		}
		switch c.coord.State() {
		case callsession.StateConnected, callsession.StateDisconnected:
			return
		}
		c.logger.Warn("call did not connect in time", "timeout", timeout, "state", c.coord.State().String())
		c.setErr(ErrConnectTimeout)
		c.link.fail(CodeTimeout, "call did not connect in time", websocket.CloseNormalClosure, "connect timeout")
		c.link.close()
	}()
}

// serve reads messages until the link ends, then terminates the session.
func (c *Call) serve(handle func(SignalMessage) bool) {
	defer c.finish()
	defer c.link.close()

	for {
		msg, err := c.link.next()
		if err != nil {
			switch {
			case errors.Is(err, errProtocol):
				c.setErr(err)
			case isTimeout(err):
				c.logger.Info("signaling connection idle timeout")
				c.setErr(err)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug("signaling connection closed", "err", err)
				c.setErr(err)
			}
			return
		}
		c.link.extendDeadline()

		switch msg.Type {
		case MessageTypeClose:
			c.logger.Info("peer closed the call")
			return
		case MessageTypeError:
			c.logger.Warn("peer reported signaling error", "code", msg.Code, "message", msg.Message)
			c.setErr(fmt.Errorf("%w: %s: %s", ErrRemote, msg.Code, msg.Message))
			return
		}
		if !handle(msg) {
			return
		}
	}
}

func (c *Call) finish() {
	terminated := c.coord.Terminate()
	go func() {
		<-terminated.Done()
		close(c.done)
	}()
}

func (c *Call) addCandidate(msg SignalMessage) {
	// An empty candidate marks the end of the peer's gathering; pion learns
	// that from the description itself.
	if msg.Candidate.Candidate == "" {
		return
	}
	c.coord.AddRemoteICECandidate(msg.Candidate.ToPion())
}

func (c *Call) protocolFailure(code, message string) bool {
	c.metrics.Inc(metrics.SignalingProtocolFailures)
	c.setErr(fmt.Errorf("%w: %s", errProtocol, message))
	c.link.fail(code, message, websocket.ClosePolicyViolation, "unexpected message")
	return false
}

// handleCallee processes messages after the offer has been answered.
func (c *Call) handleCallee(msg SignalMessage) bool {
	switch msg.Type {
	case MessageTypeCandidate:
		c.addCandidate(msg)
		return true
	case MessageTypeOffer:
		return c.protocolFailure(CodeUnexpectedMessage, "offer already received")
	case MessageTypeAuth:
		return c.protocolFailure(CodeUnexpectedMessage, "auth received after offer")
	default:
		return c.protocolFailure(CodeUnexpectedMessage, fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

func (c *Call) handleCaller(msg SignalMessage) bool {
	switch msg.Type {
	case MessageTypeCandidate:
		c.addCandidate(msg)
		return true
	case MessageTypeAnswer:
		if c.gotAnswer {
			return c.protocolFailure(CodeUnexpectedMessage, "answer already received")
		}
		c.gotAnswer = true
		return c.applyAnswer(*msg.SDP)
	default:
		return c.protocolFailure(CodeUnexpectedMessage, fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

// answer negotiates an answer for the peer's offer and sends it, releasing any
// candidates gathered meanwhile.
func (c *Call) answer(offerWire SDP) bool {
	offer, err := offerWire.ToPion()
	if err != nil {
		return c.protocolFailure(CodeBadMessage, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()
	answer, err := c.coord.NegotiateAnswer(offer).Wait(ctx)
	if err != nil {
		c.setErr(err)
		c.link.fail(CodeNegotiationFailed, err.Error(), websocket.ClosePolicyViolation, "negotiation failed")
		return false
	}

	if err := c.link.sendDescription(SignalMessage{Type: MessageTypeAnswer, SDP: ptr(SDPFromPion(answer))}); err != nil {
		c.logger.Warn("failed to send answer", "err", err)
		c.setErr(err)
		return false
	}
	return true
}

func (c *Call) applyAnswer(answerWire SDP) bool {
	answer, err := answerWire.ToPion()
	if err != nil {
		return c.protocolFailure(CodeBadMessage, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), negotiationTimeout)
	defer cancel()
	if _, err := c.coord.SetRemoteDescription(answer).Wait(ctx); err != nil {
		c.setErr(err)
		c.link.fail(CodeNegotiationFailed, err.Error(), websocket.ClosePolicyViolation, "negotiation failed")
		return false
	}
	return true
}
