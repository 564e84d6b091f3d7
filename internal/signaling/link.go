package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// errProtocol is returned by link.next after the peer has already been told
// what it did wrong.
var errProtocol = errors.New("signaling: protocol violation")

// Limits bound inbound traffic on one signaling connection. Zero values take
// the config package defaults.
type Limits struct {
	MaxMessageBytes   int64
	MessagesPerSecond int
	AuthTimeout       time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if l.MessagesPerSecond <= 0 {
		l.MessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if l.AuthTimeout <= 0 {
		l.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if l.PingInterval <= 0 {
		l.PingInterval = config.DefaultSignalingWSPingInterval
	}
	if l.PingInterval >= l.IdleTimeout {
		l.PingInterval = l.IdleTimeout / 2
	}
	return l
}

// link is one signaling WebSocket. Reads happen on a single goroutine; writes
// may come from any goroutine.
type link struct {
	conn    *websocket.Conn
	limits  Limits
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	// Local candidates are held until the local description has been sent so
	// the peer never sees a candidate for a session it does not know yet.
	candMu    sync.Mutex
	localSent bool
	candBuf   []Candidate

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(conn *websocket.Conn, limits Limits, logger *slog.Logger, m *metrics.Metrics) *link {
	limits = limits.withDefaults()
	conn.SetReadLimit(limits.MaxMessageBytes)
	return &link{
		conn:    conn,
		limits:  limits,
		limiter: rate.NewLimiter(rate.Limit(limits.MessagesPerSecond), limits.MessagesPerSecond),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

func (l *link) setAuthDeadline() {
	_ = l.conn.SetReadDeadline(time.Now().Add(l.limits.AuthTimeout))
}

func (l *link) extendDeadline() {
	_ = l.conn.SetReadDeadline(time.Now().Add(l.limits.IdleTimeout))
}

// startKeepalive pings the peer and treats each pong as activity. It must only
// run once the connection is authenticated.
func (l *link) startKeepalive() {
	l.conn.SetPongHandler(func(string) error {
		l.extendDeadline()
		return nil
	})
	go func() {
		ticker := time.NewTicker(l.limits.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
				if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
}

// next reads and validates one message.
func (l *link) next() (SignalMessage, error) {
	msgType, data, err := l.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			// gorilla has already sent CloseMessageTooBig.
			l.metrics.Inc(metrics.SignalingMessageTooLarge)
		}
		return SignalMessage{}, err
	}
	// Apply the rate limit *after* reading the message so any bytes already in
	// the TCP receive buffer are consumed. Closing with unread data may cause an
	// abortive close (RST) and hide the close code from the peer.
	if !l.limiter.Allow() {
		l.metrics.Inc(metrics.SignalingRateLimited)
		l.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
		return SignalMessage{}, errProtocol
	}
	if msgType != websocket.TextMessage {
		l.metrics.Inc(metrics.SignalingProtocolFailures)
		l.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
		return SignalMessage{}, errProtocol
	}
	msg, err := ParseSignalMessage(data)
	if err != nil {
		l.metrics.Inc(metrics.SignalingProtocolFailures)
		l.fail(CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
		return SignalMessage{}, errProtocol
	}
	return msg, nil
}

func (l *link) send(msg SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// sendDescription sends the local offer or answer, then every candidate that
// was held back waiting for it.
func (l *link) sendDescription(msg SignalMessage) error {
	l.candMu.Lock()
	defer l.candMu.Unlock()

	if err := l.send(msg); err != nil {
		return err
	}
	l.localSent = true
	buffered := l.candBuf
	l.candBuf = nil
	for i := range buffered {
		if err := l.send(SignalMessage{Type: MessageTypeCandidate, Candidate: &buffered[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (l *link) sendCandidate(cand Candidate) {
	l.candMu.Lock()
	defer l.candMu.Unlock()

	if !l.localSent {
		l.candBuf = append(l.candBuf, cand)
		return
	}
	if err := l.send(SignalMessage{Type: MessageTypeCandidate, Candidate: &cand}); err != nil {
		l.logger.Debug("failed to send local candidate", "err", err)
	}
}

func (l *link) fail(code, message string, closeCode int, closeReason string) {
	l.logger.Warn("signaling failure", "code", code, "message", message)
	_ = l.send(SignalMessage{
		Type:    MessageTypeError,
		Code:    code,
		Message: message,
	})
	l.closeWith(closeCode, closeReason)
}

func (l *link) closeWith(code int, reason string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
