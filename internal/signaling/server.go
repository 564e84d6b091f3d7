package signaling

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

// SignalPath is the WebSocket route a caller dials.
const SignalPath = "/webrtc/signal"

// Config wires together the runtime dependencies for the callee.
type Config struct {
	Options

	Authorizer Authorizer
	// MaxCalls bounds concurrent calls. Zero means unlimited.
	MaxCalls int
	// OnCall runs once a call has been answered, before its messages are
	// processed further.
	OnCall func(*Call)
}

// Server answers calls arriving on the signaling WebSocket.
type Server struct {
	opts       Options
	authorizer Authorizer
	maxCalls   int
	onCall     func(*Call)
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	calls   map[*Call]struct{}
	pending int
}

func NewServer(cfg Config) *Server {
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowAllAuthorizer{}
	}
	return &Server{
		opts:       cfg.Options,
		authorizer: authorizer,
		maxCalls:   cfg.MaxCalls,
		onCall:     cfg.OnCall,
		upgrader: websocket.Upgrader{
			// Browsers are not the client here; the caller authenticates instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		calls: make(map[*Call]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+SignalPath, s.handleWebSocketSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveCalls reports calls that are connected or being negotiated.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls) + s.pending
}

// Close hangs up every call.
func (s *Server) Close() {
	s.mu.Lock()
	calls := make([]*Call, 0, len(s.calls))
	for c := range s.calls {
		calls = append(calls, c)
	}
	s.mu.Unlock()

	for _, c := range calls {
		c.Hangup()
	}
}

func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxCalls > 0 && len(s.calls)+s.pending >= s.maxCalls {
		return false
	}
	s.pending++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

func (s *Server) track(c *Call) {
	s.mu.Lock()
	s.pending--
	s.calls[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.calls, c)
		s.mu.Unlock()
	}()
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	logger := s.opts.logger()
	if !s.reserve() {
		logger.Info("rejecting call while busy", "remote_addr", r.RemoteAddr)
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		return
	}

	l := newLink(conn, s.opts.Limits, logger.With("remote_addr", r.RemoteAddr), s.opts.Metrics)
	offer, ok := s.awaitOffer(l, r)
	if !ok {
		l.close()
		s.release()
		return
	}

	call, err := newCall(l, s.opts, callsession.RoleCallee)
	if err != nil {
		logger.Error("failed to create call session", "err", err)
		l.fail(CodeInternalError, "failed to create call session", websocket.CloseInternalServerErr, "internal error")
		l.close()
		s.release()
		return
	}
	s.track(call)
	call.watchConnect(s.opts.ConnectTimeout)
	if s.onCall != nil {
		s.onCall(call)
	}

	if !call.answer(offer) {
		call.link.close()
		call.finish()
		return
	}
	call.serve(call.handleCallee)
}

// awaitOffer authenticates the connection and reads until the offer arrives.
func (s *Server) awaitOffer(l *link, r *http.Request) (SDP, bool) {
	authorized := false
	if err := s.authorizer.Authorize(r, nil); err != nil {
		if !IsAuthMissing(err) {
			s.opts.Metrics.Inc(metrics.SignalingAuthFailures)
			l.fail(CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
			return SDP{}, false
		}
		l.setAuthDeadline()
	} else {
		authorized = true
		l.extendDeadline()
		l.startKeepalive()
	}

	for {
		msg, err := l.next()
		if err != nil {
			if !authorized && isTimeout(err) {
				s.opts.Metrics.Inc(metrics.SignalingAuthFailures)
				l.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return SDP{}, false
		}

		if !authorized {
			if msg.Type != MessageTypeAuth {
				s.opts.Metrics.Inc(metrics.SignalingAuthFailures)
				l.fail(CodeUnauthorized, "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return SDP{}, false
			}
			if err := s.authorizer.Authorize(r, &msg); err != nil {
				s.opts.Metrics.Inc(metrics.SignalingAuthFailures)
				l.fail(CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return SDP{}, false
			}
			authorized = true
			l.extendDeadline()
			l.startKeepalive()
			continue
		}
		l.extendDeadline()

		switch msg.Type {
		case MessageTypeAuth:
			// Clients may authenticate through the query string and still send an
			// auth message.
			continue
		case MessageTypeOffer:
			return *msg.SDP, true
		case MessageTypeClose:
			return SDP{}, false
		case MessageTypeError:
			l.logger.Warn("peer reported signaling error", "code", msg.Code, "message", msg.Message)
			return SDP{}, false
		case MessageTypeCandidate:
			s.opts.Metrics.Inc(metrics.SignalingProtocolFailures)
			l.fail(CodeUnexpectedMessage, "candidate received before offer", websocket.ClosePolicyViolation, "unexpected message")
			return SDP{}, false
		default:
			s.opts.Metrics.Inc(metrics.SignalingProtocolFailures)
			l.fail(CodeUnexpectedMessage, "expected offer, got "+string(msg.Type), websocket.ClosePolicyViolation, "unexpected message")
			return SDP{}, false
		}
	}
}
