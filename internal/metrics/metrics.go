package metrics

import "sync"

// Event names counted by the call coordinator and the signaling link.
const (
	SessionsStarted    = "session_started"
	SessionsTerminated = "session_terminated"

	OffersCreated       = "offer_created"
	AnswersCreated      = "answer_created"
	NegotiationFailures = "negotiation_failed"
	ProtocolViolations  = "protocol_violation"

	ICEConnected    = "ice_connected"
	ICEDisconnected = "ice_disconnected"
	ICEFailed       = "ice_failed"

	RemoteCandidatesDropped = "remote_candidate_dropped"

	DataChannelRejected     = "datachannel_rejected"
	DataChannelMessagesIn   = "datachannel_message_in"
	DataChannelMessagesOut  = "datachannel_message_out"
	DataChannelOversize     = "datachannel_message_oversize"
	MessagesQueued          = "message_queued"
	MessagesDropped         = "message_dropped"
	CriticalDeliveryFailure = "critical_delivery_failed"

	DelegateEventsDropped = "delegate_event_dropped"
	DelegatePanics        = "delegate_panic"

	SignalingAuthFailures     = "signaling_auth_failed"
	SignalingRateLimited      = "signaling_rate_limited"
	SignalingMessageTooLarge  = "signaling_message_too_large"
	SignalingProtocolFailures = "signaling_protocol_error"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can take an
// optional registry without guarding each call site.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
