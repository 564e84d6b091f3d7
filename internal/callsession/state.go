package callsession

// Role is the negotiation role of the local side.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "unknown"
	}
}

// ConnectionState is the coordinator's view of the call's connectivity.
//
// Created -> Negotiating -> Connected <-> Disconnected -> Failed | Terminated.
// Failed and Terminated are absorbing.
type ConnectionState int32

const (
	StateCreated ConnectionState = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateTerminated
)

func (s ConnectionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can leave s.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateTerminated
}
