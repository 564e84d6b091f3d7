// Package signaling carries a call's offer, answer and trickle ICE candidates
// over a JSON WebSocket link.
//
// The callee runs a Server; the caller connects with Dial. Either side drives
// a callsession.Coordinator, and closing the link terminates the call.
package signaling
