package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/callsession"
)

const defaultHandshakeTimeout = 10 * time.Second

// ErrBusy is returned by Dial when the callee refuses more calls. Rejected
// credentials surface through Call.Err as ErrRemote.
var ErrBusy = errors.New("signaling: callee is busy")

type DialOptions struct {
	Options

	// APIKey is sent as the X-API-Key header when set.
	APIKey           string
	HandshakeTimeout time.Duration
}

// Dial connects to a callee's signaling URL, creates the caller session and
// sends its offer. ctx bounds the handshake and offer creation only; the
// returned call lives until it is hung up or the connection ends.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Call, error) {
	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("X-API-Key", opts.APIKey)
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	logger := opts.logger().With("peer_url", rawURL)
	l := newLink(conn, opts.Limits, logger, opts.Metrics)
	l.extendDeadline()
	l.startKeepalive()

	call, err := newCall(l, opts.Options, callsession.RoleCaller)
	if err != nil {
		l.close()
		return nil, err
	}

	fail := func(err error) (*Call, error) {
		call.Hangup()
		<-call.coord.Terminate().Done()
		return nil, err
	}
	offer, err := call.coord.CreateOffer().Wait(ctx)
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if _, err := call.coord.SetLocalDescription(offer).Wait(ctx); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	if err := l.sendDescription(SignalMessage{Type: MessageTypeOffer, SDP: ptr(SDPFromPion(offer))}); err != nil {
		return fail(fmt.Errorf("send offer: %w", err))
	}

	call.watchConnect(opts.ConnectTimeout)
	go call.serve(call.handleCaller)
	return call, nil
}
