package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

var ErrMessageTooLarge = errors.New("datachannel message exceeds configured limit")

func validateSignalingDataChannel(dc *webrtc.DataChannel) error {
	// Signaling payloads are application messages whose order matters, so the
	// channel must be ordered and fully reliable.
	if !dc.Ordered() {
		return fmt.Errorf("signaling datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("signaling datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("signaling datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}

func rejectionReason(dc *webrtc.DataChannel) string {
	switch {
	case dc.MaxRetransmits() != nil || dc.MaxPacketLifeTime() != nil:
		return "partial_reliability"
	case !dc.Ordered():
		return "unordered"
	default:
		return "invalid_datachannel"
	}
}

// dataChannel adapts a pion DataChannel and enforces the message size cap in
// both directions.
type dataChannel struct {
	dc              *webrtc.DataChannel
	maxMessageBytes int
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

func newDataChannel(dc *webrtc.DataChannel, maxMessageBytes int, logger *slog.Logger, m *metrics.Metrics) *dataChannel {
	return &dataChannel{
		dc:              dc,
		maxMessageBytes: maxMessageBytes,
		logger:          logger.With("label", dc.Label()),
		metrics:         m,
	}
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(data []byte) error {
	if d.maxMessageBytes > 0 && len(data) > d.maxMessageBytes {
		d.metrics.Inc(metrics.DataChannelOversize)
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), d.maxMessageBytes)
	}
	return d.dc.Send(data)
}

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if d.maxMessageBytes > 0 && len(msg.Data) > d.maxMessageBytes {
			d.metrics.Inc(metrics.DataChannelOversize)
			d.logger.Warn("dropping oversized datachannel message", "bytes", len(msg.Data), "max_bytes", d.maxMessageBytes)
			return
		}
		fn(msg.Data)
	})
}

func (d *dataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d *dataChannel) Close() error { return d.dc.Close() }
