package callsession

import (
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

// PendingMessage is an outbound data channel message.
type PendingMessage struct {
	Payload []byte
	// Description names the message in logs and errors.
	Description string
	// Critical messages report failed delivery to their sender. Non-critical
	// messages are best effort.
	Critical bool

	result *Future[struct{}]
}

// deliver sends the message and resolves its result. It reports whether the
// send succeeded.
func (m PendingMessage) deliver(send func([]byte) error, logger *slog.Logger, mt *metrics.Metrics) bool {
	if err := send(m.Payload); err != nil {
		m.settle(err, logger, mt)
		return false
	}
	mt.Inc(metrics.DataChannelMessagesOut)
	m.complete(nil)
	return true
}

// settle resolves a message that will never be sent.
func (m PendingMessage) settle(cause error, logger *slog.Logger, mt *metrics.Metrics) {
	if !m.Critical {
		mt.Inc(metrics.MessagesDropped)
		logger.Warn("dropping data channel message", "message", m.Description, "err", cause)
		m.complete(nil)
		return
	}
	mt.Inc(metrics.CriticalDeliveryFailure)
	logger.Error("critical data channel message not delivered", "message", m.Description, "err", cause)
	m.complete(fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, m.Description, cause))
}

func (m PendingMessage) complete(err error) {
	if m.result != nil {
		m.result.resolve(struct{}{}, err)
	}
}

// PendingMessageQueue buffers messages sent before the data channel opened.
//
// It is not safe for concurrent use; the coordinator only touches it from its
// executor.
type PendingMessageQueue struct {
	messages []PendingMessage
	closed   bool
	cause    error

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewPendingMessageQueue(logger *slog.Logger, m *metrics.Metrics) *PendingMessageQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingMessageQueue{logger: logger, metrics: m}
}

// Enqueue records msg for later delivery. After Close it reports false and the
// message is settled with the close cause instead of being recorded.
func (q *PendingMessageQueue) Enqueue(msg PendingMessage) bool {
	if q.closed {
		msg.settle(q.cause, q.logger, q.metrics)
		return false
	}
	q.messages = append(q.messages, msg)
	q.metrics.Inc(metrics.MessagesQueued)
	return true
}

func (q *PendingMessageQueue) Len() int {
	return len(q.messages)
}

// DrainInto sends every queued message in FIFO order. A failed send does not
// stop the drain.
func (q *PendingMessageQueue) DrainInto(send func([]byte) error) {
	msgs := q.messages
	q.messages = nil
	for i, msg := range msgs {
		msgs[i] = PendingMessage{}
		msg.deliver(send, q.logger, q.metrics)
	}
}

// Close settles every queued message with cause and rejects later enqueues.
// Non-critical messages are dropped; critical ones fail with
// ErrDeliveryFailed wrapping cause.
func (q *PendingMessageQueue) Close(cause error) {
	if q.closed {
		return
	}
	if cause == nil {
		cause = ErrSessionTerminated
	}
	q.closed = true
	q.cause = cause
	msgs := q.messages
	q.messages = nil
	for _, msg := range msgs {
		msg.settle(cause, q.logger, q.metrics)
	}
}
