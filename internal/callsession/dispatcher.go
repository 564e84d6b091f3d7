package callsession

import (
	"log/slog"
	"runtime/debug"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

// Scheduler is a serial execution context. Closures passed to Run must execute
// one at a time in submission order. Run reports false if the closure was
// rejected and will never run.
//
// *Executor satisfies Scheduler.
type Scheduler interface {
	Run(fn func()) bool
}

// dispatcher moves delegate events from the executor to the callback
// context. The delegate field is only touched on the callback context.
type dispatcher struct {
	guard    *TerminationGuard
	sched    Scheduler
	owned    *Executor
	delegate Delegate
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func newDispatcher(guard *TerminationGuard, sched Scheduler, delegate Delegate, logger *slog.Logger, m *metrics.Metrics) *dispatcher {
	d := &dispatcher{
		guard:    guard,
		sched:    sched,
		delegate: delegate,
		logger:   logger,
		metrics:  m,
	}
	if sched == nil {
		d.owned = NewExecutor()
		d.sched = d.owned
	}
	return d
}

func (d *dispatcher) dispatch(event string, deliver func(Delegate)) {
	if d.guard.IsSet() {
		d.drop(event)
		return
	}
	if !d.sched.Run(func() {
		if d.guard.IsSet() || d.delegate == nil {
			d.drop(event)
			return
		}
		d.deliver(event, deliver)
	}) {
		d.drop(event)
	}
}

// deliver runs one callback. A panicking delegate is logged and counted; it
// never takes down the callback context.
func (d *dispatcher) deliver(event string, fn func(Delegate)) {
	defer func() {
		if rec := recover(); rec != nil {
			d.metrics.Inc(metrics.DelegatePanics)
			d.logger.Error("panic in delegate callback", "event", event, "recover", rec, "stack", string(debug.Stack()))
		}
	}()
	fn(d.delegate)
}

func (d *dispatcher) drop(event string) {
	d.metrics.Inc(metrics.DelegateEventsDropped)
	d.logger.Debug("dropping delegate event", "event", event)
}

// close clears the delegate on the callback context and then calls done.
// Every event scheduled before close has either been delivered or dropped by
// the time done runs.
func (d *dispatcher) close(done func()) {
	if !d.sched.Run(func() {
		d.delegate = nil
		done()
	}) {
		done()
	}
	if d.owned != nil {
		d.owned.Stop()
	}
}
