package callsession

import "sync"

// Executor runs closures one at a time, in submission order, on a single
// goroutine. Its queue is unbounded so Run never blocks the submitter.
type Executor struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	stopped  bool
	queue    []func()

	exited chan struct{}
}

func NewExecutor() *Executor {
	e := &Executor{exited: make(chan struct{})}
	e.notEmpty = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

// Run enqueues fn. It reports false, without running fn, once Stop has been
// called.
func (e *Executor) Run(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.queue = append(e.queue, fn)
	e.notEmpty.Signal()
	return true
}

// RunAndWait runs fn on the executor and blocks until it returns.
//
// It exists for tests and diagnostics. Calling it from a closure already
// running on the executor deadlocks.
func (e *Executor) RunAndWait(fn func()) bool {
	done := make(chan struct{})
	if !e.Run(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Stop rejects further submissions. Closures already queued still run; Stop
// does not wait for them.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.notEmpty.Broadcast()
}

// Exited is closed once the worker has drained its queue after Stop.
func (e *Executor) Exited() <-chan struct{} {
	return e.exited
}

func (e *Executor) loop() {
	defer close(e.exited)
	for {
		fn, ok := e.next()
		if !ok {
			return
		}
		fn()
	}
}

func (e *Executor) next() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 && !e.stopped {
		e.notEmpty.Wait()
	}
	if len(e.queue) == 0 {
		return nil, false
	}
	fn := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return fn, true
}
