// Package bgworker implements the cooperative background-worker
// framework shared by the durable data layer, the replication manager
// and the state-transfer manager (spec.md §4.A). Each worker owns one
// goroutine and cooperates through a have_work/copy_work/do_work
// contract, with reference-counted pause and an "offline" escape hatch
// for workers blocked in external I/O.
//
// Go has a tracing garbage collector, so there is no literal
// equivalent of HyperDex's process-wide GC quiescence registration
// (original_source/daemon/background_thread.{cc,h}); QuiescencePoint
// stands in for it, per SPEC_FULL.md §4.A — it marks the points at
// which a worker holds no reference into a data-layer iterator or
// snapshot that a concurrent wipe would need to invalidate.
package bgworker

import (
	"sync"

	"github.com/meridiandb/meridian/pkg/log"
	"github.com/rs/zerolog"
)

// Runnable is the contract a worker subclass implements.
type Runnable interface {
	// ThreadName labels the worker in logs.
	ThreadName() string
	// HaveWork is called under the worker's lock; it must return true
	// iff DoWork would presently make progress.
	HaveWork() bool
	// CopyWork is called under the worker's lock; it snapshots the
	// minimum state DoWork needs so DoWork can run lock-free. The
	// returned value is forwarded unchanged to DoWork.
	CopyWork() interface{}
	// DoWork runs without the lock held and may block on I/O. It must
	// not panic; a panic inside DoWork is recovered and logged by the
	// framework, which then re-evaluates HaveWork on the next cycle.
	DoWork(work interface{})
}

// QuiescencePoint is the hook a worker calls around its wait point.
// The default implementation is a no-op, and every worker this
// repository builds passes nil to New and so uses it; a caller may
// supply its own implementation to New.
type QuiescencePoint interface {
	Register(name string)
	Unregister(name string)
	Quiesce(name string)
	Offline(name string)
	Online(name string)
}

type noopQuiescence struct{}

func (noopQuiescence) Register(string)   {}
func (noopQuiescence) Unregister(string) {}
func (noopQuiescence) Quiesce(string)    {}
func (noopQuiescence) Offline(string)    {}
func (noopQuiescence) Online(string)     {}

// Worker drives one Runnable on a dedicated goroutine.
type Worker struct {
	run Runnable
	gc  QuiescencePoint
	log zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	shutdown   bool
	pauseCount int
	paused     bool
	offline    bool

	started bool
	done    chan struct{}
}

// New constructs a Worker around a Runnable. If gc is nil a no-op
// QuiescencePoint is used.
func New(run Runnable, gc QuiescencePoint) *Worker {
	if gc == nil {
		gc = noopQuiescence{}
	}
	w := &Worker{
		run:  run,
		gc:   gc,
		log:  log.WithComponent(run.ThreadName()),
		done: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the worker's goroutine. A second call is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.gc.Register(w.run.ThreadName())
	go w.loop()
}

// loop implements the framework pseudocode from spec.md §4.A.
func (w *Worker) loop() {
	defer close(w.done)
	defer w.gc.Unregister(w.run.ThreadName())

	for {
		w.mu.Lock()
		w.gc.Quiesce(w.run.ThreadName())

		for (!w.run.HaveWork() && !w.shutdown) || w.pauseCount > 0 {
			w.paused = true
			if w.pauseCount > 0 {
				w.cond.Broadcast()
			}
			w.gc.Offline(w.run.ThreadName())
			w.offline = true
			w.cond.Wait()
			w.offline = false
			w.gc.Online(w.run.ThreadName())
			w.paused = false
		}

		if w.shutdown {
			w.mu.Unlock()
			return
		}

		work := w.run.CopyWork()
		w.mu.Unlock()

		w.safeDoWork(work)
	}
}

func (w *Worker) safeDoWork(work interface{}) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("background worker recovered from panic in DoWork")
		}
	}()
	w.run.DoWork(work)
}

// Wakeup signals the worker's condition variable, causing it to
// re-evaluate HaveWork even if no other state changed. Callers that
// hand the worker new work must call this after releasing whatever
// lock protects that work's visibility.
func (w *Worker) Wakeup() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// InitiatePause increments the pause reference count and wakes the
// worker so it parks at its next wait point.
func (w *Worker) InitiatePause() {
	w.mu.Lock()
	w.pauseCount++
	w.cond.Broadcast()
	w.mu.Unlock()
}

// WaitUntilPaused blocks until the worker is paused or offline. A
// caller that needs every worker quiesced before reconfiguring must
// call this on all of them; a worker stuck offline in a long external
// call counts as paused so the caller can still make progress.
func (w *Worker) WaitUntilPaused() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.paused && !w.offline && !w.shutdown {
		w.cond.Wait()
	}
}

// Unpause decrements the pause reference count; once it reaches zero
// the worker resumes its loop.
func (w *Worker) Unpause() {
	w.mu.Lock()
	if w.pauseCount > 0 {
		w.pauseCount--
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Shutdown requests the worker drain its loop and exit, then blocks
// until the goroutine has returned.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	w.shutdown = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}

// IsPaused reports whether the worker is currently parked at its wait
// point (pause_count > 0) or offline.
func (w *Worker) IsPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused || w.offline
}

// IsShutdown reports whether shutdown has been requested.
func (w *Worker) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

// Offline marks the worker offline outside of the normal loop wait —
// used by a Runnable whose DoWork itself blocks for a long time on an
// external call and wants to let a pause-waiter proceed in the
// meantime.
func (w *Worker) Offline() {
	w.mu.Lock()
	w.offline = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Online clears the offline flag set by Offline.
func (w *Worker) Online() {
	w.mu.Lock()
	w.offline = false
	w.mu.Unlock()
}
