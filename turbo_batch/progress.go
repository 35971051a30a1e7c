package turbo_batch

import "sync"

// Progress is one notification to a ProgressObserver.
// Completed and Total are cumulative, the Delta fields cover everything since the previous notification.
type Progress struct {
	Completed             int
	Total                 int
	DeltaPromptTokens     int
	DeltaCompletionTokens int
	DeltaRequestBytes     int
	DeltaResponseBytes    int
	ActiveWorkers         int
}

// ProgressObserver receives progress notifications from a running batch.
// Notifications are delivered from a single goroutine, never from a worker.
type ProgressObserver interface {
	OnProgress(p Progress)
}

// ProgressFunc adapts a plain function to ProgressObserver
type ProgressFunc func(completed, total, deltaPromptTokens, deltaCompletionTokens, deltaRequestBytes, deltaResponseBytes, activeWorkers int)

func (f ProgressFunc) OnProgress(p Progress) {
	f(p.Completed, p.Total, p.DeltaPromptTokens, p.DeltaCompletionTokens, p.DeltaRequestBytes, p.DeltaResponseBytes, p.ActiveWorkers)
}

// progressRelay decouples the observer from the batch.
// Updates are merged into a pending notification and a single goroutine delivers them,
// so a slow observer sees fewer, larger deltas instead of stalling dispatch.
type progressRelay struct {
	observer ProgressObserver

	mu      sync.Mutex
	pending Progress
	dirty   bool

	poke chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newProgressRelay(observer ProgressObserver, total int) *progressRelay {
	return &progressRelay{
		observer: observer,
		pending:  Progress{Total: total},
		poke:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// publish merges a completion into the pending notification. It never blocks on the observer.
func (r *progressRelay) publish(completed int, delta Progress) {
	if r.observer == nil {
		return
	}

	r.mu.Lock()
	r.pending.Completed = completed
	r.pending.DeltaPromptTokens += delta.DeltaPromptTokens
	r.pending.DeltaCompletionTokens += delta.DeltaCompletionTokens
	r.pending.DeltaRequestBytes += delta.DeltaRequestBytes
	r.pending.DeltaResponseBytes += delta.DeltaResponseBytes
	r.dirty = true
	r.mu.Unlock()

	r.wake()
}

// setActiveWorkers records the current busy worker count
func (r *progressRelay) setActiveWorkers(n int) {
	if r.observer == nil {
		return
	}

	r.mu.Lock()
	changed := r.pending.ActiveWorkers != n
	r.pending.ActiveWorkers = n
	r.dirty = r.dirty || changed
	r.mu.Unlock()

	if changed {
		r.wake()
	}
}

func (r *progressRelay) wake() {
	select {
	case r.poke <- struct{}{}:
	default:
		// A delivery is already scheduled and will pick this update up
	}
}

func (r *progressRelay) run() {
	defer close(r.done)

	for {
		select {
		case <-r.poke:
			r.deliver()
		case <-r.stop:
			r.deliver()
			return
		}
	}
}

func (r *progressRelay) deliver() {
	if r.observer == nil {
		return
	}

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	p := r.pending
	r.pending.DeltaPromptTokens = 0
	r.pending.DeltaCompletionTokens = 0
	r.pending.DeltaRequestBytes = 0
	r.pending.DeltaResponseBytes = 0
	r.dirty = false
	r.mu.Unlock()

	r.observer.OnProgress(p)
}

// close flushes the last pending notification and waits for the relay to exit
func (r *progressRelay) close() {
	close(r.stop)
	<-r.done
}
