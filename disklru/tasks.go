package disklru

import "sync"

// taskRunner coalesces maintenance requests so that at most one pass is ever
// queued or running. Repeated schedule calls while a pass is pending are
// no-ops.
//
// In manual mode nothing runs in the background; pending work executes only
// through runPending or wait, which gives tests deterministic scheduling.
type taskRunner struct {
	mu      sync.Mutex
	cond    *sync.Cond
	task    func()
	manual  bool
	pending bool
	running bool
}

func newTaskRunner(task func(), manual bool) *taskRunner {
	r := &taskRunner{task: task, manual: manual}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// schedule requests a maintenance pass.
func (r *taskRunner) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending {
		return
	}
	r.pending = true
	if r.manual || r.running {
		return
	}
	r.running = true
	go r.loop()
}

func (r *taskRunner) loop() {
	r.mu.Lock()
	for r.pending {
		r.pending = false
		r.mu.Unlock()
		r.task()
		r.mu.Lock()
	}
	r.running = false
	r.cond.Broadcast()
	r.mu.Unlock()
}

// pendingWork reports whether a pass is queued or running.
func (r *taskRunner) pendingWork() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending || r.running
}

// runPending runs one pending pass synchronously, if any.
func (r *taskRunner) runPending() {
	r.mu.Lock()
	if !r.pending || r.running {
		r.mu.Unlock()
		return
	}
	r.pending = false
	r.running = true
	r.mu.Unlock()

	r.task()

	r.mu.Lock()
	r.running = false
	r.cond.Broadcast()
	r.mu.Unlock()
}

// wait blocks until no pass is queued or running. In manual mode pending
// work is executed inline.
func (r *taskRunner) wait() {
	if r.manual {
		for r.pendingWork() {
			r.runPending()
		}
		return
	}

	r.mu.Lock()
	for r.pending || r.running {
		r.cond.Wait()
	}
	r.mu.Unlock()
}
