package task

import (
	"sync"
	"time"
)

// Registry is the single shared store of live tasks, visible to both the
// HTTP handlers (progress reads, cancel requests) and the pipeline worker
// that mutates state. Every operation takes the one lock, so a cancel
// racing a progress update resolves to cancelled: once a task is terminal
// nothing else writes to it.
//
// A sync.Map does not cut it here because progress updates are
// read-modify-write (max with the current value).
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Create inserts a fresh pending task. An existing task under the same id
// is overwritten: a client retrying an upload starts clean, progress back
// at zero.
func (r *Registry) Create(id string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Task{
		ID:        id,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: time.Now(),
	}
	r.tasks[id] = t
	return *t
}

// Get returns a snapshot copy of the task.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return snapshot(t), true
}

// Advance moves the task to the next stage. Invalid edges and writes to
// terminal tasks are dropped; the return value reports whether the
// transition took effect.
func (r *Registry) Advance(id string, to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	if !validTransition(t.Status, to) {
		return false
	}

	t.Status = to
	if to.Terminal() {
		t.FinishedAt = time.Now()
	}
	return true
}

// UpdateProgress records a progress report. Absent, terminal and cancelled
// tasks silently ignore it, and progress never moves backwards: late
// reports from a slow chunk are dropped rather than rewinding the bar.
func (r *Registry) UpdateProgress(id string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	if percent > 100 {
		percent = 100
	}
	if percent > t.Progress {
		t.Progress = percent
	}
}

// RequestCancel flips a non-terminal task to cancelled and reports whether
// the request took effect. Repeated calls after cancellation return false.
func (r *Registry) RequestCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}

	t.Status = StatusCancelled
	t.FinishedAt = time.Now()
	return true
}

// Cancelled reports whether the task has been cancelled. This is the
// cooperative checkpoint polled between upload chunks, pipeline stages and
// separation chunks.
func (r *Registry) Cancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	return ok && t.Status == StatusCancelled
}

// SetAnalysis records the analysis stage output on a live task.
func (r *Registry) SetAnalysis(id, key string, bpm float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	t.DetectedKey = key
	t.DetectedBPM = bpm
}

// Complete finishes a separating task with its artifact paths. A task that
// was cancelled in the meantime stays cancelled and the artifacts are the
// caller's to clean up.
func (r *Registry) Complete(id string, artifacts map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	if !validTransition(t.Status, StatusCompleted) {
		return false
	}

	t.Status = StatusCompleted
	t.Progress = 100
	t.Artifacts = artifacts
	t.FinishedAt = time.Now()
	return true
}

// Fail marks a non-terminal task failed with a human-readable message.
func (r *Registry) Fail(id, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}

	t.Status = StatusFailed
	t.Error = msg
	t.FinishedAt = time.Now()
	return true
}

// Remove deletes the task record. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Sweep removes terminal tasks that finished more than age ago and returns
// how many were dropped. Completed and failed tasks linger so the caller
// can fetch the result or the error at least once.
func (r *Registry) Sweep(age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-age)
	for id, t := range r.tasks {
		if t.Status.Terminal() && !t.FinishedAt.IsZero() && t.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live task records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func snapshot(t *Task) Task {
	out := *t
	if t.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(t.Artifacts))
		for k, v := range t.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return out
}
