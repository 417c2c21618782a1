package jobs

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job status values.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Log entry kinds.
const (
	KindInfo    = "info"
	KindSuccess = "success"
	KindError   = "error"
)

// LogEntry is a single append-only progress event.
type LogEntry struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Job tracks the state of one background operation.
type Job struct {
	ID          string
	Status      string
	Message     string
	Logs        []LogEntry
	Complete    bool
	Result      any
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// View is a point-in-time snapshot of a job, safe to read while the
// job keeps running.
type View struct {
	ID          string
	Status      string
	Message     string
	Logs        []LogEntry
	Complete    bool
	Result      any
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Registry is an in-memory store of background jobs. Jobs do not
// survive a restart.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	activeID string
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
	}
}

// Create registers a new pending job and returns its ID. The job is
// visible to Get as soon as Create returns.
func (r *Registry) Create() string {
	id := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[id] = &Job{
		ID:        id,
		Status:    StatusPending,
		Logs:      []LogEntry{},
		StartedAt: time.Now(),
	}
	r.activeID = id

	return id
}

// MarkRunning transitions a job from pending to running.
func (r *Registry) MarkRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Complete {
		return
	}
	job.Status = StatusRunning
}

// AppendLog adds a log entry to a job. Unknown job IDs are ignored so
// that workers finishing after a registry reset cannot crash the app.
func (r *Registry) AppendLog(id, message, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		log.Printf("WARNING: AppendLog for unknown job %s: %s", id, message)
		return
	}

	job.Logs = append(job.Logs, LogEntry{
		Message:   message,
		Kind:      kind,
		Timestamp: time.Now(),
	})
}

// SetMessage overwrites the job's current status line. Used for
// high-frequency percentage updates that should not grow the log.
func (r *Registry) SetMessage(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.Message = message
}

// Complete marks a job as successfully finished with a result payload.
// Calling Complete or Fail on an already finished job is a no-op, the
// first writer wins.
func (r *Registry) Complete(id string, result any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Complete {
		return
	}

	now := time.Now()
	job.Status = StatusComplete
	job.Complete = true
	job.Result = result
	job.CompletedAt = &now

	if r.activeID == id {
		r.activeID = ""
	}
}

// Fail marks a job as finished with an error. Idempotent in the same
// way as Complete.
func (r *Registry) Fail(id, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Complete {
		return
	}

	now := time.Now()
	job.Status = StatusFailed
	job.Complete = true
	job.Error = errMsg
	job.CompletedAt = &now

	if r.activeID == id {
		r.activeID = ""
	}
}

// Get returns a snapshot of a job. The snapshot's log slice is a copy,
// concurrent writers cannot tear it.
func (r *Registry) Get(id string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return View{}, false
	}

	logs := make([]LogEntry, len(job.Logs))
	copy(logs, job.Logs)

	return View{
		ID:          job.ID,
		Status:      job.Status,
		Message:     job.Message,
		Logs:        logs,
		Complete:    job.Complete,
		Result:      job.Result,
		Error:       job.Error,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}, true
}

// ActiveJob returns the ID of the most recently created job that has
// not finished yet, or "" when the app is idle. A newer job supersedes
// an older one even while the older one is still running.
func (r *Registry) ActiveJob() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}
