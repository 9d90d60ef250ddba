package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/google/uuid"
)

// RetentionPolicy bounds how many terminal jobs are kept and for how long. Zero values disable
// the respective bound.
type RetentionPolicy struct {
	MaxJobs int
	MaxAge  time.Duration
}

// JobRegistry is the single synchronized store of install jobs. Readers always get copies.
// Repository writes are queued under mu and applied by one writer goroutine, so the store
// sees them in mutation order without mu being held across I/O.
type JobRegistry struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.InstallJob
	active    map[domain.JobKey]string
	retention RetentionPolicy
	repo      ports.JobRepository
	logger    *logger.Logger
	now       func() time.Time

	wmu       sync.Mutex
	wcond     *sync.Cond
	pending   []jobWrite
	stopping  bool
	writerOut chan struct{}
	closeOnce sync.Once
}

// jobWrite is one queued repository operation. Exactly one of save, deleteID or flushed is set.
type jobWrite struct {
	save     *domain.InstallJob
	deleteID string
	flushed  chan struct{}
}

type JobRegistryConfig struct {
	Retention  RetentionPolicy
	Repository ports.JobRepository
	Logger     *logger.Logger
}

func NewJobRegistry(cfg JobRegistryConfig) *JobRegistry {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	r := &JobRegistry{
		jobs:      make(map[string]*domain.InstallJob),
		active:    make(map[domain.JobKey]string),
		retention: cfg.Retention,
		repo:      cfg.Repository,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
		writerOut: make(chan struct{}),
	}
	r.wcond = sync.NewCond(&r.wmu)
	if r.repo != nil {
		go r.writeLoop()
	} else {
		close(r.writerOut)
	}
	return r
}

// Acquire returns the active job occupying (kind, target.Source), or registers a new queued
// job for it. created is false when an existing job was returned.
func (r *JobRegistry) Acquire(kind domain.JobKind, target domain.InstallTarget) (*domain.InstallJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.JobKey{Kind: kind, Source: target.Source}
	if id, ok := r.active[key]; ok {
		if job, exists := r.jobs[id]; exists {
			return job.Clone(), false
		}
		delete(r.active, key)
	}

	job := &domain.InstallJob{
		ID:        uuid.New().String(),
		Kind:      kind,
		Target:    target,
		Status:    domain.JobStatusQueued,
		CreatedAt: r.now(),
	}
	r.jobs[job.ID] = job
	r.active[key] = job.ID
	r.persist(job)

	return job.Clone(), true
}

// Transition moves a job forward. Leaving a terminal state, or going backwards, is rejected.
// errMsg is recorded only for failed jobs and must not be empty for them.
func (r *JobRegistry) Transition(id string, next domain.JobStatus, errMsg string) (*domain.InstallJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, domain.ErrJobNotFound
	}
	if !job.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrJobTransition, job.Status, next)
	}

	now := r.now()
	job.Status = next
	switch next {
	case domain.JobStatusRunning:
		job.StartedAt = &now
	case domain.JobStatusSucceeded:
		full := 100
		job.Progress = &full
		job.FinishedAt = &now
	case domain.JobStatusFailed:
		if errMsg == "" {
			errMsg = "install failed without detail"
		}
		job.Error = errMsg
		job.FinishedAt = &now
	}

	if next.Terminal() {
		key := job.Key()
		if r.active[key] == job.ID {
			delete(r.active, key)
		}
	}
	r.persist(job)
	snapshot := job.Clone()

	if next.Terminal() {
		r.evictLocked()
	}
	return snapshot, nil
}

// SetProgress records progress for a running job. Progress never goes backwards.
func (r *JobRegistry) SetProgress(id string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists || job.Status != domain.JobStatusRunning {
		return
	}
	if job.Progress != nil && *job.Progress >= percent {
		return
	}
	p := percent
	job.Progress = &p
}

func (r *JobRegistry) Get(id string) (*domain.InstallJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns jobs of the given kind (all kinds when kind is empty), newest first.
func (r *JobRegistry) List(kind domain.JobKind) []*domain.InstallJob {
	return r.filter(func(j *domain.InstallJob) bool {
		return kind == "" || j.Kind == kind
	})
}

// Succeeded returns the succeeded jobs of a kind, newest first.
func (r *JobRegistry) Succeeded(kind domain.JobKind) []*domain.InstallJob {
	return r.filter(func(j *domain.InstallJob) bool {
		return j.Kind == kind && j.Status == domain.JobStatusSucceeded
	})
}

func (r *JobRegistry) filter(keep func(*domain.InstallJob) bool) []*domain.InstallJob {
	r.mu.RLock()
	out := make([]*domain.InstallJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Sweep applies the retention policy.
func (r *JobRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

func (r *JobRegistry) evictLocked() int {
	var terminal []*domain.InstallJob
	for _, job := range r.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return finishedAt(terminal[i]).Before(finishedAt(terminal[j]))
	})

	evicted := 0
	now := r.now()
	for _, job := range terminal {
		expired := r.retention.MaxAge > 0 && now.Sub(finishedAt(job)) > r.retention.MaxAge
		overCapacity := r.retention.MaxJobs > 0 && len(r.jobs) > r.retention.MaxJobs
		if !expired && !overCapacity {
			continue
		}
		delete(r.jobs, job.ID)
		evicted++
		r.enqueue(jobWrite{deleteID: job.ID})
	}
	if evicted > 0 {
		r.logger.Debugw("job_registry_evicted", "count", evicted, "remaining", len(r.jobs))
	}
	return evicted
}

func finishedAt(job *domain.InstallJob) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.CreatedAt
}

// Restore loads persisted jobs. Jobs a previous process left queued or running can never
// finish, so they are reconciled to failed.
func (r *JobRegistry) Restore(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	jobs, err := r.repo.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load install jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reconciled := 0
	for _, job := range jobs {
		if job.Status.Active() {
			now := r.now()
			job.Status = domain.JobStatusFailed
			job.Error = ErrInterruptedByReboot.Error()
			job.FinishedAt = &now
			r.persist(job)
			reconciled++
		}
		r.jobs[job.ID] = job
	}
	r.evictLocked()

	r.logger.Infow("job_registry_restored", "count", len(jobs), "reconciled", reconciled)
	return reconciled, nil
}

// persist queues a snapshot of job for the repository. Caller holds r.mu.
func (r *JobRegistry) persist(job *domain.InstallJob) {
	r.enqueue(jobWrite{save: job.Clone()})
}

func (r *JobRegistry) enqueue(w jobWrite) bool {
	if r.repo == nil {
		return false
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.stopping {
		return false
	}
	r.pending = append(r.pending, w)
	r.wcond.Signal()
	return true
}

func (r *JobRegistry) writeLoop() {
	defer close(r.writerOut)
	for {
		r.wmu.Lock()
		for len(r.pending) == 0 && !r.stopping {
			r.wcond.Wait()
		}
		batch := r.pending
		r.pending = nil
		stop := r.stopping
		r.wmu.Unlock()

		for _, w := range batch {
			r.apply(w)
		}
		if stop && len(batch) == 0 {
			return
		}
	}
}

func (r *JobRegistry) apply(w jobWrite) {
	switch {
	case w.flushed != nil:
		close(w.flushed)
	case w.save != nil:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.Save(ctx, w.save); err != nil {
			r.logger.Warnw("job_registry_persist_failed", "job_id", w.save.ID, "status", w.save.Status, "error", err)
		}
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.Delete(ctx, w.deleteID); err != nil {
			r.logger.Warnw("job_registry_evict_delete_failed", "job_id", w.deleteID, "error", err)
		}
	}
}

// Flush waits until every write queued before the call has reached the repository.
func (r *JobRegistry) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !r.enqueue(jobWrite{flushed: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close applies the queued writes and stops the writer. Later mutations stay in memory only.
func (r *JobRegistry) Close() {
	r.closeOnce.Do(func() {
		r.wmu.Lock()
		r.stopping = true
		r.wcond.Broadcast()
		r.wmu.Unlock()
		<-r.writerOut
	})
}
