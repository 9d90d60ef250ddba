package services

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// DefaultModelFolder is used when a model install does not name a folder.
const DefaultModelFolder = "checkpoints"

type JobManagerConfig struct {
	MaxConcurrent int
	SweepInterval time.Duration
}

// JobManager runs install jobs in the background. It owns the registry and decides which
// installer executes each job kind.
type JobManager struct {
	registry   *JobRegistry
	installers map[domain.JobKind]ports.Installer
	slots      *semaphore.Weighted
	logger     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	sweepInterval time.Duration
}

var _ ports.JobManager = (*JobManager)(nil)

func NewJobManager(cfg JobManagerConfig, registry *JobRegistry, installers map[domain.JobKind]ports.Installer, log *logger.Logger) *JobManager {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		registry:      registry,
		installers:    installers,
		slots:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:        log,
		ctx:           ctx,
		cancel:        cancel,
		sweepInterval: cfg.SweepInterval,
	}
}

// Start restores persisted jobs and launches the retention sweeper.
func (m *JobManager) Start(ctx context.Context) error {
	if _, err := m.registry.Restore(ctx); err != nil {
		return err
	}
	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return nil
}

func (m *JobManager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.registry.Sweep()
		}
	}
}

// Submit registers a job for target, or returns the job already working on it.
func (m *JobManager) Submit(ctx context.Context, kind domain.JobKind, target domain.InstallTarget) (*domain.InstallJob, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrJobManagerClosed
	}
	if !kind.Valid() {
		return nil, false, fmt.Errorf("%w: %w", ErrJobInvalidKind, domain.NewValidationError(fmt.Sprintf("unknown kind %q", kind)))
	}
	if _, ok := m.installers[kind]; !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrInstallerMissing, kind)
	}

	target, err := normalizeTarget(kind, target)
	if err != nil {
		return nil, false, err
	}

	job, created := m.registry.Acquire(kind, target)
	if !created {
		m.logger.Infow("install_job_deduplicated", "job_id", job.ID, "kind", kind, "source", target.Source, "status", job.Status)
		return job, false, nil
	}

	m.logger.Infow("install_job_queued", "job_id", job.ID, "kind", kind, "source", target.Source)

	m.wg.Add(1)
	go m.run(job)

	return job, true, nil
}

func (m *JobManager) Get(id string) (*domain.InstallJob, error) {
	return m.registry.Get(id)
}

func (m *JobManager) List(kind domain.JobKind) []*domain.InstallJob {
	return m.registry.List(kind)
}

func (m *JobManager) Succeeded(kind domain.JobKind) []*domain.InstallJob {
	return m.registry.Succeeded(kind)
}

// Close stops accepting jobs, cancels running installs, waits for workers to finish and
// flushes the final job states to the store.
func (m *JobManager) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.registry.Close()
}

func (m *JobManager) run(job *domain.InstallJob) {
	defer m.wg.Done()

	if err := m.slots.Acquire(m.ctx, 1); err != nil {
		m.fail(job.ID, ErrJobManagerClosed.Error())
		return
	}
	defer m.slots.Release(1)

	running, err := m.registry.Transition(job.ID, domain.JobStatusRunning, "")
	if err != nil {
		m.logger.Errorw("install_job_start_failed", "job_id", job.ID, "error", err)
		return
	}
	m.logger.Infow("install_job_started", "job_id", job.ID, "kind", job.Kind, "source", job.Target.Source)

	installer := m.installers[job.Kind]
	progress := func(percent int) {
		m.registry.SetProgress(job.ID, percent)
	}

	var installErr error
	var pc panics.Catcher
	pc.Try(func() {
		installErr = installer.Install(m.ctx, running, progress)
	})
	if recovered := pc.Recovered(); recovered != nil {
		m.logger.Errorw("install_job_panicked", "job_id", job.ID, "error", recovered.AsError())
		installErr = fmt.Errorf("installer panicked: %v", recovered.Value)
	}

	if installErr != nil {
		m.fail(job.ID, installErr.Error())
		return
	}

	if _, err := m.registry.Transition(job.ID, domain.JobStatusSucceeded, ""); err != nil {
		m.logger.Errorw("install_job_finish_failed", "job_id", job.ID, "error", err)
		return
	}
	m.logger.Infow("install_job_succeeded", "job_id", job.ID, "kind", job.Kind, "source", job.Target.Source)
}

func (m *JobManager) fail(id, detail string) {
	if _, err := m.registry.Transition(id, domain.JobStatusFailed, detail); err != nil {
		m.logger.Errorw("install_job_fail_transition_failed", "job_id", id, "error", err)
		return
	}
	m.logger.Warnw("install_job_failed", "job_id", id, "error", detail)
}

// normalizeTarget validates a target and fills model defaults.
func normalizeTarget(kind domain.JobKind, target domain.InstallTarget) (domain.InstallTarget, error) {
	target.Source = strings.TrimSpace(target.Source)
	target.Name = strings.TrimSpace(target.Name)
	target.Folder = strings.Trim(strings.TrimSpace(target.Folder), "/")

	var problems []string
	if target.Source == "" {
		problems = append(problems, "source is required")
	}

	if kind == domain.JobKindModel && target.Source != "" {
		u, err := url.Parse(target.Source)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "model source must be an http(s) URL")
		} else if target.Name == "" {
			target.Name = path.Base(u.Path)
		}
		if target.Folder == "" {
			target.Folder = DefaultModelFolder
		}
		if !safePathElement(target.Name) {
			problems = append(problems, "model name must be a plain file name")
		}
		for _, part := range strings.Split(target.Folder, "/") {
			if !safePathElement(part) {
				problems = append(problems, "model folder must not escape the models directory")
				break
			}
		}
	}

	if len(problems) > 0 {
		return target, fmt.Errorf("%w: %w", ErrJobInvalidTarget, domain.NewValidationError(problems...))
	}
	return target, nil
}

func safePathElement(s string) bool {
	return s != "" && s != "." && s != ".." && s != "/" && !strings.ContainsAny(s, `/\`)
}
