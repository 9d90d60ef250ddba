package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
)

type fakeEngine struct {
	mu sync.Mutex

	queued     []domain.TaskDescriptor
	queueErr   error
	nextNumber int

	installed  []domain.InstallTarget
	installErr error

	extensions    []json.RawMessage
	extensionsErr error
	folders       []string
	foldersErr    error
	models        map[string][]json.RawMessage
	modelsErr     map[string]error
}

var _ ports.EngineClient = (*fakeEngine)(nil)

func (f *fakeEngine) QueuePrompt(_ context.Context, payload domain.TaskDescriptor) (*domain.TaskReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	f.queued = append(f.queued, payload)
	f.nextNumber++
	return &domain.TaskReceipt{TaskID: "prompt-" + string(rune('a'+f.nextNumber-1)), Number: f.nextNumber}, nil
}

func (f *fakeEngine) InstallExtension(_ context.Context, target domain.InstallTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = append(f.installed, target)
	return nil
}

func (f *fakeEngine) ListExtensions(context.Context) ([]json.RawMessage, error) {
	return f.extensions, f.extensionsErr
}

func (f *fakeEngine) ListModelFolders(context.Context) ([]string, error) {
	return f.folders, f.foldersErr
}

func (f *fakeEngine) ListModels(_ context.Context, folder string) ([]json.RawMessage, error) {
	if err := f.modelsErr[folder]; err != nil {
		return nil, err
	}
	return f.models[folder], nil
}

func (f *fakeEngine) queuedPayloads() []domain.TaskDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TaskDescriptor(nil), f.queued...)
}

// installerFunc adapts a function to ports.Installer.
type installerFunc func(ctx context.Context, job *domain.InstallJob, progress ports.ProgressFunc) error

func (f installerFunc) Install(ctx context.Context, job *domain.InstallJob, progress ports.ProgressFunc) error {
	return f(ctx, job, progress)
}

// memoryRepo is an in-memory ports.JobRepository for persistence tests. The delays and
// saveErr simulate a slow or broken database.
type memoryRepo struct {
	mu    sync.Mutex
	jobs  map[string]*domain.InstallJob
	saves int

	saveDelay   time.Duration
	deleteDelay time.Duration
	saveErr     error
}

func newMemoryRepo(jobs ...*domain.InstallJob) *memoryRepo {
	r := &memoryRepo{jobs: make(map[string]*domain.InstallJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j.Clone()
	}
	return r
}

func (r *memoryRepo) Save(_ context.Context, job *domain.InstallJob) error {
	time.Sleep(r.saveDelay)
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	r.saves++
	return nil
}

func (r *memoryRepo) GetAll(context.Context) ([]*domain.InstallJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.InstallJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	time.Sleep(r.deleteDelay)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

func (r *memoryRepo) Close() error { return nil }

func (r *memoryRepo) get(id string) *domain.InstallJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return j.Clone()
	}
	return nil
}

func (r *memoryRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *memoryRepo) all() map[string]*domain.InstallJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.InstallJob, len(r.jobs))
	for id, j := range r.jobs {
		out[id] = j.Clone()
	}
	return out
}
