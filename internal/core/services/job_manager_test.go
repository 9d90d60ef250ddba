package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, maxConcurrent int, installers map[domain.JobKind]ports.Installer) *JobManager {
	t.Helper()
	m := NewJobManager(JobManagerConfig{MaxConcurrent: maxConcurrent}, NewJobRegistry(JobRegistryConfig{}), installers, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *JobManager, id string, want domain.JobStatus) *domain.InstallJob {
	t.Helper()
	var job *domain.InstallJob
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Get(id)
		return err == nil && job.Status == want
	}, waitFor, 5*time.Millisecond)
	return job
}

func TestJobManagerDeduplicatesWhileActive(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	m := newTestManager(t, 2, map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: installerFunc(func(ctx context.Context, _ *domain.InstallJob, _ ports.ProgressFunc) error {
			calls.Add(1)
			<-release
			return nil
		}),
	})

	first, created, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	close(release)
	waitStatus(t, m, first.ID, domain.JobStatusSucceeded)
	assert.Equal(t, int32(1), calls.Load())

	third, created, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
	waitStatus(t, m, third.ID, domain.JobStatusSucceeded)
}

func TestJobManagerRecordsFailure(t *testing.T) {
	m := newTestManager(t, 1, map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: installerFunc(func(context.Context, *domain.InstallJob, ports.ProgressFunc) error {
			return errors.New("repository not found")
		}),
	})

	job, _, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("missing"))
	require.NoError(t, err)

	failed := waitStatus(t, m, job.ID, domain.JobStatusFailed)
	assert.Contains(t, failed.Error, "repository not found")
	assert.NotNil(t, failed.StartedAt)
	assert.NotNil(t, failed.FinishedAt)
}

func TestJobManagerRecoversPanics(t *testing.T) {
	m := newTestManager(t, 1, map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: installerFunc(func(context.Context, *domain.InstallJob, ports.ProgressFunc) error {
			panic("installer exploded")
		}),
	})

	job, _, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	require.NoError(t, err)

	failed := waitStatus(t, m, job.ID, domain.JobStatusFailed)
	assert.Contains(t, failed.Error, "installer exploded")
}

func TestJobManagerReportsProgress(t *testing.T) {
	reported := make(chan struct{})
	release := make(chan struct{})
	m := newTestManager(t, 1, map[domain.JobKind]ports.Installer{
		domain.JobKindModel: installerFunc(func(_ context.Context, _ *domain.InstallJob, progress ports.ProgressFunc) error {
			progress(25)
			progress(60)
			close(reported)
			<-release
			return nil
		}),
	})

	job, _, err := m.Submit(context.Background(), domain.JobKindModel, domain.InstallTarget{Source: "https://example.com/files/model.safetensors"})
	require.NoError(t, err)

	<-reported
	running, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, running.Status)
	require.NotNil(t, running.Progress)
	assert.Equal(t, 60, *running.Progress)

	close(release)
	done := waitStatus(t, m, job.ID, domain.JobStatusSucceeded)
	assert.Equal(t, 100, *done.Progress)
}

func TestJobManagerBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	m := newTestManager(t, 1, map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: installerFunc(func(context.Context, *domain.InstallJob, ports.ProgressFunc) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		}),
	})

	a, _, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	require.NoError(t, err)
	b, _, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("B"))
	require.NoError(t, err)

	waitStatus(t, m, a.ID, domain.JobStatusRunning)
	queued, err := m.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, queued.Status)

	close(release)
	waitStatus(t, m, a.ID, domain.JobStatusSucceeded)
	waitStatus(t, m, b.ID, domain.JobStatusSucceeded)
	assert.Equal(t, int32(1), peak.Load())
}

func TestJobManagerValidatesTargets(t *testing.T) {
	noop := installerFunc(func(context.Context, *domain.InstallJob, ports.ProgressFunc) error { return nil })
	m := newTestManager(t, 1, map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: noop,
		domain.JobKindModel:     noop,
	})

	cases := []struct {
		name   string
		kind   domain.JobKind
		target domain.InstallTarget
	}{
		{"empty source", domain.JobKindExtension, domain.InstallTarget{Source: "  "}},
		{"unknown kind", domain.JobKind("plugin"), domain.InstallTarget{Source: "A"}},
		{"model not a url", domain.JobKindModel, domain.InstallTarget{Source: "model.bin"}},
		{"model ftp url", domain.JobKindModel, domain.InstallTarget{Source: "ftp://host/model.bin"}},
		{"model escapes folder", domain.JobKindModel, domain.InstallTarget{Source: "https://h/m.bin", Folder: "../etc"}},
		{"model bad name", domain.JobKindModel, domain.InstallTarget{Source: "https://h/m.bin", Name: "a/b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := m.Submit(context.Background(), tc.kind, tc.target)
			var validation *domain.ValidationError
			require.ErrorAs(t, err, &validation)
			assert.NotEmpty(t, validation.Problems)
		})
	}
	assert.Empty(t, m.List(""))
}

func TestJobManagerFillsModelDefaults(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, 1, map[domain.JobKind]ports.Installer{
		domain.JobKindModel: installerFunc(func(context.Context, *domain.InstallJob, ports.ProgressFunc) error {
			<-release
			return nil
		}),
	})
	defer close(release)

	job, _, err := m.Submit(context.Background(), domain.JobKindModel, domain.InstallTarget{Source: "https://example.com/a/sdxl.safetensors?download=1"})
	require.NoError(t, err)
	assert.Equal(t, "sdxl.safetensors", job.Target.Name)
	assert.Equal(t, DefaultModelFolder, job.Target.Folder)
}

func TestJobManagerRejectsAfterClose(t *testing.T) {
	m := NewJobManager(JobManagerConfig{MaxConcurrent: 1}, NewJobRegistry(JobRegistryConfig{}), map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: installerFunc(func(context.Context, *domain.InstallJob, ports.ProgressFunc) error { return nil }),
	}, nil)
	m.Close()

	_, _, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	assert.ErrorIs(t, err, ErrJobManagerClosed)
}

func TestJobManagerCloseFailsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	m := NewJobManager(JobManagerConfig{MaxConcurrent: 1}, NewJobRegistry(JobRegistryConfig{}), map[domain.JobKind]ports.Installer{
		domain.JobKindExtension: installerFunc(func(ctx context.Context, _ *domain.InstallJob, _ ports.ProgressFunc) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	}, nil)

	job, _, err := m.Submit(context.Background(), domain.JobKindExtension, extTarget("A"))
	require.NoError(t, err)
	<-started
	m.Close()

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}
