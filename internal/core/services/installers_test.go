package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/sink"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelJob(source string) *domain.InstallJob {
	return &domain.InstallJob{
		ID:     "job-1",
		Kind:   domain.JobKindModel,
		Target: domain.InstallTarget{Source: source, Name: "model.safetensors", Folder: "checkpoints"},
		Status: domain.JobStatusRunning,
	}
}

func TestModelInstallerDownloadsWithProgress(t *testing.T) {
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	root := t.TempDir()
	local, err := sink.NewLocal(root)
	require.NoError(t, err)

	installer := NewModelInstaller(ModelInstallerConfig{LockDir: t.TempDir()}, local, nil)

	var mu sync.Mutex
	var reports []int
	err = installer.Install(context.Background(), modelJob(srv.URL+"/model"), func(p int) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "checkpoints", "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(filepath.Join(root, "checkpoints", "model.safetensors.part"))
	assert.True(t, os.IsNotExist(err))

	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1])
	}
	assert.LessOrEqual(t, reports[len(reports)-1], 99)
}

func TestModelInstallerFailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	root := t.TempDir()
	local, err := sink.NewLocal(root)
	require.NoError(t, err)

	err = NewModelInstaller(ModelInstallerConfig{}, local, nil).Install(context.Background(), modelJob(srv.URL+"/missing"), nil)
	assert.ErrorIs(t, err, ErrDownloadStatus)

	_, err = os.Stat(filepath.Join(root, "checkpoints", "model.safetensors"))
	assert.True(t, os.IsNotExist(err))
}

func TestModelInstallerRespectsForeignLock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	lockDir := t.TempDir()
	held := flock.New(filepath.Join(lockDir, lockName("checkpoints/model.safetensors")))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	local, err := sink.NewLocal(t.TempDir())
	require.NoError(t, err)

	err = NewModelInstaller(ModelInstallerConfig{LockDir: lockDir}, local, nil).Install(context.Background(), modelJob(srv.URL), nil)
	assert.ErrorIs(t, err, ErrInstallLocked)
}

func TestExtensionInstallerWrapsRejection(t *testing.T) {
	engine := &fakeEngine{installErr: &domain.UpstreamRejectedError{Op: "install_extension", Status: 403, Body: []byte("security level too low")}}
	job := &domain.InstallJob{ID: "e", Kind: domain.JobKindExtension, Target: domain.InstallTarget{Source: "https://github.com/acme/nodes"}}

	err := NewExtensionInstaller(engine, nil).Install(context.Background(), job, nil)
	assert.ErrorIs(t, err, ErrExtensionInstall)
	assert.Contains(t, err.Error(), "security level too low")
}

func TestExtensionInstallerForwardsTarget(t *testing.T) {
	engine := &fakeEngine{}
	job := &domain.InstallJob{ID: "e", Kind: domain.JobKindExtension, Target: domain.InstallTarget{Source: "https://github.com/acme/nodes", Name: "nodes"}}

	require.NoError(t, NewExtensionInstaller(engine, nil).Install(context.Background(), job, nil))
	require.Len(t, engine.installed, 1)
	assert.Equal(t, job.Target, engine.installed[0])
}

// crampedSink reports almost no free space.
type crampedSink struct {
	*sink.Local
}

func (crampedSink) FreeSpace(context.Context) (uint64, error) {
	return 16, nil
}

func TestModelInstallerRefusesWhenSinkIsFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	root := t.TempDir()
	local, err := sink.NewLocal(root)
	require.NoError(t, err)

	err = NewModelInstaller(ModelInstallerConfig{}, crampedSink{local}, nil).Install(context.Background(), modelJob(srv.URL), nil)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	_, err = os.Stat(filepath.Join(root, "checkpoints", "model.safetensors.part"))
	assert.True(t, os.IsNotExist(err))
}

// stuckSink accepts writes but cannot move the finished file into place.
type stuckSink struct {
	*sink.Local
}

func (stuckSink) Rename(context.Context, string, string) error {
	return errors.New("cross-device link")
}

func TestModelInstallerRemovesPartialFileWhenRenameFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	root := t.TempDir()
	local, err := sink.NewLocal(root)
	require.NoError(t, err)

	err = NewModelInstaller(ModelInstallerConfig{}, stuckSink{local}, nil).Install(context.Background(), modelJob(srv.URL), nil)
	assert.ErrorIs(t, err, ErrSinkWriteFailed)

	_, err = os.Stat(filepath.Join(root, "checkpoints", "model.safetensors.part"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "checkpoints", "model.safetensors"))
	assert.True(t, os.IsNotExist(err))
}
