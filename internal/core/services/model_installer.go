package services

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-retryablehttp"
)

type ModelInstallerConfig struct {
	// LockDir holds per-target lock files shared with other companion processes. Empty
	// disables cross-process locking.
	LockDir  string
	RetryMax int
	// Client overrides the download client; tests use it to point at a fake server.
	Client *http.Client
}

type modelInstaller struct {
	client  *retryablehttp.Client
	sink    ports.ModelSink
	lockDir string
	logger  *logger.Logger
}

func NewModelInstaller(cfg ModelInstallerConfig, sink ports.ModelSink, log *logger.Logger) ports.Installer {
	if log == nil {
		log = logger.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	if cfg.Client != nil {
		client.HTTPClient = cfg.Client
	}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Debugw("model_download_retry", "url", req.URL.String(), "attempt", attempt)
		}
	}

	return &modelInstaller{
		client:  client,
		sink:    sink,
		lockDir: cfg.LockDir,
		logger:  log,
	}
}

func (i *modelInstaller) Install(ctx context.Context, job *domain.InstallJob, progress ports.ProgressFunc) error {
	rel := path.Join(job.Target.Folder, job.Target.Name)
	part := rel + ".part"

	if i.lockDir != "" {
		if err := os.MkdirAll(i.lockDir, 0o755); err != nil {
			return fmt.Errorf("create lock dir: %w", err)
		}
		lock := flock.New(filepath.Join(i.lockDir, lockName(rel)))
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire install lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInstallLocked, rel)
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				i.logger.Warnw("model_install_unlock_failed", "target", rel, "error", err)
			}
		}()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, job.Target.Source, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrDownloadStatus, resp.Status)
	}

	if err := i.checkSpace(ctx, resp.ContentLength); err != nil {
		return err
	}

	w, err := i.sink.Create(ctx, part)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWriteFailed, err)
	}

	counter := &progressWriter{total: resp.ContentLength, report: progress}
	written, copyErr := io.Copy(io.MultiWriter(w, counter), resp.Body)
	closeErr := w.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("short body: got %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr != nil {
		if err := i.sink.Remove(context.Background(), part); err != nil {
			i.logger.Warnw("model_install_cleanup_failed", "target", part, "error", err)
		}
		return fmt.Errorf("%w: %w", ErrSinkWriteFailed, copyErr)
	}

	if err := i.sink.Rename(ctx, part, rel); err != nil {
		if rmErr := i.sink.Remove(context.Background(), part); rmErr != nil {
			i.logger.Warnw("model_install_cleanup_failed", "target", part, "error", rmErr)
		}
		return fmt.Errorf("%w: %w", ErrSinkWriteFailed, err)
	}

	i.logger.Infow("model_downloaded",
		"job_id", job.ID,
		"target", path.Join(i.sink.Root(), rel),
		"size", humanize.Bytes(uint64(written)),
	)
	return nil
}

// checkSpace refuses downloads larger than the sink's free space. Sinks that cannot report
// space, and unknown lengths, are let through.
func (i *modelInstaller) checkSpace(ctx context.Context, size int64) error {
	reporter, ok := i.sink.(ports.SpaceReporter)
	if !ok || size <= 0 {
		return nil
	}
	free, err := reporter.FreeSpace(ctx)
	if err != nil {
		i.logger.Debugw("model_install_space_unknown", "error", err)
		return nil
	}
	if uint64(size) > free {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientSpace, humanize.Bytes(uint64(size)), humanize.Bytes(free))
	}
	return nil
}

func lockName(rel string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(rel) + ".lock"
}

// progressWriter turns byte counts into percent updates. It stays silent when the size is
// unknown.
type progressWriter struct {
	total   int64
	written int64
	last    int
	report  ports.ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total <= 0 || p.report == nil {
		return len(b), nil
	}
	percent := int(p.written * 100 / p.total)
	if percent > 99 {
		// 100 is reserved for the succeeded transition.
		percent = 99
	}
	if percent > p.last {
		p.last = percent
		p.report(percent)
	}
	return len(b), nil
}
