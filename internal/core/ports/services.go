package ports

import (
	"context"
	"encoding/json"
	"io"

	"github.com/flowcanvas/companion/internal/domain"
)

// EngineClient is the JSON side of the engine's HTTP API.
type EngineClient interface {
	QueuePrompt(ctx context.Context, payload domain.TaskDescriptor) (*domain.TaskReceipt, error)
	InstallExtension(ctx context.Context, target domain.InstallTarget) error
	ListExtensions(ctx context.Context) ([]json.RawMessage, error)
	ListModelFolders(ctx context.Context) ([]string, error)
	ListModels(ctx context.Context, folder string) ([]json.RawMessage, error)
}

// ProgressFunc reports completion percent (0-100) of a running install.
type ProgressFunc func(percent int)

// Installer performs the actual installation of one kind of target.
type Installer interface {
	Install(ctx context.Context, job *domain.InstallJob, progress ProgressFunc) error
}

// ModelSink stores downloaded model files. Paths are slash-separated and relative to the
// models root.
type ModelSink interface {
	Create(ctx context.Context, rel string) (io.WriteCloser, error)
	Rename(ctx context.Context, from, to string) error
	Remove(ctx context.Context, rel string) error
	Exists(ctx context.Context, rel string) (bool, error)
	// Root reports where files end up, for logs.
	Root() string
	Close() error
}

// SpaceReporter is implemented by sinks that can tell how much room is left for downloads.
type SpaceReporter interface {
	FreeSpace(ctx context.Context) (uint64, error)
}

type JobManager interface {
	Submit(ctx context.Context, kind domain.JobKind, target domain.InstallTarget) (job *domain.InstallJob, created bool, err error)
	Get(id string) (*domain.InstallJob, error)
	List(kind domain.JobKind) []*domain.InstallJob
	Succeeded(kind domain.JobKind) []*domain.InstallJob
}

type CatalogService interface {
	ListExtensions(ctx context.Context) (items []domain.ExtensionInfo, partial bool, err error)
	ListModels(ctx context.Context) (items []domain.ModelInfo, partial bool, err error)
}

type TaskGateway interface {
	Submit(ctx context.Context, task domain.TaskDescriptor) (*domain.TaskReceipt, error)
}

// RelayIdentity exposes the client id the relay uses upstream, so tasks can be routed to it.
type RelayIdentity interface {
	UpstreamClientID() string
}
