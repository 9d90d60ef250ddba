package ports

import (
	"context"

	"github.com/flowcanvas/companion/internal/domain"
)

// JobRepository persists install jobs so a restarted process can reconcile what the previous
// one left behind.
type JobRepository interface {
	Save(ctx context.Context, job *domain.InstallJob) error
	GetAll(ctx context.Context) ([]*domain.InstallJob, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
