package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
)

type extensionInstaller struct {
	engine ports.EngineClient
	logger *logger.Logger
}

// NewExtensionInstaller installs extensions through the engine's extension manager endpoint.
// The engine gives no intermediate progress, so the job reports unknown progress until done.
func NewExtensionInstaller(engine ports.EngineClient, log *logger.Logger) ports.Installer {
	if log == nil {
		log = logger.NewNop()
	}
	return &extensionInstaller{engine: engine, logger: log}
}

func (i *extensionInstaller) Install(ctx context.Context, job *domain.InstallJob, _ ports.ProgressFunc) error {
	i.logger.Infow("extension_install_requested", "job_id", job.ID, "source", job.Target.Source)

	err := i.engine.InstallExtension(ctx, job.Target)
	if err == nil {
		return nil
	}

	var rejected *domain.UpstreamRejectedError
	if errors.As(err, &rejected) {
		detail := string(rejected.Body)
		if detail == "" {
			detail = fmt.Sprintf("status %d", rejected.Status)
		}
		return fmt.Errorf("%w: %s", ErrExtensionInstall, detail)
	}
	return fmt.Errorf("%w: %w", ErrExtensionInstall, err)
}
