package services

import "errors"

// Install job errors
var (
	ErrJobInvalidKind      = errors.New("install: unknown job kind")
	ErrJobInvalidTarget    = errors.New("install: invalid target")
	ErrJobTransition       = errors.New("install: illegal status transition")
	ErrJobManagerClosed    = errors.New("install: manager is shutting down")
	ErrInstallerMissing    = errors.New("install: no installer registered for kind")
	ErrInstallLocked       = errors.New("install: target is being installed by another process")
	ErrInterruptedByReboot = errors.New("install: interrupted by service restart")
)

// Installer errors
var (
	ErrDownloadFailed    = errors.New("installer: download failed")
	ErrDownloadStatus    = errors.New("installer: unexpected download status")
	ErrSinkWriteFailed   = errors.New("installer: failed to write model file")
	ErrInsufficientSpace = errors.New("installer: not enough free space for model")
	ErrExtensionInstall  = errors.New("installer: engine refused extension install")
)

// Task submission errors
var (
	ErrTaskSubmission = errors.New("task: submission failed")
)
