// Package apperrors defines the sentinel error kinds shared by every
// component of the scan orchestration engine, and the wrapping helpers used
// to attach per-job or per-asset context to them.
package apperrors

import (
	"github.com/go-faster/errors"
)

// Kind identifies one of the error classes the engine distinguishes.
// Callers use errors.Is against the package-level sentinels below rather
// than comparing Kind directly.
type Kind string

const (
	KindValidation                  Kind = "validation"
	KindConfiguration               Kind = "configuration"
	KindInfrastructure              Kind = "infrastructure"
	KindLaunchRejected              Kind = "launch_rejected"
	KindLaunchInfrastructure        Kind = "launch_infrastructure"
	KindImageUnavailable            Kind = "image_unavailable"
	KindWorkerTimeout               Kind = "worker_timeout"
	KindWorkerExitedWithoutTerminal Kind = "worker_exited_without_terminal"
	KindDuplicateJob                Kind = "duplicate_job"
	KindUnknownModule               Kind = "unknown_module"
	KindAmbiguousProducer           Kind = "ambiguous_producer"
	KindPartialFailure              Kind = "partial_failure"
)

// Sentinel errors. Wrap with errors.Wrapf(ErrX, "context: %s", detail) and
// unwrap with errors.Is.
var (
	ErrValidation                  = errors.New("validation error")
	ErrUnknownModule               = errors.New("unknown module")
	ErrModuleDisabled              = errors.New("module disabled")
	ErrEmptyModuleSet              = errors.New("module set is empty")
	ErrAssetNotOwned               = errors.New("asset not owned by caller")
	ErrConfiguration               = errors.New("configuration error")
	ErrDependencyCycle             = errors.New("dependency cycle detected")
	ErrAmbiguousProducer           = errors.New("ambiguous producer")
	ErrInfrastructure              = errors.New("infrastructure error")
	ErrConfigLoad                  = errors.New("config load error")
	ErrLaunchRejected              = errors.New("launch rejected")
	ErrLaunchInfrastructure        = errors.New("launch infrastructure error")
	ErrImageUnavailable            = errors.New("image unavailable")
	ErrWorkerTimeout               = errors.New("worker timeout")
	ErrWorkerExitedWithoutTerminal = errors.New("worker exited without terminal status")
	ErrDuplicateJob                = errors.New("duplicate job")
	ErrPartialFailure              = errors.New("partial failure")
)

// Wrap attaches msg as context to err, preserving errors.Is/As against the
// wrapped sentinel and recording a stack trace via go-faster/errors.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// Is is re-exported so callers need only import this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is re-exported so callers need only import this package.
func As(err error, target any) bool { return errors.As(err, target) }
