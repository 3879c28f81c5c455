package main

import (
	"context"
	"errors"

	"github.com/datagovindia/dgi/internal/apperrors"
)

// Exit codes for dgi
const (
	exitSuccess    = 0
	exitGeneral    = 1
	exitConfig     = 2
	exitValidation = 3
	exitNetwork    = 5
	exitRemoteAPI  = 6
	exitNotFound   = 7
	exitCache      = 8
	exitCanceled   = 130
)

// exitCode maps an error returned by a command to the process exit code.
// An interrupt wins over whichever layer reported it. Validation is checked
// before configuration since ErrInvalidFilter wraps ErrConfig.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.Is(err, apperrors.ErrInvalidFilter), errors.Is(err, errUsage):
		return exitValidation
	case errors.Is(err, apperrors.ErrConfig):
		return exitConfig
	case errors.Is(err, apperrors.ErrNetwork):
		return exitNetwork
	case errors.Is(err, apperrors.ErrRemoteAPI):
		return exitRemoteAPI
	case errors.Is(err, apperrors.ErrNotFound):
		return exitNotFound
	case errors.Is(err, apperrors.ErrCache):
		return exitCache
	default:
		return exitGeneral
	}
}

// errUsage marks invalid command-line input that is not a catalog filter.
var errUsage = errors.New("invalid usage")

func usageErrorf(format string, args ...any) error {
	return apperrors.Errorf(errUsage, "", format, args...)
}
