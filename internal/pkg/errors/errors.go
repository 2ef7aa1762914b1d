package errors

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalid               = errors.New("invalid")
	ErrConflict              = errors.New("conflict")
	ErrTooMany               = errors.New("too many requests")
	ErrInternal              = errors.New("internal")
	ErrInvalidIntegration    = errors.New("invalid integration")
	ErrAuthenticationExpired = errors.New("authentication expired")
	ErrPageNotFound          = errors.New("external page not found")
	ErrRateLimited           = errors.New("rate limited by source")
	ErrTaskTimeout           = errors.New("import task timed out")
	ErrAttachmentNotReady    = errors.New("attachment not ready")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
