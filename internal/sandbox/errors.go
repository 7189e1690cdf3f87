package sandbox

import "errors"

// Sentinel errors mapped to HTTP statuses by the API layer. NotFound covers
// both unknown ids and sandboxes already past their lifetime: neither is a
// valid handle for the caller anymore.
var (
	ErrNotFound            = errors.New("sandbox not found")
	ErrForbidden           = errors.New("sandbox belongs to another user")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)
