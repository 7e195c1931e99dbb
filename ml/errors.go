package ml

import "fmt"

// SchemaMismatchError reports a feature column missing from supplied data or
// an artifact whose layout diverges from the current schema. Always fatal to
// the request that hit it.
type SchemaMismatchError struct {
	Column string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("missing required feature column: %s", e.Column)
	}
	return "feature schema mismatch: " + e.Detail
}

// ModelUnavailableError reports a missing or unreadable model artifact.
// No prediction can proceed without it.
type ModelUnavailableError struct {
	Path string
	Err  error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model artifact unavailable at %s: %v", e.Path, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// InsufficientDataError aborts a training run that would otherwise fit a
// model on too little data (or none at all). The previous artifact is left
// untouched.
type InsufficientDataError struct {
	Rows int
	Min  int
}

func (e *InsufficientDataError) Error() string {
	if e.Rows == 0 {
		return "training aborted: query returned no rows"
	}
	return fmt.Sprintf("training aborted: %d usable rows, need at least %d", e.Rows, e.Min)
}
