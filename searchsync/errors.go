package searchsync

import (
	"errors"
	"fmt"
)

// ErrCheckpointConflict means another runner advanced the same entity
// type's watermark between our read and our compare-and-swap. The batch
// is treated as already processed; nothing is retried.
var ErrCheckpointConflict = errors.New("checkpoint conflict")

// SourceUnavailableError wraps a relational store connection or query
// failure. Always transient: the runner backs off and retries the same
// watermark.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %v", e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// SinkUnavailableError wraps a whole-batch transport failure against the
// search index. Always transient and retryable; per-document rejections
// are reported through LoadResult instead.
type SinkUnavailableError struct {
	Err error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("sink unavailable: %v", e.Err)
}

func (e *SinkUnavailableError) Unwrap() error { return e.Err }

// IsTransient reports whether err should send the runner through the
// dependency-readiness gate before retrying.
func IsTransient(err error) bool {
	var src *SourceUnavailableError
	var sink *SinkUnavailableError
	return errors.As(err, &src) || errors.As(err, &sink)
}

// SkippedRow records a single source row dropped from a cycle, either by
// transform validation or by a per-document index rejection. Skips never
// abort the batch and never block the watermark.
type SkippedRow struct {
	SourceID string
	Code     string
	Reason   string
}
