// Package sink persists merged records. Every implementation is
// append-only: a record is written fully or not at all, and is never
// rewritten once stored.
package sink

import (
	"context"

	"codeberg.org/mutker/powerlog/internal/errors"
	"codeberg.org/mutker/powerlog/internal/pipeline"
)

const (
	ErrOpenFailed   = errors.ErrorCode("sink_open_failed")
	ErrSchemaInit   = errors.ErrorCode("sink_schema_init_failed")
	ErrAppendFailed = errors.ErrorCode("sink_append_failed")
	ErrCloseFailed  = errors.ErrorCode("sink_close_failed")
	ErrRailMismatch = errors.ErrorCode("sink_rail_mismatch")
)

// Sink extends the pipeline's append contract with a close lifecycle.
type Sink interface {
	pipeline.RecordSink
	Close() error
}

// Multi fans every record out to all given sinks. Each sink gets a
// chance to append; the first failure is reported.
type Multi []Sink

func (m Multi) Append(ctx context.Context, rec *pipeline.Record) error {
	var firstErr error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
