/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

// Package logging provides the context-scoped structured logger every
// component is handed at construction, replacing the teacher's
// controller-runtime log.FromContext(ctx) (itself a logr-wrapped zap
// logger) with a zerolog.Logger carried the same way: never a package-level
// global, always pulled out of the ctx the caller already has.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// New builds the root logger. dest defaults to os.Stderr when nil.
func New(dest io.Writer, level zerolog.Level) zerolog.Logger {
	if dest == nil {
		dest = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(dest).Level(level).With().Timestamp().Logger()
}

// Into stores logger in ctx for retrieval by FromContext.
func Into(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a disabled logger if none
// was attached — mirroring controller-runtime's fallback-to-discard behavior
// so call sites never need a nil check.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}

// WithTask returns ctx with a logger annotated with the given task id, the
// structured-field equivalent of the teacher's per-reconcile logger.
func WithTask(ctx context.Context, taskID string) context.Context {
	l := FromContext(ctx).With().Str("task_id", taskID).Logger()
	return Into(ctx, l)
}
