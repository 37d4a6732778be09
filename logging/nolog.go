// Package logging centralizes the ambient logger type used across
// every component, adapted from the teacher's log/nolog.go: a no-op
// implementation of github.com/luxfi/log.Logger for components and
// tests that are not given a real logger.
package logging

import (
	"context"
	"log/slog"

	"github.com/luxfi/log"
	"go.uber.org/zap"
)

// Logger is the structured logger interface every component accepts at
// construction (spec.md §10).
type Logger = log.Logger

// noOp is a no-op Logger, used as the default when nothing is passed.
type noOp struct{}

// NoOp returns a Logger that discards everything.
func NoOp() Logger { return noOp{} }

func (noOp) With(ctx ...interface{}) log.Logger { return noOp{} }
func (noOp) New(ctx ...interface{}) log.Logger  { return noOp{} }

func (noOp) Log(level slog.Level, msg string, ctx ...interface{}) {}
func (noOp) Trace(msg string, ctx ...interface{})                 {}
func (noOp) Debug(msg string, ctx ...interface{})                 {}
func (noOp) Info(msg string, ctx ...interface{})                  {}
func (noOp) Warn(msg string, ctx ...interface{})                   {}
func (noOp) Error(msg string, ctx ...interface{})                  {}
func (noOp) Crit(msg string, ctx ...interface{})                   {}

func (noOp) WriteLog(level slog.Level, msg string, attrs ...any) {}

func (noOp) Enabled(ctx context.Context, level slog.Level) bool { return false }
func (noOp) Handler() slog.Handler                              { return nil }

func (noOp) Fatal(msg string, fields ...zap.Field) {}
func (noOp) Verbo(msg string, fields ...zap.Field) {}

func (n noOp) WithFields(fields ...zap.Field) log.Logger  { return n }
func (n noOp) WithOptions(opts ...zap.Option) log.Logger { return n }

func (noOp) SetLevel(level slog.Level)          {}
func (noOp) GetLevel() slog.Level               { return slog.Level(0) }
func (noOp) EnabledLevel(lvl slog.Level) bool   { return false }

func (noOp) StopOnPanic() {}
func (noOp) RecoverAndPanic(f func()) { f() }
func (noOp) RecoverAndExit(f, exit func()) { f() }
func (noOp) Stop() {}

func (noOp) Write(p []byte) (n int, err error) { return len(p), nil }
