package api

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strconv"
)

// runAsync runs fn detached from the request's cancellation. Panics and
// errors are logged. WaitAsync blocks until every task has returned.
func (s *Server) runAsync(ctx context.Context, operation string, attrs []any, fn func(context.Context) error) {
	attrs = append([]any(nil), attrs...)
	if ctx == nil {
		ctx = context.Background()
	}
	taskCtx := context.WithoutCancel(ctx)
	logger := s.asyncLogger()

	s.async.Add(1)
	go func() {
		defer s.async.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logAttrs := asyncLogAttrs(operation, attrs, "panic", rec)
				logAttrs = append(logAttrs, slog.String("stack", string(debug.Stack())))
				logger.LogAttrs(context.Background(), slog.LevelError, "async task panic", logAttrs...)
			}
		}()
		if err := fn(taskCtx); err != nil {
			logger.LogAttrs(taskCtx, slog.LevelError, "async task failed", asyncLogAttrs(operation, attrs, "error", err)...)
		}
	}()
}

// WaitAsync waits for queued force syncs to finish or ctx to end.
func (s *Server) WaitAsync(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) asyncLogger() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// asyncLogAttrs pairs attrs into slog attributes. Non-string keys become
// attr_N and a trailing key without a value is marked missing.
func asyncLogAttrs(operation string, attrs []any, key string, value any) []slog.Attr {
	out := make([]slog.Attr, 0, 2+(len(attrs)+1)/2)
	out = append(out, slog.String("operation", operation), slog.Any(key, value))
	for i := 0; i < len(attrs); i += 2 {
		name, ok := attrs[i].(string)
		if !ok || name == "" {
			name = "attr_" + strconv.Itoa(i/2)
		}
		var v any = "(missing)"
		if i+1 < len(attrs) {
			v = attrs[i+1]
		}
		out = append(out, slog.Any(name, v))
	}
	return out
}
