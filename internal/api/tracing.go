package api

import (
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const apiTracerName = "github.com/odvcencio/jjsync/internal/api"

func requestTracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer(apiTracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSkipRequestInstrumentation(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+routeLabel(r), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		req := r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		// The mux fills in the pattern and path values on req once routed.
		route := routeLabel(req)
		span.SetName(fmt.Sprintf("%s %s", r.Method, route))
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		)
		if owner, repo := req.PathValue("user"), req.PathValue("repo"); owner != "" && repo != "" {
			span.SetAttributes(attribute.String("jj.owner", owner), attribute.String("jj.repo", repo))
		}
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// shouldSkipRequestInstrumentation excludes probe, scrape and profiler traffic.
func shouldSkipRequestInstrumentation(r *http.Request) bool {
	if r == nil || r.URL == nil {
		return false
	}
	switch path := r.URL.Path; {
	case path == "/healthz", path == "/metrics":
		return true
	case strings.HasPrefix(path, "/debug/pprof"):
		return true
	default:
		return false
	}
}
