package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"strings"
)

var defaultAdminRouteCIDRs = []string{
	"127.0.0.1/32",
	"::1/128",
}

// adminRouteAccess answers 404 on admin and profiler routes to clients
// outside the allowlist.
type adminRouteAccess struct {
	prefixes []netip.Prefix
	clientIP func(*http.Request) string
}

func newAdminRouteAccess(cidrs []string, clientIP func(*http.Request) string) adminRouteAccess {
	if clientIP == nil {
		clientIP = remoteHost
	}
	return adminRouteAccess{
		prefixes: parseAdminRouteCIDRs(cidrs),
		clientIP: clientIP,
	}
}

func remoteHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}

// parseAdminRouteCIDRs accepts prefixes and bare addresses. Invalid entries
// are logged and skipped.
func parseAdminRouteCIDRs(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if addr, err := netip.ParseAddr(value); err == nil {
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			slog.Warn("ignoring invalid admin CIDR", "cidr", value, "error", err)
			continue
		}
		out = append(out, prefix.Masked())
	}
	return out
}

func (a adminRouteAccess) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.allows(r) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a adminRouteAccess) allows(r *http.Request) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(a.clientIP(r)))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) registerPprofRoutes() {
	guard := s.adminRouteAccess.wrap
	s.mux.Handle("GET /debug/pprof/", guard(http.HandlerFunc(pprof.Index)))
	s.mux.Handle("GET /debug/pprof/cmdline", guard(http.HandlerFunc(pprof.Cmdline)))
	s.mux.Handle("GET /debug/pprof/profile", guard(http.HandlerFunc(pprof.Profile)))
	s.mux.Handle("GET /debug/pprof/symbol", guard(http.HandlerFunc(pprof.Symbol)))
	s.mux.Handle("GET /debug/pprof/trace", guard(http.HandlerFunc(pprof.Trace)))
	s.mux.Handle("GET /debug/pprof/{profile}", guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pprof.Handler(r.PathValue("profile")).ServeHTTP(w, r)
	})))
}
