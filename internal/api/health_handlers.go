package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/odvcencio/jjsync/internal/watcher"
)

const healthPingTimeout = 2 * time.Second

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type adminHealthResponse struct {
	Status       string                  `json:"status"`
	Timestamp    time.Time               `json:"timestamp"`
	Watcher      watcher.Status          `json:"watcher"`
	Repositories adminHealthRepositories `json:"repositories"`
	Database     adminHealthDatabase     `json:"database"`
	Errors       []string                `json:"errors,omitempty"`
}

// adminHealthRepositories counts watched repositories whose last sync
// attempt failed. Failing repositories do not degrade the service.
type adminHealthRepositories struct {
	Watched int `json:"watched"`
	Failing int `json:"failing"`
}

type adminHealthDatabase struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
	MaxIdleClosed   int64 `json:"max_idle_closed"`
	MaxLifetime     int64 `json:"max_lifetime_closed"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	resp := adminHealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Watcher:   s.watcher.Status(),
	}
	for _, info := range s.watcher.ListWatched() {
		resp.Repositories.Watched++
		if info.LastError != "" {
			resp.Repositories.Failing++
		}
	}

	if p, ok := s.db.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		err := p.PingContext(ctx)
		cancel()
		if err != nil {
			resp.Errors = append(resp.Errors, "database_ping")
		}
	}

	if poolProvider, ok := s.db.(dbStatsProvider); ok {
		stats := poolProvider.DBStats()
		resp.Database = adminHealthDatabase{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			WaitDurationMS:  stats.WaitDuration.Milliseconds(),
			MaxIdleClosed:   stats.MaxIdleClosed,
			MaxLifetime:     stats.MaxLifetimeClosed,
		}
	}

	if s.watcher != nil && !resp.Watcher.Running {
		resp.Errors = append(resp.Errors, "watcher_stopped")
	}
	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
