package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// DependencyCheck is an extra probe reported by the health endpoint, such as
// the Redis hot cache.
type DependencyCheck struct {
	Name string
	// Optional checks do not turn the endpoint unhealthy when they fail.
	Optional bool
	Ping     func(ctx context.Context) error
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler pings the database and every dependency check.
func HealthHandler(pool *pgxpool.Pool, checks ...DependencyCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		body := map[string]interface{}{}

		stats := GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			healthy = false
			stats.Healthy = false
			body["error"] = err.Error()
		}
		body["pool"] = stats

		deps := runChecks(ctx, checks)
		for _, d := range deps {
			if d.Error != "" && !d.Optional {
				healthy = false
			}
		}
		if len(deps) > 0 {
			body["dependencies"] = deps
		}

		status := http.StatusOK
		body["status"] = "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}

type dependencyResult struct {
	Name     string `json:"name"`
	Optional bool   `json:"optional"`
	Error    string `json:"error,omitempty"`
}

func runChecks(ctx context.Context, checks []DependencyCheck) []dependencyResult {
	out := make([]dependencyResult, 0, len(checks))
	for _, chk := range checks {
		r := dependencyResult{Name: chk.Name, Optional: chk.Optional}
		if chk.Ping != nil {
			if err := chk.Ping(ctx); err != nil {
				r.Error = err.Error()
			}
		}
		out = append(out, r)
	}
	return out
}
