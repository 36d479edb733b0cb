package db

import (
	"context"
	"net/http"
	"sort"
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

// GetPoolStats returns connection pool statistics.
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

// Pinger is anything the health endpoint can ping: the pool, the S3 bucket.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler pings every dependency and reports 503 if any fails. When
// pool is non-nil its statistics are included.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Pinger) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		results := make(map[string]CheckResult, len(names))
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				healthy = false
				results[name] = CheckResult{Status: "unhealthy", Error: err.Error()}
				continue
			}
			results[name] = CheckResult{Status: "healthy"}
		}

		body := map[string]interface{}{"checks": results}
		if pool != nil {
			stats := GetPoolStats(pool)
			stats.Healthy = stats.Healthy && healthy
			body["pool"] = stats
		}

		code := http.StatusOK
		body["status"] = "healthy"
		if !healthy {
			code = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
		return c.JSON(code, body)
	}
}
