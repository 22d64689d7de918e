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
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
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
	}
}

// pingTimeout bounds the health check's round trip to the database.
const pingTimeout = 5 * time.Second

type healthReport struct {
	Status    string     `json:"status"`
	Backend   string     `json:"backend"`
	LatencyMS int64      `json:"latency_ms"`
	Pool      *PoolStats `json:"pool,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// HealthHandler pings the store and reports pool statistics when the pinger
// is a pgx pool. A nil pinger means the service runs on the in-memory store.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p == nil {
			return c.JSON(http.StatusOK, healthReport{Status: "healthy", Backend: "memory"})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		report := healthReport{Backend: "postgres"}
		if pool, ok := p.(*pgxpool.Pool); ok {
			report.Pool = GetPoolStats(pool)
		}

		start := time.Now()
		err := p.Ping(ctx)
		report.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		report.Status = "healthy"
		return c.JSON(http.StatusOK, report)
	}
}
