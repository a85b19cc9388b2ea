package infra

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Probe reports the state of each backing service. Absent services are
// reported as "disabled" and do not count as unhealthy.
func Probe(ctx context.Context, db *pgxpool.Pool, cache *redis.Client) (map[string]string, bool) {
	status := map[string]string{"postgres": "disabled", "redis": "disabled"}
	healthy := true
	if db != nil {
		status["postgres"] = "ok"
		if err := db.Ping(ctx); err != nil {
			status["postgres"] = "unavailable"
			healthy = false
		}
	}
	if cache != nil {
		status["redis"] = "ok"
		if err := cache.Ping(ctx).Err(); err != nil {
			status["redis"] = "unavailable"
			healthy = false
		}
	}
	return status, healthy
}
