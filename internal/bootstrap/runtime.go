// Package bootstrap wires shared runtime dependencies for the binaries.
package bootstrap

import (
	"fmt"
	"strings"

	"mapin/internal/cache"
	"mapin/internal/config"
	"mapin/internal/database"
	"mapin/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	SeedDemoGraph bool
	DemoUsers     int
}

// InitRuntime connects to DB and Redis and optionally seeds a demo graph.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemoGraph {
		if !strings.EqualFold(cfg.Env, "development") {
			return nil, nil, fmt.Errorf("demo graph seeding is only allowed in development, APP_ENV is %q", cfg.Env)
		}
		users := opts.DemoUsers
		if users <= 0 {
			users = 50
		}
		if err := seed.Seed(db, seed.Options{NumUsers: users, WarmCache: r != nil}); err != nil {
			return nil, nil, fmt.Errorf("failed to seed demo graph: %w", err)
		}
	}

	return db, r, nil
}
