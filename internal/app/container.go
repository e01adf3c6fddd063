package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-guard/internal/admission"
	"github.com/nekogravitycat/booking-guard/internal/api"
	"github.com/nekogravitycat/booking-guard/internal/auth"
	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/config"
	"github.com/nekogravitycat/booking-guard/internal/db"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/lock"
	"github.com/nekogravitycat/booking-guard/internal/redisx"
	"github.com/nekogravitycat/booking-guard/internal/throttle"
)

// Container holds the initialized components that are needed externally.
type Container struct {
	Router     *gin.Engine
	Guard      *admission.Guard
	JWTManager *auth.JWTManager

	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewContainer connects the configured backends and wires the admission
// pipeline. The ledger and the scope lock always share a backend: the
// Postgres ledger runs under transaction-level advisory locks on the same
// connection, the memory ledger under the in-process keyed mutex.
func NewContainer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Container, error) {
	c := &Container{}

	var (
		store     ledger.Repository
		exclusive admission.Exclusive
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DBDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		c.pool = pool
		store = ledger.NewPgxRepository(pool)
		exclusive = admission.PgLedger{Lock: lock.NewPgAdvisory(pool, cfg.Quota.LockTimeout)}
	default:
		log.Warn("using in-memory ledger, admissions are not shared across replicas")
		store = ledger.NewMemoryRepository()
		exclusive = admission.LockedLedger{Locker: lock.NewKeyedMutex(cfg.Quota.LockTimeout), Store: store}
	}

	// th backs the admission rule; preAuth is the coarser limit ahead of auth.
	var th, preAuth throttle.Throttle
	switch cfg.ThrottleDriver {
	case config.DriverRedis:
		client, err := redisx.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.redis = client
		th = throttle.NewRedis(client, cfg.Quota.IPThrottleLimit, cfg.Quota.IPThrottleWindow)
		preAuth = throttle.NewRedis(client, cfg.Quota.PreAuthLimit, cfg.Quota.IPThrottleWindow).
			WithKeyPrefix("throttle:preauth:")
	default:
		th = throttle.NewMemory(cfg.Quota.IPThrottleLimit, cfg.Quota.IPThrottleWindow)
		preAuth = throttle.NewMemory(cfg.Quota.PreAuthLimit, cfg.Quota.IPThrottleWindow)
	}

	policy := admission.Policy{
		QuotaLimit:     cfg.Quota.Limit,
		QuotaWindow:    cfg.Quota.Window,
		CooldownWindow: cfg.Quota.CooldownWindow,
	}
	clk := clock.Real
	evaluator := admission.NewEvaluator(store, clk, log, admission.DefaultRules(policy, th)...)
	c.Guard = admission.NewGuard(evaluator, exclusive, clk, log)
	c.JWTManager = auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTokenTTL)

	router, err := api.NewRouter(api.Config{
		IsProduction:   cfg.IsProduction,
		ProdOrigins:    cfg.ProdOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Guard:          c.Guard,
		Events:         store,
		JWTManager:     c.JWTManager,
		Logger:         log,

		PreAuthThrottle: preAuth,
		Clock:           clk,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}
	c.Router = router

	log.Info("admission pipeline ready",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("throttle_driver", cfg.ThrottleDriver),
		zap.Int("quota_limit", policy.QuotaLimit),
		zap.Duration("quota_window", policy.QuotaWindow),
		zap.Duration("cooldown_window", policy.CooldownWindow))

	return c, nil
}

// Close releases the backend connections.
func (c *Container) Close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.pool != nil {
		c.pool.Close()
	}
}
