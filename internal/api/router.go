package api

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	admissionHttp "github.com/nekogravitycat/booking-guard/internal/admission/http"
	"github.com/nekogravitycat/booking-guard/internal/auth"
	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/throttle"
)

// Config holds the dependencies and settings for the router.
type Config struct {
	IsProduction   bool
	ProdOrigins    string
	TrustedProxies []string

	Guard      admissionHttp.Guard
	Events     admissionHttp.EventLister
	JWTManager *auth.JWTManager
	Logger     *zap.Logger

	// PreAuthThrottle, when set, limits every /v1 request by address ahead of auth.
	PreAuthThrottle throttle.Throttle
	Clock           clock.Clock
}

// NewRouter initializes the HTTP router engine.
// It is responsible for assembling middleware (CORS, Logger, Auth) and registering routes.
func NewRouter(cfg Config) (*gin.Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()

	// Client addresses feed the IP throttle, so only listed proxies may set X-Forwarded-For.
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	r.Use(RequestLogger(log), Recovery(log))

	// Configure CORS (Cross-Origin Resource Sharing).
	config := cors.DefaultConfig()
	if cfg.IsProduction {
		config.AllowOrigins = splitOrigins(cfg.ProdOrigins)
	} else {
		config.AllowOrigins = []string{
			"http://localhost:8081", // Swagger
			"http://localhost:3000",
		}
	}
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	config.ExposeHeaders = []string{"Retry-After", "X-Ratelimit-Remaining"}
	if len(config.AllowOrigins) > 0 {
		r.Use(cors.New(config))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authMiddleware := auth.AuthRequired(cfg.JWTManager)
	admissionHandler := admissionHttp.NewHandler(cfg.Guard, cfg.Events)

	// Register API routes under /v1
	v1 := r.Group("/v1")
	if cfg.PreAuthThrottle != nil {
		clk := cfg.Clock
		if clk == nil {
			clk = clock.Real
		}
		v1.Use(admissionHttp.AddressThrottle(cfg.PreAuthThrottle, clk, log))
	}
	{
		admissionHttp.RegisterRoutes(v1, admissionHandler, authMiddleware)
	}

	return r, nil
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
