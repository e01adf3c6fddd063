package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nekogravitycat/booking-guard/internal/admission"
	"github.com/nekogravitycat/booking-guard/internal/auth"
	"github.com/nekogravitycat/booking-guard/internal/clock"
	"github.com/nekogravitycat/booking-guard/internal/ledger"
	"github.com/nekogravitycat/booking-guard/internal/lock"
	"github.com/nekogravitycat/booking-guard/internal/throttle"
)

func newRouter(t *testing.T, trusted []string, log *zap.Logger) (*gin.Engine, *auth.JWTManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryRepository()
	evaluator := admission.NewEvaluator(store, clk, log,
		admission.DefaultRules(admission.DefaultPolicy, throttle.NewMemory(3, time.Second))...)
	jwtManager := auth.NewJWTManager("router-secret", time.Hour)

	r, err := NewRouter(Config{
		TrustedProxies: trusted,
		Guard:          admission.NewGuard(evaluator, admission.LockedLedger{Locker: lock.NewKeyedMutex(time.Second), Store: store}, clk, log),
		Events:         store,
		JWTManager:     jwtManager,
		Logger:         log,
	})
	require.NoError(t, err)
	return r, jwtManager
}

func check(r *gin.Engine, token, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/admission/check", bytes.NewBufferString(`{"resource_id":"barber-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t, nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func book(t *testing.T, r *gin.Engine, jwtManager *auth.JWTManager, requesterID, forwardedFor string) int {
	t.Helper()
	token, err := jwtManager.GenerateAccessToken(requesterID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"resource_id":"barber-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestUntrustedProxyCannotSpoofAddress(t *testing.T) {
	r, jwtManager := newRouter(t, nil, nil)

	// Without trusted proxies every request resolves to the socket address.
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, book(t, r, jwtManager, fmt.Sprintf("u%d", i), fmt.Sprintf("198.51.100.%d", i)))
	}
	assert.Equal(t, http.StatusTooManyRequests, book(t, r, jwtManager, "u99", "198.51.100.99"))
}

func TestTrustedProxyForwardsAddress(t *testing.T) {
	r, jwtManager := newRouter(t, []string{"192.0.2.1"}, nil)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusCreated, book(t, r, jwtManager, fmt.Sprintf("u%d", i), fmt.Sprintf("198.51.100.%d", i)))
	}
}

func TestPreAuthThrottleRunsBeforeAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, err := NewRouter(Config{
		Events:          ledger.NewMemoryRepository(),
		JWTManager:      auth.NewJWTManager("router-secret", time.Hour),
		PreAuthThrottle: throttle.NewMemory(2, time.Second),
		Clock:           clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/bookings/usage", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)

	// Health checks sit outside /v1 and are never throttled.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r, jwtManager := newRouter(t, nil, zap.New(core))
	token, err := jwtManager.GenerateAccessToken("u1")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, check(r, token, "").Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/v1/admission/check", fields["path"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, "u1", fields["requester_id"])
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.ErrorLevel)
	r := gin.New()
	r.Use(Recovery(zap.New(core)))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
