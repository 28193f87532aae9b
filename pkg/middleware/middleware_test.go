package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/config"
)

func newRouter(rl *RateLimiter, svc *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/api/v1/auth/token", ok)
	api := r.Group("/api/v1", JWTAuth(svc))
	api.GET("/session", ok)
	api.POST("/session/emergency-stop", RequirePermission(auth.PermissionOperator), ok)
	return r
}

func serve(r http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_AuthRouteBurstOfOne(t *testing.T) {
	rl := NewRateLimiter()
	r := newRouter(rl, auth.NewService(config.AuthConfig{JWTSecret: "s"}))

	if code := serve(r, http.MethodPost, "/api/v1/auth/token", ""); code != http.StatusOK {
		t.Fatalf("first request status=%d", code)
	}
	if code := serve(r, http.MethodPost, "/api/v1/auth/token", ""); code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d want 429", code)
	}
}

func TestRateLimiter_SweepDropsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter()
	rl.limiter(http.MethodGet, "/api/v1/session", "a")
	rl.limiter(http.MethodGet, "/api/v1/session", "b")

	rl.sweep(time.Now().Add(rl.idle + time.Second))
	if len(rl.visitors) != 0 {
		t.Fatalf("visitors=%d after sweep", len(rl.visitors))
	}
}

func TestJWTAuthAndPermissions(t *testing.T) {
	svc := auth.NewService(config.AuthConfig{JWTSecret: "s", APIKey: "ops", APISecret: "ops-secret"})
	svc.RegisterClient("runner", "runner-secret", auth.PermissionSignal)
	r := newRouter(NewRateLimiter(), svc)

	if code := serve(r, http.MethodGet, "/api/v1/session", ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", code)
	}
	if code := serve(r, http.MethodGet, "/api/v1/session", "garbage"); code != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", code)
	}

	runner, err := svc.GenerateToken(auth.Credentials{APIKey: "runner", APISecret: "runner-secret"})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if code := serve(r, http.MethodGet, "/api/v1/session", runner.Token); code != http.StatusOK {
		t.Fatalf("runner read status=%d", code)
	}
	if code := serve(r, http.MethodPost, "/api/v1/session/emergency-stop", runner.Token); code != http.StatusForbidden {
		t.Fatalf("runner stop status=%d", code)
	}

	op, err := svc.GenerateToken(auth.Credentials{APIKey: "ops", APISecret: "ops-secret"})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if code := serve(r, http.MethodPost, "/api/v1/session/emergency-stop", op.Token); code != http.StatusOK {
		t.Fatalf("operator stop status=%d", code)
	}
}
