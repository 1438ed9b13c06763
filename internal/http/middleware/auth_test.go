// README: Tests for the Firebase auth, role gate, logging and recovery middleware.
package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"farmdrop/internal/http/middleware"
	"farmdrop/internal/infra"
	"farmdrop/internal/types"
)

type stubVerifier struct {
	token *infra.FirebaseToken
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.FirebaseToken, error) {
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	r.GET("/admin", middleware.RequireRole(types.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func get(r http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}})
	if w := get(r, "/test", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.FirebaseToken{UID: "user1"}})
	if w := get(r, "/test", "Token sometoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")})
	if w := get(r, "/test", "Bearer invalidtoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ValidToken_UIDAndRolePopulated(t *testing.T) {
	token := &infra.FirebaseToken{UID: "driver123", Claims: map[string]interface{}{"role": "driver"}}
	w := get(newTestRouter(&stubVerifier{token: token}), "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"uid":"driver123"`) || !strings.Contains(body, `"role":"driver"`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestAuth_NoRoleClaimIsConsumer(t *testing.T) {
	token := &infra.FirebaseToken{UID: "shopper456", Claims: map[string]interface{}{}}
	w := get(newTestRouter(&stubVerifier{token: token}), "/test", "Bearer validtoken")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"role":"consumer"`) {
		t.Errorf("unexpected response %d %s", w.Code, w.Body.String())
	}
}

func TestRequireRole(t *testing.T) {
	consumer := &stubVerifier{token: &infra.FirebaseToken{UID: "c1"}}
	if w := get(newTestRouter(consumer), "/admin", "Bearer t"); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	admin := &stubVerifier{token: &infra.FirebaseToken{UID: "a1", Claims: map[string]interface{}{"role": "admin"}}}
	if w := get(newTestRouter(admin), "/admin", "Bearer t"); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestRecoveryAndLogging(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := gin.New()
	r.Use(middleware.Logging(logger), middleware.Recovery(logger))
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := get(r, "/boom", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
	out := buf.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, `"status":500`) {
		t.Errorf("unexpected log output %s", out)
	}
}
