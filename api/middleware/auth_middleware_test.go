package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authcore/internal/utils"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newSigner(t *testing.T) *utils.TokenSigner {
	t.Helper()
	signer, err := utils.NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"), "test", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	return signer
}

func performRequest(t *testing.T, m AuthMiddleware, authorization string, next echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	request := httptest.NewRequest(http.MethodGet, "/me", nil)
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	c := e.NewContext(request, recorder)

	err := m.RequireAuth(next)(c)
	if err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return recorder
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	signer := newSigner(t)
	userID := uuid.New()
	token, _, err := signer.IssueAccessToken(userID.String(), "admin", time.Now())
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	var gotUser uuid.UUID
	var gotRole string
	recorder := performRequest(t, AuthMiddleware{Signer: signer}, "Bearer "+token, func(c echo.Context) error {
		gotUser, _ = UserIDFromContext(c)
		gotRole, _ = RoleFromContext(c)
		return c.NoContent(http.StatusOK)
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if gotUser != userID || gotRole != "admin" {
		t.Fatalf("context = %s/%s", gotUser, gotRole)
	}
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	recorder := performRequest(t, AuthMiddleware{Signer: newSigner(t)}, "", func(c echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestRequireAuthRejectsGarbageToken(t *testing.T) {
	recorder := performRequest(t, AuthMiddleware{Signer: newSigner(t)}, "Bearer garbage", func(c echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	signer := newSigner(t)
	token, _, err := signer.IssueAccessToken(uuid.New().String(), "user", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	recorder := performRequest(t, AuthMiddleware{Signer: signer}, "Bearer "+token, func(c echo.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()

	run := func(role string, allowed ...string) int {
		request := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
		recorder := httptest.NewRecorder()
		c := e.NewContext(request, recorder)
		SetAuthContext(c, uuid.New(), role)

		handler := RequireRole(allowed...)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		})
		if err := handler(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		return recorder.Code
	}

	if code := run("admin", "admin"); code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", code)
	}
	if code := run("user", "admin"); code != http.StatusForbidden {
		t.Fatalf("user status = %d, want 403", code)
	}
	if code := run("user", "admin", "user"); code != http.StatusOK {
		t.Fatalf("any-of status = %d, want 200", code)
	}
}
