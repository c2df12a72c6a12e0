package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cardledger/card-service/internal/domain"
)

const testJWTSecret = "middleware-test-secret"

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func runThroughMiddleware(t *testing.T, authHeader string) (*httptest.ResponseRecorder, *domain.Principal) {
	t.Helper()

	var captured *domain.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, ok := GetPrincipal(r.Context()); ok {
			captured = &principal
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/cards", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	PrincipalAuthMiddleware(testJWTSecret)(next).ServeHTTP(rec, req)
	return rec, captured
}

func TestPrincipalAuthMiddleware_InjectsPrincipal(t *testing.T) {
	principalID := uuid.New()
	token := signTestToken(t, jwt.MapClaims{
		"sub": principalID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	rec, principal := runThroughMiddleware(t, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if principal == nil {
		t.Fatal("expected principal in context")
	}
	if principal.ID != principalID {
		t.Fatalf("expected principal %s, got %s", principalID, principal.ID)
	}
	if principal.Admin {
		t.Fatal("expected non-admin principal without admin claim")
	}
}

func TestPrincipalAuthMiddleware_AdminClaim(t *testing.T) {
	token := signTestToken(t, jwt.MapClaims{
		"sub":   uuid.New().String(),
		"admin": true,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	_, principal := runThroughMiddleware(t, "Bearer "+token)
	if principal == nil || !principal.Admin {
		t.Fatal("expected admin principal")
	}
}

func TestPrincipalAuthMiddleware_MissingHeader(t *testing.T) {
	rec, principal := runThroughMiddleware(t, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if principal != nil {
		t.Fatal("expected no principal in context")
	}
}

func TestPrincipalAuthMiddleware_MalformedHeader(t *testing.T) {
	rec, _ := runThroughMiddleware(t, "Token abc")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer header, got %d", rec.Code)
	}
}

func TestPrincipalAuthMiddleware_WrongSecret(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	rec, _ := runThroughMiddleware(t, "Bearer "+signed)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signing secret, got %d", rec.Code)
	}
}

func TestPrincipalAuthMiddleware_ExpiredToken(t *testing.T) {
	token := signTestToken(t, jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	rec, _ := runThroughMiddleware(t, "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestPrincipalAuthMiddleware_NonUUIDSubject(t *testing.T) {
	token := signTestToken(t, jwt.MapClaims{
		"sub": "user_12345",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	rec, _ := runThroughMiddleware(t, "Bearer "+token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-uuid subject, got %d", rec.Code)
	}
}
