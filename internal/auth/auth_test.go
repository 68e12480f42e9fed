package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)

	token, err := svc.GenerateToken("ops")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("claims.Subject = %q, want ops", claims.Subject)
	}

	if _, err := svc.GenerateToken("  "); err == nil {
		t.Fatal("expected error for blank subject")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewService("test-secret-1234567890", -time.Minute)

	token, err := svc.GenerateToken("expired")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := svc.ValidateToken(token); err != ErrTokenExpired {
		t.Fatalf("ValidateToken error = %v, want %v", err, ErrTokenExpired)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := NewService("secret-a-1234567890", time.Hour).GenerateToken("ops")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewService("secret-b-1234567890", time.Hour).ValidateToken(token); err != ErrInvalidToken {
		t.Fatalf("ValidateToken error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestMiddlewareAndRequireAuth(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)
	handler := Middleware(svc)(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			t.Error("claims missing in authenticated handler")
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/watcher/sync/a/b", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/watcher/sync/a/b", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}

	token, err := svc.GenerateToken("ops")
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodPost, "/watcher/sync/a/b", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("authenticated status = %d, want 204", rec.Code)
	}
}
