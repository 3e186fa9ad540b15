package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"quotaledger/internal/types"
)

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword: %v", err)
	}
	return string(h)
}

func TestNewAPIKeyVerifier(t *testing.T) {
	hash := mustHash(t, "s3cret")

	tests := []struct {
		name    string
		entries string
		wantErr bool
	}{
		{name: "single entry", entries: "svc-identity:" + hash},
		{name: "multiple entries", entries: "svc-identity:" + hash + ", svc-billing:" + hash},
		{name: "empty input", entries: ""},
		{name: "trailing comma tolerated", entries: "svc-identity:" + hash + ","},
		{name: "missing hash", entries: "svc-identity", wantErr: true},
		{name: "empty key id", entries: ":" + hash, wantErr: true},
		{name: "plaintext instead of bcrypt", entries: "svc-identity:plaintext-secret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAPIKeyVerifier(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAPIKeyVerifier(%q) error = %v, wantErr %v", tt.entries, err, tt.wantErr)
			}
		})
	}
}

func TestAPIKeyVerifierVerify(t *testing.T) {
	hash := mustHash(t, "s3cret")
	v, err := NewAPIKeyVerifier("svc-identity:" + hash)
	if err != nil {
		t.Fatalf("NewAPIKeyVerifier: %v", err)
	}

	t.Run("valid key", func(t *testing.T) {
		caller, err := v.Verify("svc-identity.s3cret")
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if caller.KeyID != "svc-identity" {
			t.Errorf("KeyID = %s, want svc-identity", caller.KeyID)
		}
	})

	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong secret", token: "svc-identity.wrong"},
		{name: "unknown key id", token: "svc-unknown.s3cret"},
		{name: "missing separator", token: "svc-identity"},
		{name: "empty secret", token: "svc-identity."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() accepted an invalid token")
			}
			appErr, ok := err.(*types.AppError)
			if !ok || appErr.Code != types.ErrCodeAuthKeyInvalid {
				t.Errorf("error = %v, want %s", err, types.ErrCodeAuthKeyInvalid)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "standard", header: "Bearer svc-identity.s3cret", want: "svc-identity.s3cret"},
		{name: "lowercase scheme", header: "bearer svc-identity.s3cret", want: "svc-identity.s3cret"},
		{name: "extra whitespace", header: "Bearer   svc-identity.s3cret", want: "svc-identity.s3cret"},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "no scheme", header: "svc-identity.s3cret", want: ""},
		{name: "empty", header: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractBearerToken(tt.header); got != tt.want {
				t.Errorf("extractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash := mustHash(t, "s3cret")
	verifier, err := NewAPIKeyVerifier("svc-identity:" + hash)
	if err != nil {
		t.Fatalf("NewAPIKeyVerifier: %v", err)
	}
	srv := &Server{APIKeys: verifier}

	var gotCaller *types.Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := types.GetCaller(r.Context()); ok {
			gotCaller = &c
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := srv.AuthMiddleware(next)

	t.Run("valid key passes and injects caller", func(t *testing.T) {
		gotCaller = nil
		req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
		req.Header.Set("Authorization", "Bearer svc-identity.s3cret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if gotCaller == nil || gotCaller.KeyID != "svc-identity" {
			t.Errorf("caller = %+v, want svc-identity", gotCaller)
		}
	})

	t.Run("missing header is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), string(types.ErrCodeAuthKeyMissing)) {
			t.Errorf("body = %s, want code %s", rec.Body.String(), types.ErrCodeAuthKeyMissing)
		}
	})

	t.Run("invalid key is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
		req.Header.Set("Authorization", "Bearer svc-identity.wrong")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("health endpoint is public", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 without credentials", rec.Code)
		}
	})

	t.Run("nil verifier passes through", func(t *testing.T) {
		open := (&Server{}).AuthMiddleware(next)
		req := httptest.NewRequest(http.MethodGet, "/v1/companies", nil)
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 when auth is disabled", rec.Code)
		}
	})
}
