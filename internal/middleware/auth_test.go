package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecretAuthMiddleware_NoSecrets(t *testing.T) {
	m := NewSecretAuthMiddleware(SecretAuthConfig{Secrets: []string{"", "  "}}, nil)
	if m.IsEnabled() {
		t.Fatal("blank secrets must not enable authentication")
	}

	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/outcome", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestSecretAuthMiddleware(t *testing.T) {
	m := NewSecretAuthMiddleware(SecretAuthConfig{Secrets: []string{"s3cret"}}, nil)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"header", SecretHeader, "s3cret", http.StatusOK},
		{"wrong", SecretHeader, "guess", http.StatusUnauthorized},
		{"case sensitive", SecretHeader, "S3CRET", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook/outcome", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			m.Wrap(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusUnauthorized {
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("Expected WWW-Authenticate header")
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("Content-Type = %q, want application/json", ct)
				}
			}
		})
	}
}

func TestSecretAuthMiddleware_Rotation(t *testing.T) {
	m := NewSecretAuthMiddleware(SecretAuthConfig{Secrets: []string{"old"}}, nil)
	m.AddSecret("new")
	m.AddSecret("new")

	for _, secret := range []string{"old", "new"} {
		req := httptest.NewRequest(http.MethodPost, "/webhook/outcome", nil)
		req.Header.Set(SecretHeader, secret)
		rec := httptest.NewRecorder()
		m.WrapFunc(okHandler().ServeHTTP).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("secret %q: expected 200, got %d", secret, rec.Code)
		}
	}

	m.RemoveSecret("old")
	req := httptest.NewRequest(http.MethodPost, "/webhook/outcome", nil)
	req.Header.Set(SecretHeader, "old")
	rec := httptest.NewRecorder()
	m.Wrap(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("removed secret: expected 401, got %d", rec.Code)
	}
}

func TestSecretAuthMiddleware_ConcurrentAccess(t *testing.T) {
	m := NewSecretAuthMiddleware(SecretAuthConfig{Secrets: []string{"base"}}, nil)
	handler := m.Wrap(okHandler())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.AddSecret("rotating")
			m.RemoveSecret("rotating")
		}()
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/webhook/outcome", nil)
			req.Header.Set(SecretHeader, "base")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rec.Code)
			}
		}()
	}
	wg.Wait()
}
