package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBearerToken_FromAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := BearerToken(r); got != "abc123" {
		t.Errorf("BearerToken = %q, want abc123", got)
	}
}

func TestBearerToken_FromQueryParamForWebSocketUpgrades(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/browser/sess-1?token=xyz789", nil)
	if got := BearerToken(r); got != "xyz789" {
		t.Errorf("BearerToken = %q, want xyz789", got)
	}
}

func TestBearerToken_EmptyWhenNeitherPresent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := BearerToken(r); got != "" {
		t.Errorf("BearerToken = %q, want empty", got)
	}
}

func TestGate_TestModeBypassesValidation(t *testing.T) {
	called := false
	handler := Gate(nil, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !called {
		t.Error("expected the wrapped handler to run in test mode with a nil validator")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestGate_RejectsMissingTokenOutsideTestMode(t *testing.T) {
	srv, _, _ := newTestJWKS(t)
	defer srv.Close()
	v, err := NewJWTValidator(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	called := false
	handler := Gate(v, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if called {
		t.Error("expected the wrapped handler not to run without a token")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGate_ExemptsSubprocessCallbackPathOutsideTestMode(t *testing.T) {
	srv, _, _ := newTestJWKS(t)
	defer srv.Close()
	v, err := NewJWTValidator(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	called := false
	handler := Gate(v, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/ws/sub/sess-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !called {
		t.Error("expected the subprocess callback path to bypass the gate with no token")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestGate_RejectsInvalidToken(t *testing.T) {
	srv, _, _ := newTestJWKS(t)
	defer srv.Close()
	v, err := NewJWTValidator(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewJWTValidator: %v", err)
	}
	defer v.Close()

	handler := Gate(v, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run for an invalid token")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
