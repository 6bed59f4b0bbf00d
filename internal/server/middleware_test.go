package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/modelkey-gateway/internal/auth"
	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request ID is in context
		requestID := GetRequestID(r.Context())
		if requestID == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	// Verify X-Request-ID header is set
	requestID := rec.Header().Get("X-Request-ID")
	if requestID == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req1 := httptest.NewRequest("GET", "/", nil)
	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest("GET", "/", nil)
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, req2)

	id1 := rec1.Header().Get("X-Request-ID")
	id2 := rec2.Header().Get("X-Request-ID")

	if id1 == id2 {
		t.Errorf("Expected unique request IDs, got same: %s", id1)
	}
}

func TestRequestIDMiddleware_Inbound(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"valid id kept", "req-123.abc", true},
		{"spaces replaced", "has spaces", false},
		{"too long replaced", strings.Repeat("a", 200), false},
		{"newline replaced", "a\nb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("X-Request-ID", tt.inbound)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if got := seen == tt.inbound; got != tt.keep {
				t.Errorf("kept inbound id = %v, want %v (got %q)", got, tt.keep, seen)
			}
			if rec.Header().Get("X-Request-ID") != seen {
				t.Errorf("header = %q, context = %q", rec.Header().Get("X-Request-ID"), seen)
			}
		})
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	ctx := context.Background()
	if id := GetRequestID(ctx); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// TimeoutMiddleware Tests
// =============================================================================

func TestTimeoutMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("Expected context to have deadline")
		}
		if deadline.IsZero() {
			t.Error("Expected non-zero deadline")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(30 * time.Second)(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestTimeoutMiddleware_ContextCancelled(t *testing.T) {
	contextCancelled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			contextCancelled = true
		case <-time.After(100 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := TimeoutMiddleware(10 * time.Millisecond)(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if !contextCancelled {
		t.Error("Expected context to be cancelled due to timeout")
	}
}

func TestTimeoutMiddleware_Disabled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("Expected no deadline when timeout is disabled")
		}
	})

	req := httptest.NewRequest("GET", "/", nil)
	TimeoutMiddleware(0)(handler).ServeHTTP(httptest.NewRecorder(), req)
}

// =============================================================================
// IdentityMiddleware Tests
// =============================================================================

func newTestVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier("test-secret", "")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

func TestIdentityMiddleware_ValidToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Sign("user-1", "tenant-a", time.Minute)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	var got *domain.Identity
	wrapped := IdentityMiddleware(v, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetIdentity(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := domain.Identity{UserID: "user-1", TenantID: "tenant-a"}
	if got == nil || *got != want {
		t.Errorf("GetIdentity() = %+v, want %+v", got, want)
	}
}

func TestIdentityMiddleware_InvalidToken(t *testing.T) {
	called := false
	wrapped := IdentityMiddleware(newTestVerifier(t), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if called {
		t.Error("handler should not be called for an invalid token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != domain.ErrorCodeInvalidToken {
		t.Errorf("code = %q, want %q", body.Error.Code, domain.ErrorCodeInvalidToken)
	}
}

func TestIdentityMiddleware_Anonymous(t *testing.T) {
	tests := []struct {
		name       string
		anonHeader string
		remoteAddr string
		wantUser   string
	}{
		{"anonymous header", "visitor-9", "10.0.0.1:1234", "visitor-9"},
		{"client ip", "", "10.0.0.2:5555", "ip:10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *domain.Identity
			wrapped := IdentityMiddleware(newTestVerifier(t), false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = GetIdentity(r.Context())
			}))

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.anonHeader != "" {
				req.Header.Set("X-Anonymous-ID", tt.anonHeader)
			}
			wrapped.ServeHTTP(httptest.NewRecorder(), req)

			if got == nil {
				t.Fatal("GetIdentity() = nil")
			}
			if !got.Anonymous || got.UserID != tt.wantUser {
				t.Errorf("GetIdentity() = %+v, want anonymous %q", got, tt.wantUser)
			}
		})
	}
}

func TestIdentityMiddleware_RequireAuth(t *testing.T) {
	wrapped := IdentityMiddleware(newTestVerifier(t), true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetIdentity_NotSet(t *testing.T) {
	if id := GetIdentity(context.Background()); id != nil {
		t.Errorf("Expected nil identity, got %+v", id)
	}
}

// =============================================================================
// WriteError Tests
// =============================================================================

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   domain.ErrorType
		wantRetry  string
	}{
		{
			name:       "concurrency limit",
			err:        domain.ErrConcurrencyLimit("too many streams", 2),
			wantStatus: http.StatusTooManyRequests,
			wantType:   domain.ErrorTypeRateLimit,
			wantRetry:  "2",
		},
		{
			name:       "unresolved model",
			err:        domain.ErrModelUnresolved(),
			wantStatus: domain.ErrModelUnresolved().HTTPStatusCode(),
			wantType:   domain.ErrModelUnresolved().Type,
		},
		{
			name:       "plain error hidden",
			err:        errors.New("db password leaked"),
			wantStatus: http.StatusInternalServerError,
			wantType:   domain.ErrorTypeServer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req = req.WithContext(WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			WriteError(rec, req, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			checkHeader(t, rec, "Retry-After", tt.wantRetry)
			checkHeader(t, rec, "Content-Type", "application/json")

			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", body.Error.Type, tt.wantType)
			}
			if body.Error.RequestID != "req-1" {
				t.Errorf("request_id = %q, want req-1", body.Error.RequestID)
			}
			if strings.Contains(rec.Body.String(), "password") {
				t.Errorf("internal error text leaked: %s", rec.Body.String())
			}
		})
	}
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	req := httptest.NewRequest("GET", "/test-path", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()

	if !strings.Contains(output, "request started") {
		t.Error("Expected 'request started' in log output")
	}
	if !strings.Contains(output, "request completed") {
		t.Error("Expected 'request completed' in log output")
	}
	if !strings.Contains(output, "/test-path") {
		t.Error("Expected path in log output")
	}
	if !strings.Contains(output, "bytes=2") {
		t.Errorf("Expected byte count in log output, got: %s", output)
	}
}

func TestLoggingMiddleware_PreservesFlusher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("Expected wrapped writer to implement http.Flusher")
		}
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush() error = %v", err)
		}
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if !rec.Flushed {
		t.Error("Expected response to be flushed")
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "custom_field", "custom_value")
		w.WriteHeader(http.StatusOK)
	})

	wrapped := LoggingMiddleware(logger)(testHandler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	output := buf.String()
	if !strings.Contains(output, "custom_field") || !strings.Contains(output, "custom_value") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
}

func TestAddLogField_EmptyValue(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	LoggingMiddleware(logger)(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if strings.Contains(buf.String(), "empty_field") {
		t.Errorf("Empty field should not be in log output, got: %s", buf.String())
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	// Should not panic when called with a context that doesn't have log fields
	AddLogField(context.Background(), "key", "value")
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("test error message"))
		w.WriteHeader(http.StatusInternalServerError)
	})

	LoggingMiddleware(logger)(testHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "level=ERROR") || !strings.Contains(output, "test error message") {
		t.Errorf("Expected error in log output, got: %s", output)
	}
}

func TestAddError_Nil(t *testing.T) {
	AddError(context.Background(), nil)
}

// =============================================================================
// Helper Functions
// =============================================================================

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, expected string) {
	t.Helper()
	actual := rec.Header().Get(name)
	if actual != expected {
		t.Errorf("Header %s = %q, want %q", name, actual, expected)
	}
}
