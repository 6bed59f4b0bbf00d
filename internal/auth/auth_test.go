package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier("test-secret-key-32-chars-min!!!", "")
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}

	token, err := v.Sign("user-1", "tenant-a", time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "user-1" || id.TenantID != "tenant-a" || id.Anonymous {
		t.Errorf("Verify() = %+v, want user-1/tenant-a", id)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v, _ := NewVerifier("secret-one", "gateway")
	other, _ := NewVerifier("secret-two", "gateway")
	wrongIssuer, _ := NewVerifier("secret-one", "someone-else")

	expired := func() string {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			Issuer:    "gateway",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret-one"))
		return s
	}

	noSubject, _ := v.Sign("", "t", time.Hour)
	foreign, _ := other.Sign("u", "", time.Hour)
	issuerMismatch, _ := wrongIssuer.Sign("u", "", time.Hour)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"wrong issuer", issuerMismatch},
		{"expired", expired()},
		{"missing subject", noSubject},
		{"alg none", none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	if _, err := NewVerifier("", ""); err == nil {
		t.Error("NewVerifier(\"\") error = nil, want error")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantOK  bool
		wantErr bool
	}{
		{"absent", "", "", false, false},
		{"bearer", "Bearer abc.def", "abc.def", true, false},
		{"lowercase scheme", "bearer abc", "abc", true, false},
		{"basic", "Basic dXNlcg==", "", true, true},
		{"no scheme", "abc", "", true, true},
		{"empty token", "Bearer  ", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok, err := BearerToken(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("BearerToken() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
