package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func TestDecodeToken_ReadsClaims(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := createTestToken(t, jwt.MapClaims{
		"sub":      "auth0|42",
		"userId":   "P-100",
		"username": "jane",
		"roles":    []string{"ROLE_PATIENT"},
		"exp":      exp.Unix(),
	})

	c, err := DecodeToken(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SubjectID() != "P-100" {
		t.Errorf("expected userId P-100, got %q", c.SubjectID())
	}
	if c.DisplayName() != "jane" {
		t.Errorf("expected username jane, got %q", c.DisplayName())
	}
	if c.ExpiresAt == nil || !c.ExpiresAt.Time.Equal(exp) {
		t.Errorf("expected exp %v, got %v", exp, c.ExpiresAt)
	}
	if DeriveRole(c) != RolePatient {
		t.Errorf("expected patient role, got %q", DeriveRole(c))
	}
}

func TestDecodeToken_NumericUserID(t *testing.T) {
	tok := createTestToken(t, jwt.MapClaims{"id": 7781, "role": "patient"})
	c, err := DecodeToken(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SubjectID() != "7781" {
		t.Errorf("expected 7781, got %q", c.SubjectID())
	}
}

func TestDecodeToken_FallsBackToSubject(t *testing.T) {
	tok := createTestToken(t, jwt.MapClaims{"sub": "user-9", "email": "u9@example.com"})
	c, err := DecodeToken(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SubjectID() != "user-9" {
		t.Errorf("expected sub fallback, got %q", c.SubjectID())
	}
	if c.DisplayName() != "u9@example.com" {
		t.Errorf("expected email fallback, got %q", c.DisplayName())
	}
}

func TestDecodeToken_Invalid(t *testing.T) {
	for _, tok := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		if _, err := DecodeToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("DecodeToken(%q): expected ErrInvalidToken, got %v", tok, err)
		}
	}
}

func TestDeriveRole(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"single string", jwt.MapClaims{"role": "DOCTOR"}, RoleDoctor},
		{"array", jwt.MapClaims{"roles": []string{"user", "patient"}}, RolePatient},
		{"spring authorities", jwt.MapClaims{"authorities": []map[string]string{{"authority": "ROLE_PHYSICIAN"}}}, RoleDoctor},
		{"admin outranks", jwt.MapClaims{"roles": []string{"ROLE_PATIENT", "ROLE_ADMIN"}}, RoleAdmin},
		{"doctor outranks patient", jwt.MapClaims{"role": "patient", "roles": []string{"doctor"}}, RoleDoctor},
		{"unknown", jwt.MapClaims{"roles": []string{"nurse"}}, ""},
		{"none", jwt.MapClaims{"sub": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeToken(createTestToken(t, tt.claims))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := DeriveRole(c); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromToken_RejectsExpired(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tok := createTestToken(t, jwt.MapClaims{"userId": "P-1", "exp": now.Add(-time.Minute).Unix()})
	if _, err := FromToken(tok, now); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	tok = createTestToken(t, jwt.MapClaims{"userId": "P-1", "role": "patient", "exp": now.Add(time.Hour).Unix()})
	s, err := FromToken(tok, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID != "P-1" || s.Role != RolePatient || s.Token != tok {
		t.Errorf("unexpected session %+v", s)
	}
	if !s.IsPatient() {
		t.Error("expected IsPatient")
	}
}
