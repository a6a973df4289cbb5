package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func mustKeys(t *testing.T, secret, issuer string) *SessionKeys {
	t.Helper()
	keys, err := NewSessionKeys(secret, issuer)
	if err != nil {
		t.Fatalf("NewSessionKeys() error: %v", err)
	}
	return keys
}

func TestNewSessionKeys(t *testing.T) {
	t.Run("configured secret", func(t *testing.T) {
		if _, err := NewSessionKeys(testSecret, ""); err != nil {
			t.Errorf("NewSessionKeys() unexpected error: %v", err)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		_, err := NewSessionKeys("", "")
		if !errors.Is(err, ErrMissingSecret) {
			t.Errorf("NewSessionKeys() error = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "true")
		keys, err := NewSessionKeys("", "")
		if err != nil {
			t.Fatalf("NewSessionKeys() unexpected error in dev mode: %v", err)
		}
		if len(keys.secret) == 0 {
			t.Error("dev mode secret is empty")
		}
	})
}

func TestSignAndValidate(t *testing.T) {
	keys := mustKeys(t, testSecret, "connect-console")

	t.Run("round trip", func(t *testing.T) {
		token, err := keys.Sign("user-123", "test@example.com", time.Hour)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}

		claims, err := keys.Validate(token)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		if claims.Principal() != "user-123" {
			t.Errorf("Principal() = %q, want user-123", claims.Principal())
		}
		if claims.Email != "test@example.com" {
			t.Errorf("claims.Email = %q, want test@example.com", claims.Email)
		}
		if claims.Issuer != "connect-console" {
			t.Errorf("claims.Issuer = %q, want connect-console", claims.Issuer)
		}
	})

	t.Run("default expiry when zero duration", func(t *testing.T) {
		token, err := keys.Sign("uid", "u@example.com", 0)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		claims, err := keys.Validate(token)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		remaining := time.Until(claims.ExpiresAt.Time)
		if remaining < 50*time.Minute || remaining > 70*time.Minute {
			t.Errorf("default expiry remaining = %v, want ~1h", remaining)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := keys.Sign("uid", "u@example.com", -time.Second)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		if _, err := keys.Validate(token); err == nil {
			t.Error("Validate() expected error for expired token, got nil")
		}
	})

	t.Run("garbage and empty tokens are rejected", func(t *testing.T) {
		for _, tok := range []string{"not.a.valid.token", ""} {
			if _, err := keys.Validate(tok); err == nil {
				t.Errorf("Validate(%q) expected error, got nil", tok)
			}
		}
	})

	t.Run("token signed with different secret is rejected", func(t *testing.T) {
		other := mustKeys(t, "completely-different-secret-32ch!", "connect-console")
		token, err := other.Sign("uid", "", time.Hour)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		if _, err := keys.Validate(token); err == nil {
			t.Error("Validate() expected error for token signed with different secret, got nil")
		}
	})

	t.Run("wrong issuer is rejected", func(t *testing.T) {
		other := mustKeys(t, testSecret, "someone-else")
		token, err := other.Sign("uid", "", time.Hour)
		if err != nil {
			t.Fatalf("Sign() error: %v", err)
		}
		if _, err := keys.Validate(token); err == nil {
			t.Error("Validate() expected error for foreign issuer, got nil")
		}
	})
}

func TestValidate_SubjectOnlyToken(t *testing.T) {
	keys := mustKeys(t, testSecret, "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}

	claims, err := keys.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if claims.Principal() != "user-7" {
		t.Errorf("Principal() = %q, want user-7", claims.Principal())
	}
}

func TestValidate_RejectsTokenWithoutSubject(t *testing.T) {
	keys := mustKeys(t, testSecret, "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	if _, err := keys.Validate(token); err == nil {
		t.Error("Validate() expected error for token without subject, got nil")
	}
}

func TestValidate_RejectsOtherAlgorithms(t *testing.T) {
	keys := mustKeys(t, testSecret, "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error: %v", err)
	}
	if _, err := keys.Validate(token); err == nil {
		t.Error("Validate() expected error for HS512 token, got nil")
	}
}
