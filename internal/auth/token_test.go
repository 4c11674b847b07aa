package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndValidateToken(t *testing.T) {
	sec := "secret123"
	now := time.Now()

	tok, err := IssueMediaToken(sec, "CA123", now, 5*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ValidateMediaToken(sec, tok, "CA123", now, time.Minute)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.CallID != "CA123" || claims.Subject != "CA123" {
		t.Fatalf("claims: %+v", claims)
	}
	// empty expectation accepts any call
	if _, err := ValidateMediaToken(sec, tok, "", now, 0); err != nil {
		t.Fatalf("validate any: %v", err)
	}
}

func TestBadSignature(t *testing.T) {
	now := time.Now()
	tok, _ := IssueMediaToken("secret123", "CA123", now, 5*time.Minute)
	if _, err := ValidateMediaToken("other", tok, "CA123", now, 0); !errors.Is(err, ErrTokenSig) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if _, err := ValidateMediaToken("secret123", "not-a-token", "CA123", now, 0); !errors.Is(err, ErrTokenFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestExpiryAndSkew(t *testing.T) {
	now := time.Now()
	tok, _ := IssueMediaToken("s", "CA1", now, time.Minute)

	if _, err := ValidateMediaToken("s", tok, "CA1", now.Add(90*time.Second), time.Minute); err != nil {
		t.Fatalf("within skew: %v", err)
	}
	if _, err := ValidateMediaToken("s", tok, "CA1", now.Add(3*time.Minute), time.Minute); !errors.Is(err, ErrTokenExp) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestCallMismatch(t *testing.T) {
	now := time.Now()
	tok, _ := IssueMediaToken("s", "CA1", now, time.Minute)
	if _, err := ValidateMediaToken("s", tok, "CA2", now, 0); !errors.Is(err, ErrTokenCall) {
		t.Fatalf("expected call mismatch, got %v", err)
	}
	if _, err := IssueMediaToken("", "CA1", now, time.Minute); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
