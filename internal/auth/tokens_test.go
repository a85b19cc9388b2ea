package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParse(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)

	signed, exp, err := tokens.Issue("acct-1", "passenger")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tokens.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.AccountID != "acct-1" || claims.Role != "passenger" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ExpiresAt.Unix() != exp.Unix() {
		t.Fatalf("expected expiry %v, got %v", exp, claims.ExpiresAt)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)
	other := NewTokens("other-secret", time.Hour)

	forged, _, _ := other.Issue("acct-1", "driver")
	if _, err := tokens.Parse(forged); err != ErrInvalidToken {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}

	expired := NewTokens("test-secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, _ := expired.Issue("acct-1", "driver")
	if _, err := tokens.Parse(old); err != ErrInvalidToken {
		t.Fatalf("expected invalid token for expired token, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "acct-1", "exp": time.Now().Add(time.Hour).Unix()})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := tokens.Parse(unsigned); err != ErrInvalidToken {
		t.Fatalf("expected invalid token for alg none, got %v", err)
	}

	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	signed, _ := noSub.SignedString([]byte("test-secret"))
	if _, err := tokens.Parse(signed); err != ErrInvalidToken {
		t.Fatalf("expected invalid token without subject, got %v", err)
	}
}
