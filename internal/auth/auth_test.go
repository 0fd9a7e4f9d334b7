package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyRoundTrip(t *testing.T) {
	tok, err := Issue("s3cret", "driver-1", "driver", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	v := NewVerifier("s3cret")
	for _, raw := range []string{tok, "Bearer " + tok} {
		id, err := v.Verify(raw)
		if err != nil {
			t.Fatalf("verify %q: %v", raw[:10], err)
		}
		if id.UserID != "driver-1" || id.Role != "driver" {
			t.Fatalf("unexpected identity %+v", id)
		}
	}
}

func TestVerifyRejects(t *testing.T) {
	good, _ := Issue("s3cret", "u1", "rider", time.Hour)
	expired, _ := Issue("s3cret", "u1", "rider", -time.Minute)
	other, _ := Issue("different", "u1", "rider", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString([]byte("s3cret"))

	v := NewVerifier("s3cret")
	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"expired":      expired,
		"wrong secret": other,
		"no subject":   none,
		"truncated":    good[:len(good)-4],
	} {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestVerifySubFallback(t *testing.T) {
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "rider-7"}).SignedString([]byte("k"))
	id, err := NewVerifier("k").Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "rider-7" {
		t.Fatalf("expected rider-7, got %q", id.UserID)
	}
}
