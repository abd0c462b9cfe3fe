package auth

import (
	"testing"
	"time"

	"call-dispatcher/internal/config"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "ada", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.ExpiresIn != 900 {
		t.Fatalf("unexpected pair: %+v", pair)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "ada" || claims.Role != "operator" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "viewer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
	claims, err := m.Verify(p.RefreshToken, TokenTypeRefresh, time.Now())
	if err != nil || claims.Role != "" {
		t.Fatalf("expected role-less refresh token, got %+v %v", claims, err)
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	a, _ := NewManager(config.AuthConfig{JWTSecret: "one", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	b, _ := NewManager(config.AuthConfig{JWTSecret: "two", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, _ := a.IssuePair(time.Now(), "u", "admin")
	if _, err := b.Verify(p.AccessToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestVerifyAppliesIssuerAudienceAndIssuedAt(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer, _ := NewManager(config.AuthConfig{JWTSecret: "s", JWTIssuer: "dispatcher", JWTAudience: "ops", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour})
	p, err := issuer.IssuePair(now, "ada", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	otherIss, _ := NewManager(config.AuthConfig{JWTSecret: "s", JWTIssuer: "someone-else", JWTAudience: "ops", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour})
	if _, err := otherIss.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
	otherAud, _ := NewManager(config.AuthConfig{JWTSecret: "s", JWTIssuer: "dispatcher", JWTAudience: "billing", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour})
	if _, err := otherAud.Verify(p.AccessToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected audience mismatch")
	}

	// Issued in the future beyond the skew leeway.
	if _, err := issuer.Verify(p.AccessToken, TokenTypeAccess, now.Add(-5*time.Minute)); err == nil {
		t.Fatalf("expected future iat to be rejected")
	}
	if _, err := issuer.Verify(p.AccessToken, TokenTypeAccess, now.Add(-10*time.Second)); err != nil {
		t.Fatalf("expected iat within leeway to pass, got %v", err)
	}
}
