package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, secret string, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesOperatorTokens(t *testing.T) {
	issuer := newTestIssuer(t, "super-secret", nil)

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer := newTestIssuer(t, "secret", nil)
	if _, _, err := issuer.IssueToken(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, "another-secret", nil)

	tokenString, _, err := issuer.IssueToken(context.Background(), "operator-2")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "operator-2" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
	if _, err := newTestIssuer(t, "other-secret", nil).ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for a different secret")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, time.January, 10, 9, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, "secret", func() time.Time { return now })

	tokenString, _, err := issuer.IssueToken(context.Background(), "operator-3")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = issuedAt.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "missing secret", config: TokenIssuerConfig{Issuer: DefaultIssuer, Audience: DefaultAudience, TokenTTL: time.Minute}},
		{name: "missing issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: DefaultAudience, TokenTTL: time.Minute}},
		{name: "blank audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: DefaultIssuer, Audience: " ", TokenTTL: time.Minute}},
		{name: "zero ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: DefaultIssuer, Audience: DefaultAudience}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(testContext *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); err == nil {
				testContext.Fatalf("expected constructor error")
			}
		})
	}
}
