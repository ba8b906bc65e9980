package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens is one set of Cognito-issued credentials.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// Authenticator performs the actual credential exchange against the
// identity provider. It may block on network I/O.
type Authenticator interface {
	// Authenticate performs a full username/password login.
	Authenticate(ctx context.Context) (Tokens, error)
	// Renew exchanges a refresh token for a fresh token set.
	Renew(ctx context.Context, refreshToken string) (Tokens, error)
}

// renewLeeway is how long before the id token's exp we renew proactively,
// so a token handed to a caller stays valid while it is being used.
const renewLeeway = 5 * time.Minute

// TokenSource caches Cognito tokens and renews them on demand. The id
// token's expiry is read from its JWT claims without signature
// verification; the signature is the cloud's problem, we only need exp.
type TokenSource struct {
	auth Authenticator

	mu     sync.Mutex
	tokens Tokens
	valid  bool
}

// NewTokenSource returns a token source backed by the given authenticator.
func NewTokenSource(auth Authenticator) *TokenSource {
	return &TokenSource{auth: auth}
}

// IDToken returns a valid id token, logging in or renewing first if the
// cached one is missing or about to expire.
func (t *TokenSource) IDToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.valid && !tokenExpiringSoon(t.tokens.IDToken, time.Now()) {
		return t.tokens.IDToken, nil
	}

	if t.valid && t.tokens.RefreshToken != "" {
		tokens, err := t.auth.Renew(ctx, t.tokens.RefreshToken)
		if err == nil {
			t.tokens = tokens
			return t.tokens.IDToken, nil
		}
		// Renewal failed; fall through to a full login attempt.
		t.valid = false
	}

	tokens, err := t.auth.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	t.tokens = tokens
	t.valid = true
	return t.tokens.IDToken, nil
}

// Invalidate discards cached tokens, forcing a full login on next use.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid = false
	t.tokens = Tokens{}
}

// tokenExpiringSoon decodes the JWT exp claim and reports whether the token
// expires within the renewal leeway. Tokens that cannot be decoded are
// treated as expiring so they get replaced.
func tokenExpiringSoon(idToken string, now time.Time) bool {
	if idToken == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Add(renewLeeway).After(exp.Time)
}
