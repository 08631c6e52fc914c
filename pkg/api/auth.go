package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// HolderClaims are the JWT claims the gate expects. The subject is the
// holder id.
type HolderClaims struct {
	jwt.RegisteredClaims
	HolderType contracts.HolderType `json:"holder_type"`
}

// HolderAuth authenticates callers as AuthorityHolders using HS256 tokens.
type HolderAuth struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

const issuer = "helmgate"

// NewHolderAuth returns nil for an empty secret. The middleware treats a nil
// HolderAuth as "authentication not configured" and rejects every
// non-public request.
func NewHolderAuth(secret []byte) *HolderAuth {
	if len(secret) == 0 {
		return nil
	}
	return &HolderAuth{secret: secret, issuer: issuer, clock: time.Now}
}

// WithClock sets the time source used to validate expiry.
func (a *HolderAuth) WithClock(clock func() time.Time) *HolderAuth {
	a.clock = clock
	return a
}

// Issue mints a token for holder valid for ttl.
func (a *HolderAuth) Issue(holder contracts.AuthorityHolder, ttl time.Duration) (string, error) {
	if !holder.Type.Valid() || holder.ID == "" {
		return "", fmt.Errorf("issue token: invalid holder %q", holder.String())
	}
	now := a.clock()
	claims := HolderClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   holder.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		HolderType: holder.Type,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses tokenStr and returns the holder it names.
func (a *HolderAuth) Validate(tokenStr string) (contracts.AuthorityHolder, error) {
	claims := &HolderClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return contracts.AuthorityHolder{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return contracts.AuthorityHolder{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return contracts.AuthorityHolder{}, errors.New("token subject is required")
	}
	if !claims.HolderType.Valid() {
		return contracts.AuthorityHolder{}, fmt.Errorf("unknown holder_type %q", claims.HolderType)
	}
	return contracts.AuthorityHolder{Type: claims.HolderType, ID: claims.Subject}, nil
}

var publicPaths = map[string]bool{
	"/healthz": true,
}

// Middleware authenticates every non-public request and puts the holder on
// the context. Failures are 401.
func (a *HolderAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		if a == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}

		holder, err := a.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithHolder(r.Context(), holder)))
	})
}

type holderKey struct{}

// WithHolder stores an authenticated holder on ctx.
func WithHolder(ctx context.Context, h contracts.AuthorityHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// HolderFromContext returns the authenticated holder, if any.
func HolderFromContext(ctx context.Context) (contracts.AuthorityHolder, bool) {
	h, ok := ctx.Value(holderKey{}).(contracts.AuthorityHolder)
	return h, ok
}
