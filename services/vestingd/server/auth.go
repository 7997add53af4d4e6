package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"tokenvest/native/vesting"
	"tokenvest/observability/logging"
)

// AuthConfig controls bearer token verification. Tokens are HS256 JWTs whose
// subject is the hex account address of the caller.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	Subject common.Address
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller attached by the authenticator.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies bearer tokens and binds the caller to the request.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

// NewAuthenticator builds an authenticator. A nil logger uses the default.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "auth")),
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.cfg.Enabled
}

// Middleware rejects requests without a valid bearer token when auth is
// enabled and attaches the Principal otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		tokenString := extractBearer(header)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		principal, err := a.parse(tokenString)
		if err != nil {
			a.logger.Warn("token validation failed",
				slog.String("error", err.Error()),
				logging.MaskField("authorization", header))
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (a *Authenticator) parse(tokenString string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return Principal{}, err
	}
	addr, err := vesting.ParseAddress(subject)
	if err != nil {
		return Principal{}, fmt.Errorf("subject: %w", err)
	}
	return Principal{Subject: addr}, nil
}

// Authorizer returns the capability check handed to the vesting engine. With
// auth disabled every request is approved; otherwise the caller must be the
// party the action is performed for.
func (a *Authenticator) Authorizer() vesting.Authorizer {
	if !a.Enabled() {
		return vesting.AllowAll
	}
	return vesting.AuthorizerFunc(func(ctx context.Context, action vesting.Action, party common.Address) error {
		principal, ok := PrincipalFromContext(ctx)
		if !ok {
			return fmt.Errorf("%w: no authenticated caller", vesting.ErrUnauthorized)
		}
		if principal.Subject != party {
			return fmt.Errorf("%w: %s may not %s for %s", vesting.ErrUnauthorized, principal.Subject.Hex(), action, party.Hex())
		}
		return nil
	})
}

// IssueToken mints an HS256 token for subject. It is used by the CLI and tests.
func IssueToken(secret string, subject common.Address, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return "", errors.New("hmac secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(trimmed))
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
