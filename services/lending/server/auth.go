package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"lendingcore/services/lendingd/config"
)

type principalKey struct{}

// Principal is the authenticated caller. Operators may act for any owner;
// subjects may act only for themselves.
type Principal struct {
	Operator bool
	Subject  string
	Method   string
}

// CanActFor reports whether the principal may read or move owner's funds.
func (p Principal) CanActFor(owner string) bool {
	return p.Operator || (p.Subject != "" && p.Subject == owner)
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal installed by the authenticator.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var (
	errMissingCredentials = errors.New("authentication required")
	errInvalidCredentials = errors.New("invalid credentials")
)

type authenticator struct {
	tokens      map[string]struct{}
	commonNames map[string]struct{}
	secret      []byte
	issuer      string
	audience    string
	skew        time.Duration
	now         func() time.Time
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	tokens := make(map[string]struct{})
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens[trimmed] = struct{}{}
		}
	}
	commonNames := make(map[string]struct{})
	for _, name := range cfg.MTLS.AllowedCommonNames {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			commonNames[trimmed] = struct{}{}
		}
	}
	skew := cfg.JWT.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &authenticator{
		tokens:      tokens,
		commonNames: commonNames,
		secret:      []byte(strings.TrimSpace(cfg.JWT.Secret)),
		issuer:      strings.TrimSpace(cfg.JWT.Issuer),
		audience:    strings.TrimSpace(cfg.JWT.Audience),
		skew:        skew,
		now:         time.Now,
	}
}

// middleware authenticates every request it wraps and rejects anonymous ones.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

func (a *authenticator) authenticate(r *http.Request) (Principal, error) {
	if a == nil {
		return Principal{}, fmt.Errorf("authenticator unavailable")
	}
	if token := strings.TrimSpace(r.Header.Get("X-API-Token")); token != "" {
		if _, ok := a.tokens[token]; ok {
			return Principal{Operator: true, Method: "api_token"}, nil
		}
		return Principal{}, errInvalidCredentials
	}
	if bearer := parseBearerToken(r.Header.Get("Authorization")); bearer != "" {
		if _, ok := a.tokens[bearer]; ok {
			return Principal{Operator: true, Method: "api_token"}, nil
		}
		subject, err := a.parseJWT(bearer)
		if err != nil {
			return Principal{}, errInvalidCredentials
		}
		return Principal{Subject: subject, Method: "jwt"}, nil
	}
	if name, ok := a.clientCommonName(r); ok {
		return Principal{Operator: true, Subject: name, Method: "mtls"}, nil
	}
	return Principal{}, errMissingCredentials
}

func (a *authenticator) parseJWT(raw string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt authentication not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject required")
	}
	return subject, nil
}

func (a *authenticator) clientCommonName(r *http.Request) (string, bool) {
	if len(a.commonNames) == 0 || r.TLS == nil {
		return "", false
	}
	for _, chain := range r.TLS.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		name := strings.TrimSpace(chain[0].Subject.CommonName)
		if _, ok := a.commonNames[name]; ok {
			return name, true
		}
	}
	return "", false
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(trimmed, " ")
	if !ok || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
