package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tilgang.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var ErrInvalidToken = errors.New("invalid token")

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/openapi.yaml",
	"/v1/info",
	"/",
}

// Claims is the token payload this service consumes. The party id and
// authentication level are issued by the upstream identity provider.
type Claims struct {
	PartyID   string `json:"party_id,omitempty"`
	AuthLevel int    `json:"auth_level,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens and maps them to subjects.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("httpapi: authenticator requires a signing secret")
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}, nil
}

// Authenticate parses and validates the token and returns the subject it
// identifies.
func (a *Authenticator) Authenticate(token string) (identity.Subject, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return identity.Subject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := identity.Subject{
		UserID:              claims.Subject,
		PartyID:             claims.PartyID,
		AuthenticationLevel: claims.AuthLevel,
	}
	if !subject.Valid() {
		return identity.Subject{}, fmt.Errorf("%w: token carries no subject", ErrInvalidToken)
	}
	return subject, nil
}

// IssueToken signs a token for the subject. Used by tests and dev tooling;
// production tokens come from the identity provider.
func (a *Authenticator) IssueToken(subject identity.Subject, ttl time.Duration) (string, error) {
	claims := Claims{
		PartyID:   subject.PartyID,
		AuthLevel: subject.AuthenticationLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UserID,
			Issuer:    a.issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		subject, err := a.auth.Authenticate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.ContextWithSubject(r.Context(), subject)))
	})
}

// subject returns the authenticated subject, or a zero subject when
// authentication is disabled (dev mode).
func (a *API) subject(r *http.Request) (identity.Subject, bool) {
	return identity.SubjectFromContext(r.Context())
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
