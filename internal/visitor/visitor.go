// Package visitor identifies browsers across requests with a signed cookie.
// The visitor ID scopes everything the page would keep in local storage.
package visitor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CookieName is the cookie carrying the signed visitor token.
	CookieName = "party_visitor"

	defaultIssuer = "party-rsvp"
	defaultMaxAge = 365 * 24 * time.Hour
	minSecretLen  = 16
)

type ctxKey struct{}

// Config configures visitor cookie signing.
type Config struct {
	Secret       string
	Issuer       string
	MaxAge       time.Duration
	SecureCookie bool
}

// Signer issues and verifies visitor tokens (HS256).
type Signer struct {
	secret []byte
	issuer string
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

// NewSigner creates a visitor token signer.
func NewSigner(cfg Config) (*Signer, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < minSecretLen {
		return nil, errors.New("visitor secret must be at least 16 characters")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Signer{
		secret: []byte(secret),
		issuer: issuer,
		maxAge: maxAge,
		secure: cfg.SecureCookie,
		now:    time.Now,
	}, nil
}

// Sign returns a token for visitor id.
func (s *Signer) Sign(id string) (string, error) {
	now := s.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   id,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.maxAge)),
	})
	return token.SignedString(s.secret)
}

// Verify validates token and returns the visitor id.
func (s *Signer) Verify(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid visitor token")
		}
		return "", err
	}
	id := strings.TrimSpace(claims.Subject)
	if id == "" {
		return "", errors.New("visitor token subject missing")
	}
	return id, nil
}

// Middleware attaches the visitor id to the request context, issuing a new
// cookie when the request carries none or an invalid one.
func (s *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if c, err := r.Cookie(CookieName); err == nil {
			if v, err := s.Verify(c.Value); err == nil {
				id = v
			}
		}
		if id == "" {
			id = uuid.NewString()
			token, err := s.Sign(id)
			if err != nil {
				http.Error(w, "visitor token unavailable", http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    token,
				Path:     "/",
				MaxAge:   int(s.maxAge.Seconds()),
				HttpOnly: true,
				Secure:   s.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

// WithID stores a visitor id in ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the visitor id set by Middleware.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
