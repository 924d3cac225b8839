// Package auth verifies the participant token issued by the study's login
// layer. The token is an HS256 JWT whose subject is the participant id.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	perr "github.com/lehigh-university-libraries/readerstudy/internal/platform/errors"
)

// Verifier checks bearer tokens.
type Verifier struct {
	Secret []byte
	Now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{Secret: []byte(secret), Now: time.Now}
}

// Verify returns the participant id carried by a token.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", perr.New(perr.CodeUnauthenticated, "token is required")
	}
	if len(v.Secret) == 0 {
		return "", errors.New("token verifier is not configured")
	}
	now := v.Now
	if now == nil {
		now = time.Now
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", mapJWTError(err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", perr.New(perr.CodeUnauthenticated, "token has no subject")
	}
	return subject, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return perr.Wrap(perr.CodeUnauthenticated, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return perr.Wrap(perr.CodeUnauthenticated, "token signature is invalid", err)
	default:
		return perr.Wrap(perr.CodeUnauthenticated, "token is invalid", err)
	}
}

// Issue signs a token for a participant. The login layer owns issuance in
// production; this serves tooling and tests.
func (v *Verifier) Issue(participantID string, ttl time.Duration) (string, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	issued := now()
	claims := jwt.RegisteredClaims{
		Subject:   participantID,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

type ctxKey struct{}

// WithParticipant stores the authenticated participant id.
func WithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, participantID)
}

// ParticipantID returns the authenticated participant id, if any.
func ParticipantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid bearer token and passes the
// participant id on through the request context.
func (v *Verifier) Middleware(onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				onError(w, r, perr.New(perr.CodeUnauthenticated, "bearer token is required"))
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), id)))
		})
	}
}
