/*
auth.go - Bearer token principals

PURPOSE:
  Identifies the caller from an HS256 JWT in the Authorization header and
  gates routes by role. Storefront calls (attribution, clicks, public
  application form) carry no token and are never rejected here.

ROLES:
  admin      Back office: reviews applications, settles, voids, reads analytics
  service    Server-to-server: order webhooks record and confirm conversions
  affiliate  A partner; sub is the affiliate id and scopes every read

CLAIMS:
  sub   Principal id (admin user, service name, or affiliate id)
  role  One of the roles above
  exp   Optional expiry, enforced by jwt.Parse

SEE ALSO:
  - server.go: Where RequireRole is applied
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is a principal's authorization class.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleService   Role = "service"
	RoleAffiliate Role = "affiliate"
)

func (r Role) valid() bool {
	return r == RoleAdmin || r == RoleService || r == RoleAffiliate
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

type principalKey struct{}

// PrincipalFrom returns the caller attached by Authenticate, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies tokens signed with Secret.
type Authenticator struct {
	Secret []byte
}

// NewAuthenticator creates an authenticator for an HMAC secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{Secret: []byte(secret)}
}

// Authenticate attaches the principal when a bearer token is present.
// A request without Authorization passes through anonymous; a bad token
// is rejected with 401.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, err := a.parse(header)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "Unauthorized", "unauthorized", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *Authenticator) parse(header string) (Principal, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return Principal{}, errMissingToken
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return Principal{}, errMissingToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return a.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, errTokenExpired
		}
		return Principal{}, errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, errInvalidToken
	}

	sub, _ := claims.GetSubject()
	role, _ := claims["role"].(string)
	p := Principal{Subject: sub, Role: Role(role)}
	if p.Subject == "" || !p.Role.valid() {
		return Principal{}, errInvalidToken
	}
	return p, nil
}

// RequireRole rejects anonymous callers with 401 and callers holding none
// of roles with 403.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, "Unauthorized", "unauthorized", errMissingToken)
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErrorCode(w, http.StatusForbidden, "Forbidden", "forbidden", nil)
		})
	}
}

// IssueToken signs a principal token. A zero ttl issues a token without expiry.
func IssueToken(secret string, p Principal, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  p.Subject,
		"role": string(p.Role),
		"iat":  time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// actorID is the audit actor for the request.
func actorID(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return string(p.Role) + ":" + p.Subject
	}
	return "anonymous"
}

// scopeAffiliate returns the affiliate id a read is allowed to target.
// Affiliates are pinned to their own id; admins and services may ask for
// any id, including none.
func scopeAffiliate(r *http.Request, requested string) (string, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return "", false
	}
	if p.Role != RoleAffiliate {
		return requested, true
	}
	if requested != "" && requested != p.Subject {
		return "", false
	}
	return p.Subject, true
}
