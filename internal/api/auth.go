package api

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/config"
)

// PrincipalKind distinguishes the three caller classes.
type PrincipalKind string

const (
	PrincipalUser      PrincipalKind = "USER"
	PrincipalService   PrincipalKind = "SERVICE"
	PrincipalAnonymous PrincipalKind = "ANONYMOUS"
)

const principalKey = "principal"

// ScopeSend authorizes service principals to submit notifications.
const ScopeSend = "notification.send"

// AuthorityAdmin marks administrative users.
const AuthorityAdmin = "ROLE_ADMIN"

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Kind        PrincipalKind
	ID          string
	ServiceName string
	Scopes      []string
	Authorities []string
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAuthority reports whether the principal carries the authority.
func (p *Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// IsAdmin reports administrative access.
func (p *Principal) IsAdmin() bool {
	return p.Kind == PrincipalUser && p.HasAuthority(AuthorityAdmin)
}

// RateKey identifies the principal's rate-limit bucket.
func (p *Principal) RateKey(clientIP string) string {
	switch p.Kind {
	case PrincipalUser:
		return "user:" + p.ID
	case PrincipalService:
		return "service:" + p.ServiceName
	default:
		return "ip:" + clientIP
	}
}

// TokenChecker answers revocation queries; satisfied by *blacklist.Store.
type TokenChecker interface {
	IsBlacklisted(ctx context.Context, jti, userID string, issuedAt time.Time) bool
}

// Authenticator resolves request credentials into a Principal. The API key
// header is tried before the bearer token so service integrations with
// both configured get the service identity.
type Authenticator struct {
	config  config.AuthConfig
	checker TokenChecker
}

// NewAuthenticator creates the authenticator.
func NewAuthenticator(cfg config.AuthConfig, checker TokenChecker) *Authenticator {
	return &Authenticator{config: cfg, checker: checker}
}

// Middleware authenticates the request and stores the principal. Requests
// without credentials proceed as anonymous; route guards decide what
// anonymous callers may reach.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			if p, ok := a.lookupAPIKey(apiKey); ok {
				c.Set(principalKey, p)
				c.Next()
				return
			}
			abortWithError(c, apperrors.NewAuthenticationError("invalid API key"))
			return
		}

		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			p, appErr := a.verifyJWT(c.Request.Context(), token)
			if appErr != nil {
				abortWithError(c, appErr)
				return
			}
			c.Set(principalKey, p)
			c.Next()
			return
		}

		c.Set(principalKey, &Principal{Kind: PrincipalAnonymous})
		c.Next()
	}
}

func (a *Authenticator) lookupAPIKey(key string) (*Principal, bool) {
	for name, configured := range a.config.ServiceAPIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(configured)) == 1 {
			return &Principal{
				Kind:        PrincipalService,
				ServiceName: name,
				Scopes:      []string{ScopeSend},
			}, true
		}
	}
	return nil, false
}

// claims is the accepted token shape.
type claims struct {
	Scope       string   `json:"scope"`
	Authorities []string `json:"authorities"`
	jwt.RegisteredClaims
}

func (a *Authenticator) verifyJWT(ctx context.Context, token string) (*Principal, *apperrors.AppError) {
	var parsed claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, apperrors.NewAuthenticationError("invalid token")
	}

	userID := parsed.Subject
	issuedAt := time.Time{}
	if parsed.IssuedAt != nil {
		issuedAt = parsed.IssuedAt.Time
	}
	if a.checker != nil && a.checker.IsBlacklisted(ctx, parsed.ID, userID, issuedAt) {
		return nil, apperrors.NewAuthenticationError("token revoked")
	}

	return &Principal{
		Kind:        PrincipalUser,
		ID:          userID,
		Scopes:      strings.Fields(parsed.Scope),
		Authorities: parsed.Authorities,
	}, nil
}

// CurrentPrincipal returns the request principal, defaulting to anonymous.
func CurrentPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return &Principal{Kind: PrincipalAnonymous}
}

// RequireUser guards routes that need an authenticated end user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if p.Kind != PrincipalUser {
			abortWithError(c, apperrors.NewAuthenticationError("authentication required"))
			return
		}
		c.Next()
	}
}

// RequireSender guards the submission route: end users may send for
// themselves, services need the send scope.
func RequireSender() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		switch {
		case p.Kind == PrincipalUser:
		case p.Kind == PrincipalService && p.HasScope(ScopeSend):
		default:
			if p.Kind == PrincipalAnonymous {
				abortWithError(c, apperrors.NewAuthenticationError("authentication required"))
			} else {
				abortWithError(c, apperrors.NewAuthorizationError("notification.send scope required"))
			}
			return
		}
		c.Next()
	}
}

// RequireAdmin guards the admin surface.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if p.Kind == PrincipalAnonymous {
			abortWithError(c, apperrors.NewAuthenticationError("authentication required"))
			return
		}
		if !p.IsAdmin() {
			abortWithError(c, apperrors.NewAuthorizationError("admin authority required"))
			return
		}
		c.Next()
	}
}
