package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

// Credential failures. Every one of them maps to 401.
var (
	ErrUnauthenticated   = errors.New("missing bearer credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnknownUser       = errors.New("unknown user")
)

// CookieName holds the token issued by local login.
const CookieName = "auth"

// AuthUser represents the authenticated user.
type AuthUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	Role        string `json:"role"`
}

func fromStore(u store.User) AuthUser {
	return AuthUser{ID: u.ID, Email: u.Email, DisplayName: u.Name, Role: u.Role}
}

// UserFinder resolves a token subject to a stored user.
type UserFinder interface {
	FindUser(ctx context.Context, id string) (store.User, error)
}

// Gate verifies bearer tokens and resolves them to users. It is shared by
// the REST middleware and the socket handshake.
type Gate struct {
	Keyf     jwt.Keyfunc
	Users    UserFinder
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// NewGate builds a Gate from the app's key function and auth settings.
func NewGate(a *app.App, users UserFinder) *Gate {
	g := &Gate{
		Keyf:   a.Keyf,
		Users:  users,
		Leeway: time.Duration(a.Cfg.JWTClockSkewSeconds) * time.Second,
	}
	if a.Cfg.AuthMode == "oidc" {
		g.Issuer = a.Cfg.OIDCIssuer
		g.Audience = a.Cfg.OIDCAudience
	}
	return g
}

// Authenticate verifies token and loads the user it names.
func (g *Gate) Authenticate(ctx context.Context, token string) (AuthUser, error) {
	if token == "" {
		return AuthUser{}, ErrUnauthenticated
	}
	if g.Keyf == nil {
		return AuthUser{}, errors.New("token verification is not configured")
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithLeeway(g.Leeway)}
	if g.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.Issuer))
	}
	if g.Audience != "" {
		opts = append(opts, jwt.WithAudience(g.Audience))
	}
	tok, err := jwt.Parse(token, g.Keyf, opts...)
	if err != nil {
		return AuthUser{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return AuthUser{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	u, err := g.Users.FindUser(ctx, sub)
	if errors.Is(err, store.ErrNotFound) {
		return AuthUser{}, fmt.Errorf("%w: %s", ErrUnknownUser, sub)
	}
	if err != nil {
		return AuthUser{}, fmt.Errorf("resolve user: %w", err)
	}
	return fromStore(u), nil
}

// Code is the error code reported to clients for an Authenticate failure.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	}
	return "auth_unavailable"
}

// Status is the HTTP status for an Authenticate failure.
func Status(err error) int {
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrUnknownUser) {
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// BearerToken extracts the credential from the Authorization header, the
// token query parameter (browsers cannot set headers on a socket upgrade) or
// the local login cookie, in that order.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware performs token validation or bypass during tests.
func Middleware(a *app.App, g *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.TestBypassAuth {
			c.Set("user", AuthUser{
				ID:          "00000000-0000-0000-0000-000000000001",
				Email:       "test@example.com",
				DisplayName: "Test User",
				Role:        store.RoleTechnician,
			})
			c.Next()
			return
		}
		u, err := g.Authenticate(c.Request.Context(), BearerToken(c.Request))
		if err != nil {
			msg := err.Error()
			if Status(err) >= http.StatusInternalServerError {
				msg = "authentication unavailable"
			}
			app.AbortError(c, Status(err), Code(err), msg, nil)
			return
		}
		c.Set("user", u)
		c.Set(app.UserIDKey, u.ID)
		c.Next()
	}
}

// CurrentUser returns the user stored by Middleware.
func CurrentUser(c *gin.Context) (AuthUser, bool) {
	v, ok := c.Get("user")
	if !ok {
		return AuthUser{}, false
	}
	u, ok := v.(AuthUser)
	return u, ok
}

// Me returns the authenticated user.
func Me(c *gin.Context) {
	u, ok := CurrentUser(c)
	if !ok {
		app.AbortError(c, http.StatusUnauthorized, "unauthenticated", "unauthenticated", nil)
		return
	}
	c.JSON(http.StatusOK, u)
}
