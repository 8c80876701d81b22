package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

const tokenTTL = 24 * time.Hour

// CredentialStore looks up local accounts by email.
type CredentialStore interface {
	FindCredentials(ctx context.Context, email string) (store.User, string, error)
}

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// IssueToken signs a local-mode token for userID.
func IssueToken(secret []byte, userID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Login exchanges email and password for a token, returned in the body for
// socket clients and as a cookie for browsers.
func Login(a *app.App, users CredentialStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.AuthMode != "local" {
			app.AbortError(c, http.StatusBadRequest, "login_disabled", "login disabled", nil)
			return
		}
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "invalid_body", "email and password are required", nil)
			return
		}
		ctx := c.Request.Context()
		u, hash, err := users.FindCredentials(ctx, in.Email)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Ctx(ctx).Error().Err(err).Msg("load credentials")
			app.AbortError(c, http.StatusInternalServerError, "internal", "login failed", nil)
			return
		}
		if err != nil || hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)) != nil {
			app.AbortError(c, http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			return
		}
		tok, err := IssueToken([]byte(a.Cfg.AuthLocalSecret), u.ID, time.Now())
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "internal", "could not issue token", nil)
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(CookieName, tok, int(tokenTTL.Seconds()), "/", "", a.Cfg.Env != "dev", true)
		c.JSON(http.StatusOK, gin.H{"token": tok, "user": fromStore(u)})
	}
}

func Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
