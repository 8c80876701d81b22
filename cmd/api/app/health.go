package app

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"
)

const readyTimeout = 2 * time.Second

const readyCheckKey = ".readyz"

// Healthz reports liveness only.
func Healthz(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }

// Readyz checks each configured dependency and answers 503 naming the
// first one that fails.
func (a *App) Readyz(c *gin.Context) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"db", a.pingDB},
		{"redis", a.pingRedis},
		{"object_store", a.checkObjects},
	}
	for _, chk := range checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		err := chk.fn(ctx)
		cancel()
		if err != nil {
			log.Ctx(c.Request.Context()).Warn().Err(err).Str("check", chk.name).Msg("not ready")
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "failed": chk.name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) pingDB(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	var one int
	return a.DB.QueryRow(ctx, "select 1").Scan(&one)
}

func (a *App) pingRedis(ctx context.Context) error {
	if a.Q == nil {
		return nil
	}
	return a.Q.Ping(ctx).Err()
}

// checkObjects writes and removes a zero-byte object in the chat bucket.
func (a *App) checkObjects(ctx context.Context) error {
	if a.M == nil {
		return nil
	}
	if _, err := a.M.PutObject(ctx, a.Cfg.MinIOBucket, readyCheckKey, bytes.NewReader(nil), 0, minio.PutObjectOptions{}); err != nil {
		return err
	}
	return a.M.RemoveObject(ctx, a.Cfg.MinIOBucket, readyCheckKey, minio.RemoveObjectOptions{})
}
