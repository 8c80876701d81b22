package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/cmd/api/attachments"
	"github.com/mark3748/helpdesk-realtime/cmd/api/auth"
	"github.com/mark3748/helpdesk-realtime/cmd/api/migrations"
	"github.com/mark3748/helpdesk-realtime/cmd/api/ws"
	"github.com/mark3748/helpdesk-realtime/internal/ratelimit"
	"github.com/mark3748/helpdesk-realtime/internal/s3"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

func main() {
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()
	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrate up")
	}
	users := store.NewUsers(pool)

	var keyf jwt.Keyfunc
	switch cfg.AuthMode {
	case "local":
		if cfg.AuthLocalSecret == "" {
			log.Fatal().Msg("AUTH_LOCAL_SECRET is required in local auth mode")
		}
		keyf = auth.HMACKeyfunc([]byte(cfg.AuthLocalSecret))
		if cfg.Env == "dev" {
			email := app.GetEnv("ADMIN_EMAIL", "admin@example.com")
			if err := users.EnsureAdmin(ctx, email, cfg.AdminPassword); err != nil {
				log.Error().Err(err).Str("email", email).Msg("seed local admin")
			}
		}
	case "oidc":
		if cfg.JWKSURL == "" {
			log.Fatal().Msg("OIDC_JWKS_URL is required in oidc auth mode")
		}
		jwks, err := auth.NewJWKS(ctx, cfg.JWKSURL)
		if err != nil {
			log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("fetch jwks")
		}
		go jwks.Run(ctx, 10*time.Minute)
		keyf = jwks.Keyfunc
	default:
		log.Fatal().Str("auth_mode", cfg.AuthMode).Msg("unknown AUTH_MODE")
	}

	var (
		objects app.ObjectStore
		presign attachments.Presigner
	)
	switch {
	case cfg.MinIOEndpoint != "":
		mc, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccess, cfg.MinIOSecret, ""),
			Secure: cfg.MinIOUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("minio init")
		}
		if ok, err := mc.BucketExists(ctx, cfg.MinIOBucket); err != nil {
			log.Error().Err(err).Str("bucket", cfg.MinIOBucket).Msg("minio bucket check")
		} else if !ok {
			if err := mc.MakeBucket(ctx, cfg.MinIOBucket, minio.MakeBucketOptions{}); err != nil {
				log.Error().Err(err).Str("bucket", cfg.MinIOBucket).Msg("minio make bucket")
			}
		}
		objects = mc
		presign = s3.Service{Client: mc, Bucket: cfg.MinIOBucket, MaxTTL: cfg.FileURLTTL}
	case cfg.FileStorePath != "":
		objects = &app.FsObjectStore{Base: cfg.FileStorePath}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	msgs := store.NewMessages(pool)
	callStore := store.NewCalls(pool)
	opts := ws.Options{
		Users:       users,
		Messages:    msgs,
		Calls:       callStore,
		Redis:       rdb,
		RingTimeout: cfg.CallRingTimeout,
		EventRPS:    cfg.WSEventRPS,
		EventBurst:  cfg.WSEventBurst,
	}
	if rdb != nil && cfg.MessageRateLimit > 0 {
		opts.MessageLimiter = ratelimit.New(rdb, cfg.MessageRateLimit, time.Minute, "msg:")
	}
	hub := ws.NewHub(opts)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	a := app.NewApp(cfg, pool, keyf, objects, rdb)
	routes(a, Server{
		Hub:        hub,
		Gate:       auth.NewGate(a, users),
		Upgrader:   ws.NewUpgrader(cfg.AllowedOrigins),
		Users:      users,
		Messages:   msgs,
		Calls:      callStore,
		Presign:    presign,
		LoginLimit: ratelimit.New(rdb, cfg.LoginRateLimit, time.Minute, "login:"),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.R,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("auth_mode", cfg.AuthMode).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	// Closing the hub first sends every socket a going-away frame; hijacked
	// connections are not tracked by srv.Shutdown.
	stopHub()
	<-hubDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
