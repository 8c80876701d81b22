package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/queue"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

// Config extends the API settings (database, redis, object storage) with
// the mail transports only the worker talks to.
type Config struct {
	app.Config
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPass     string
	SMTPFrom     string
	IMAPHost     string
	IMAPUser     string
	IMAPPass     string
	IMAPFolder   string
	IMAPInterval time.Duration
}

func cfg() Config {
	c := Config{
		Config:       app.GetConfig(),
		SMTPHost:     app.GetEnv("SMTP_HOST", ""),
		SMTPPort:     app.GetEnv("SMTP_PORT", "25"),
		SMTPUser:     app.GetEnv("SMTP_USER", ""),
		SMTPPass:     app.GetEnv("SMTP_PASS", ""),
		SMTPFrom:     app.GetEnv("SMTP_FROM", ""),
		IMAPHost:     app.GetEnv("IMAP_HOST", ""),
		IMAPUser:     app.GetEnv("IMAP_USER", ""),
		IMAPPass:     app.GetEnv("IMAP_PASS", ""),
		IMAPFolder:   app.GetEnv("IMAP_FOLDER", "INBOX"),
		IMAPInterval: time.Minute,
	}
	if d, err := time.ParseDuration(app.GetEnv("IMAP_INTERVAL", "")); err == nil && d > 0 {
		c.IMAPInterval = d
	}
	return c
}

type sendFunc func(c Config, j queue.EmailJob) error

// processQueueJob waits up to timeout for one job and runs it. An empty
// queue is not an error.
func processQueueJob(ctx context.Context, c Config, rdb *redis.Client, timeout time.Duration, send sendFunc) error {
	job, err := queue.Next(ctx, rdb, timeout)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	switch job.Type {
	case queue.TypeSendEmail:
		var ej queue.EmailJob
		if err := json.Unmarshal(job.Data, &ej); err != nil {
			return err
		}
		if err := send(c, ej); err != nil {
			return err
		}
		log.Info().Str("template", ej.Template).Msg("email sent")
	default:
		log.Warn().Str("type", job.Type).Msg("unknown job type")
	}
	return nil
}

func main() {
	c := cfg()
	if c.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, c.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("redis ping failed (queue not active yet)")
	}
	defer rdb.Close()

	var objects ObjectStore
	if c.MinIOEndpoint != "" {
		mc, err := minio.New(c.MinIOEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.MinIOAccess, c.MinIOSecret, ""),
			Secure: c.MinIOUseSSL,
		})
		if err != nil {
			log.Error().Err(err).Msg("minio init")
		} else {
			objects = mc
		}
	}

	if c.IMAPHost != "" {
		in := &Ingester{
			Users:    store.NewUsers(db),
			Messages: store.NewMessages(db),
			Objects:  objects,
			Bucket:   c.MinIOBucket,
			Redis:    rdb,
		}
		go func() {
			ticker := time.NewTicker(c.IMAPInterval)
			defer ticker.Stop()
			for {
				if err := pollIMAP(ctx, c, in); err != nil {
					log.Error().Err(err).Msg("poll imap")
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	log.Info().Msg("worker started")
	for ctx.Err() == nil {
		if err := processQueueJob(ctx, c, rdb, 5*time.Second, sendEmail); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("process job")
			time.Sleep(time.Second)
		}
	}
	log.Info().Msg("worker stopped")
}
