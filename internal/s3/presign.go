// Package s3 hands out short-lived URLs for chat attachments kept in MinIO.
package s3

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

var ErrInvalidTTL = errors.New("invalid ttl")

type Service struct {
	Client *minio.Client
	Bucket string
	MaxTTL time.Duration
}

// ObjectKey places an attachment under its ticket with a unique prefix so
// two uploads of the same file name never collide.
func ObjectKey(ticketID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return path.Join("tickets", ticketID, uuid.NewString()+"-"+name)
}

func (s Service) checkTTL(ttl time.Duration) error {
	if ttl <= 0 || ttl > s.MaxTTL {
		return ErrInvalidTTL
	}
	return nil
}

// PresignPut lets a browser upload straight to the bucket. The content type
// is part of the signature, so the upload must send the same header.
func (s Service) PresignPut(ctx context.Context, objectKey, contentType string, ttl time.Duration) (string, error) {
	if err := s.checkTTL(ttl); err != nil {
		return "", err
	}
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	u, err := s.Client.PresignHeader(ctx, http.MethodPut, s.Bucket, objectKey, ttl, nil, h)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// PresignGet returns a download URL that forces an attachment disposition.
func (s Service) PresignGet(ctx context.Context, objectKey, filename string, ttl time.Duration) (string, error) {
	if err := s.checkTTL(ttl); err != nil {
		return "", err
	}
	vals := url.Values{}
	if filename != "" {
		vals.Set("response-content-disposition", `attachment; filename="`+strings.ReplaceAll(filename, `"`, "")+`"`)
	}
	u, err := s.Client.PresignedGetObject(ctx, s.Bucket, objectKey, ttl, vals)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
