// Package attachments stores the files shared in ticket chats. Messages only
// carry the returned fileUrl; the bytes live in the object store.
package attachments

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/internal/s3"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

const maxUploadBytes = 10 << 20

// Presigner issues direct bucket URLs; s3.Service satisfies it.
type Presigner interface {
	PresignPut(ctx context.Context, objectKey, contentType string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, objectKey, filename string, ttl time.Duration) (string, error)
}

var ticketIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// FileURL is the API path a chat message uses to reference an object.
func FileURL(ticketID, objectKey string) string {
	return "/tickets/" + ticketID + "/files/" + path.Base(objectKey)
}

// MessageType picks the chat message type for an uploaded content type.
func MessageType(contentType string) string {
	if strings.HasPrefix(contentType, "image/") {
		return store.TypeImage
	}
	return store.TypeFile
}

type uploaded struct {
	FileURL     string `json:"fileUrl"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	Type        string `json:"type"`
}

func ticketParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !ticketIDPattern.MatchString(id) {
		app.AbortError(c, http.StatusBadRequest, "invalid_ticket", "invalid ticket id", nil)
		return "", false
	}
	return id, true
}

func contentType(header, filename string) string {
	if header != "" {
		return header
	}
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Upload accepts a multipart "file" and stores it under the ticket.
func Upload(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.M == nil {
			app.AbortError(c, http.StatusNotImplemented, "storage_disabled", "file storage is not configured", nil)
			return
		}
		ticketID, ok := ticketParam(c)
		if !ok {
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
		f, header, err := c.Request.FormFile("file")
		if err != nil {
			app.AbortError(c, http.StatusBadRequest, "invalid_body", "file required (max 10 MiB)", map[string]string{"file": "required"})
			return
		}
		defer f.Close()

		name := SanitizeFilename(header.Filename)
		if name == "" {
			name = "file"
		}
		key := s3.ObjectKey(ticketID, name)
		ct := contentType(header.Header.Get("Content-Type"), name)
		info, err := a.M.PutObject(c.Request.Context(), a.Cfg.MinIOBucket, key, f, header.Size, minio.PutObjectOptions{ContentType: ct})
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("key", key).Msg("store chat file")
			app.AbortError(c, http.StatusBadGateway, "storage_failure", "could not store file", nil)
			return
		}
		c.JSON(http.StatusCreated, uploaded{
			FileURL:     FileURL(ticketID, key),
			Key:         key,
			Name:        name,
			Size:        info.Size,
			ContentType: ct,
			Type:        MessageType(ct),
		})
	}
}

type presignRequest struct {
	Filename    string `json:"filename" binding:"required,max=255"`
	ContentType string `json:"contentType" binding:"max=255"`
}

// Presign returns a URL the browser can PUT the file to directly.
func Presign(a *app.App, p Presigner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p == nil {
			app.AbortError(c, http.StatusNotImplemented, "storage_disabled", "direct uploads need object storage", nil)
			return
		}
		ticketID, ok := ticketParam(c)
		if !ok {
			return
		}
		var in presignRequest
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "invalid_body", "filename required", map[string]string{"filename": "required"})
			return
		}
		name := SanitizeFilename(in.Filename)
		if name == "" {
			name = "file"
		}
		key := s3.ObjectKey(ticketID, name)
		ct := contentType(in.ContentType, name)
		u, err := p.PresignPut(c.Request.Context(), key, ct, a.Cfg.FileURLTTL)
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("key", key).Msg("presign upload")
			app.AbortError(c, http.StatusBadGateway, "storage_failure", "could not presign upload", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":       u,
			"method":    http.MethodPut,
			"headers":   gin.H{"Content-Type": ct},
			"key":       key,
			"fileUrl":   FileURL(ticketID, key),
			"type":      MessageType(ct),
			"expiresAt": time.Now().Add(a.Cfg.FileURLTTL).UTC(),
		})
	}
}

// Download serves a chat file: straight from disk for the filesystem store,
// otherwise as a redirect to a short-lived bucket URL.
func Download(a *app.App, p Presigner) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticketID, ok := ticketParam(c)
		if !ok {
			return
		}
		name := c.Param("name")
		if name == "" || name != path.Base(name) || strings.Contains(name, "..") {
			app.AbortError(c, http.StatusNotFound, "not_found", "file not found", nil)
			return
		}
		key := path.Join("tickets", ticketID, name)
		display := displayName(name)

		if fs, ok := a.M.(*app.FsObjectStore); ok {
			file, err := fs.Path(a.Cfg.MinIOBucket, key)
			if err != nil {
				app.AbortError(c, http.StatusNotFound, "not_found", "file not found", nil)
				return
			}
			if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
				app.AbortError(c, http.StatusNotFound, "not_found", "file not found", nil)
				return
			}
			c.FileAttachment(file, display)
			return
		}
		if p == nil {
			app.AbortError(c, http.StatusNotImplemented, "storage_disabled", "file storage is not configured", nil)
			return
		}
		u, err := p.PresignGet(c.Request.Context(), key, display, a.Cfg.FileURLTTL)
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Str("key", key).Msg("presign download")
			app.AbortError(c, http.StatusBadGateway, "storage_failure", "could not presign download", nil)
			return
		}
		c.Redirect(http.StatusFound, u)
	}
}

// displayName strips the uuid prefix ObjectKey adds.
func displayName(name string) string {
	if len(name) > 37 && name[36] == '-' {
		return name[37:]
	}
	return name
}

// SanitizeFilename removes path separators and dot segments and restricts to a
// conservative character set, preserving the extension when possible.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "..", "")
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(strings.TrimSpace(b.String()), ".")
}
