package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mark3748/helpdesk-realtime/cmd/api/attachments"
	"github.com/mark3748/helpdesk-realtime/internal/events"
	"github.com/mark3748/helpdesk-realtime/internal/s3"
	"github.com/mark3748/helpdesk-realtime/internal/sanitize"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

const (
	maxBodyBytes       = 1 << 20
	maxAttachmentBytes = 10 << 20
)

var (
	errNoTicket      = errors.New("subject carries no ticket reference")
	errUnknownSender = errors.New("sender is not a known user")
	errEmpty         = errors.New("email has no content")
	errPartial       = errors.New("email partially stored")
)

var (
	ticketTag = regexp.MustCompile(`\[Ticket ([0-9a-fA-F-]{36})\]`)
	quoteLine = regexp.MustCompile(`(?m)^(>|On .+ wrote:\s*$)`)
)

type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type UserLookup interface {
	FindByEmail(ctx context.Context, email string) (store.User, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m store.NewMessage) (string, error)
	GetMessage(ctx context.Context, id string) (store.Message, error)
}

// Ingester turns replies to ticket emails into chat messages and announces
// them to connected clients through the events channel.
type Ingester struct {
	Users    UserLookup
	Messages MessageStore
	Objects  ObjectStore
	Bucket   string
	Redis    *redis.Client
}

type inboundFile struct {
	name        string
	contentType string
	data        []byte
}

// replyText drops the quoted original below a reply.
func replyText(s string) string {
	if loc := quoteLine.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}

// Ingest stores one raw RFC 5322 message on the ticket named in its subject.
func (in *Ingester) Ingest(ctx context.Context, raw []byte) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("parse email: %w", err)
	}
	subject, _ := mr.Header.Subject()
	m := ticketTag.FindStringSubmatch(subject)
	if m == nil {
		return errNoTicket
	}
	ticketID := strings.ToLower(m[1])

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return errUnknownSender
	}
	sender, err := in.Users.FindByEmail(ctx, from[0].Address)
	if errors.Is(err, store.ErrNotFound) {
		return errUnknownSender
	}
	if err != nil {
		return err
	}

	var (
		plain, html string
		files       []inboundFile
	)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("read part: %w", err)
		}
		if p == nil {
			continue
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			b, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			switch {
			case ct == "text/plain" && plain == "":
				plain = string(b)
			case ct == "text/html" && html == "":
				html = string(b)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			ct, _, _ := h.ContentType()
			b, err := io.ReadAll(io.LimitReader(p.Body, maxAttachmentBytes+1))
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			if len(b) > maxAttachmentBytes {
				log.Warn().Str("ticket_id", ticketID).Str("file", name).Msg("skipping oversized email attachment")
				continue
			}
			files = append(files, inboundFile{name: name, contentType: ct, data: b})
		}
	}

	text := replyText(plain)
	if text == "" && html != "" {
		text = replyText(sanitize.HTMLText(html))
	}
	if text == "" && (len(files) == 0 || in.Objects == nil) {
		return errEmpty
	}

	var out []store.NewMessage
	if text != "" {
		out = append(out, store.NewMessage{TicketID: ticketID, SenderID: sender.ID, Content: text, Type: store.TypeText})
	}
	// Every upload happens before the first message is stored so a storage
	// failure leaves nothing behind to be duplicated on the next poll.
	if in.Objects != nil {
		for _, f := range files {
			name := attachments.SanitizeFilename(f.name)
			if name == "" {
				name = "file"
			}
			key := s3.ObjectKey(ticketID, name)
			if _, err := in.Objects.PutObject(ctx, in.Bucket, key, bytes.NewReader(f.data), int64(len(f.data)), minio.PutObjectOptions{ContentType: f.contentType}); err != nil {
				return fmt.Errorf("store attachment %s: %w", name, err)
			}
			out = append(out, store.NewMessage{
				TicketID: ticketID,
				SenderID: sender.ID,
				Content:  name,
				Type:     attachments.MessageType(f.contentType),
				FileURL:  attachments.FileURL(ticketID, key),
			})
		}
	}
	for i, m := range out {
		if err := in.post(ctx, m); err != nil {
			if i > 0 {
				return fmt.Errorf("%w: %v", errPartial, err)
			}
			return err
		}
	}
	return nil
}

// post stores m and publishes it for the ticket room.
func (in *Ingester) post(ctx context.Context, m store.NewMessage) error {
	id, err := in.Messages.CreateMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	msg, err := in.Messages.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("load message %s: %w", id, err)
	}
	if in.Redis == nil {
		return nil
	}
	if err := events.Publish(ctx, in.Redis, events.MessageReceived, m.TicketID, msg); err != nil {
		// stored already; clients will see it on their next history load
		log.Error().Err(err).Str("message_id", id).Msg("publish inbound message")
	}
	return nil
}

// settled reports whether an ingest outcome is final, so the email can be
// marked seen. Anything else stays unseen and is retried on the next poll.
func settled(err error, seq uint32) bool {
	switch {
	case err == nil:
		log.Info().Uint32("seq", seq).Msg("email reply ingested")
	case errors.Is(err, errNoTicket), errors.Is(err, errUnknownSender), errors.Is(err, errEmpty):
		log.Warn().Err(err).Uint32("seq", seq).Msg("ignoring inbound email")
	case errors.Is(err, errPartial):
		log.Error().Err(err).Uint32("seq", seq).Msg("email partially ingested, not retrying")
	default:
		log.Error().Err(err).Uint32("seq", seq).Msg("ingest email")
		return false
	}
	return true
}

// archive keeps the raw message next to the chat files.
func (in *Ingester) archive(ctx context.Context, raw []byte) {
	if in.Objects == nil {
		return
	}
	key := "email/" + uuid.NewString() + ".eml"
	if _, err := in.Objects.PutObject(ctx, in.Bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{ContentType: "message/rfc822"}); err != nil {
		log.Error().Err(err).Msg("archive raw email")
	}
}

// pollIMAP connects to the inbox, ingests unseen messages and marks them
// seen. Messages that cannot be matched to a ticket are marked seen too.
func pollIMAP(ctx context.Context, c Config, in *Ingester) error {
	cli, err := imapclient.DialTLS(c.IMAPHost+":993", nil)
	if err != nil {
		return err
	}
	defer cli.Logout()

	if err := cli.Login(c.IMAPUser, c.IMAPPass); err != nil {
		return err
	}
	mbox, err := cli.Select(c.IMAPFolder, false)
	if err != nil {
		return err
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqs, err := cli.Search(criteria)
	if err != nil || len(seqs) == 0 {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqs...)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cli.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	seen := new(imap.SeqSet)
	for msg := range messages {
		if msg == nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			log.Error().Err(err).Msg("read body")
			continue
		}
		if !settled(in.Ingest(ctx, raw), msg.SeqNum) {
			continue
		}
		in.archive(ctx, raw)
		seen.AddNum(msg.SeqNum)
	}
	if err := <-done; err != nil {
		return err
	}
	if seen.Empty() {
		return nil
	}
	return cli.Store(seen, imap.AddFlags, []interface{}{imap.SeenFlag}, nil)
}
