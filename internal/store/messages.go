package store

import (
	"context"
	"time"
)

// Message types stored on a ticket's chat thread.
const (
	TypeText      = "text"
	TypeImage     = "image"
	TypeFile      = "file"
	TypeSystem    = "system"
	TypeCallStart = "call_start"
	TypeCallEnd   = "call_end"
)

// NewMessage is a chat message before it has been stored.
type NewMessage struct {
	TicketID string
	SenderID string
	Content  string
	Type     string
	FileURL  string
}

// Sender is the author summary embedded in broadcast messages.
type Sender struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Message is a stored chat message enriched with its sender.
type Message struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	FileURL   *string   `json:"fileUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    Sender    `json:"sender"`
}

type Messages struct {
	DB DB
}

func NewMessages(db DB) *Messages { return &Messages{DB: db} }

// CreateMessage inserts m and returns the new message id.
func (s *Messages) CreateMessage(ctx context.Context, m NewMessage) (string, error) {
	if m.Type == "" {
		m.Type = TypeText
	}
	var id string
	err := s.DB.QueryRow(ctx,
		`insert into messages (ticket_id, sender_id, content, type, file_url)
		 values ($1::uuid, $2::uuid, $3, $4, nullif($5,''))
		 returning id::text`,
		m.TicketID, m.SenderID, m.Content, m.Type, m.FileURL,
	).Scan(&id)
	return id, err
}

const messageSelect = `select m.id::text, m.ticket_id::text, m.content, m.type, m.file_url, m.created_at,
	u.id::text, coalesce(u.name,''), coalesce(u.email,''), u.role
	from messages m join users u on u.id = m.sender_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.TicketID, &m.Content, &m.Type, &m.FileURL, &m.CreatedAt,
		&m.Sender.ID, &m.Sender.Name, &m.Sender.Email, &m.Sender.Role)
	return m, err
}

func (s *Messages) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.DB.QueryRow(ctx, messageSelect+` where m.id::text = $1`, id))
	if err != nil {
		return Message{}, notFound(err)
	}
	return m, nil
}

// ListMessages returns up to limit messages on a ticket created before the
// given time, oldest first. A zero before means "now".
func (s *Messages) ListMessages(ctx context.Context, ticketID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now()
	}
	rows, err := s.DB.Query(ctx,
		messageSelect+` where m.ticket_id::text = $1 and m.created_at < $2
		 order by m.created_at desc limit $3`,
		ticketID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
