package store

import (
	"context"

	"github.com/mark3748/helpdesk-realtime/internal/calls"
)

type Calls struct {
	DB DB
}

func NewCalls(db DB) *Calls { return &Calls{DB: db} }

func (s *Calls) CreateCall(ctx context.Context, c calls.Session) error {
	_, err := s.DB.Exec(ctx,
		`insert into call_sessions (id, ticket_id, caller_id, callee_id, status, started_at)
		 values ($1::uuid, nullif($2,'')::uuid, $3::uuid, $4::uuid, $5, $6)`,
		c.ID, c.TicketID, c.CallerID, c.CalleeID, string(c.State), c.StartedAt)
	return err
}

func (s *Calls) UpdateCall(ctx context.Context, c calls.Session) error {
	tag, err := s.DB.Exec(ctx,
		`update call_sessions set status=$2, answered_at=$3, ended_at=$4 where id=$1::uuid`,
		c.ID, string(c.State), c.AnsweredAt, c.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCalls returns the call history of a ticket, newest first.
func (s *Calls) ListCalls(ctx context.Context, ticketID string) ([]calls.Session, error) {
	rows, err := s.DB.Query(ctx,
		`select id::text, coalesce(ticket_id::text,''), caller_id::text, callee_id::text, status,
		        started_at, answered_at, ended_at
		 from call_sessions where ticket_id::text = $1 order by started_at desc`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []calls.Session{}
	for rows.Next() {
		var (
			c     calls.Session
			state string
		)
		if err := rows.Scan(&c.ID, &c.TicketID, &c.CallerID, &c.CalleeID, &state,
			&c.StartedAt, &c.AnsweredAt, &c.EndedAt); err != nil {
			return nil, err
		}
		c.State = calls.State(state)
		out = append(out, c)
	}
	return out, rows.Err()
}
