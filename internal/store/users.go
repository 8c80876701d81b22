package store

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	RoleAdmin      = "admin"
	RoleTechnician = "technician"
	RoleCustomer   = "customer"
)

// Presence statuses a user can publish.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User is the identity record the socket layer and REST handlers work with.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

type Users struct {
	DB DB
}

func NewUsers(db DB) *Users { return &Users{DB: db} }

const userColumns = `id::text, coalesce(name,''), coalesce(email,''), role, status`

// FindUser resolves a token subject, which is either the user id or the
// identity provider's external id.
func (u *Users) FindUser(ctx context.Context, id string) (User, error) {
	var usr User
	err := u.DB.QueryRow(ctx,
		`select `+userColumns+` from users where id::text = $1 or external_id = $1 limit 1`, id,
	).Scan(&usr.ID, &usr.Name, &usr.Email, &usr.Role, &usr.Status)
	if err != nil {
		return User{}, notFound(err)
	}
	return usr, nil
}

// FindByEmail resolves the author of an inbound email.
func (u *Users) FindByEmail(ctx context.Context, email string) (User, error) {
	var usr User
	err := u.DB.QueryRow(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email,
	).Scan(&usr.ID, &usr.Name, &usr.Email, &usr.Role, &usr.Status)
	if err != nil {
		return User{}, notFound(err)
	}
	return usr, nil
}

// FindCredentials returns the user with the given email and its bcrypt hash.
func (u *Users) FindCredentials(ctx context.Context, email string) (User, string, error) {
	var (
		usr  User
		hash string
	)
	err := u.DB.QueryRow(ctx,
		`select `+userColumns+`, coalesce(password_hash,'') from users where lower(email) = lower($1)`, email,
	).Scan(&usr.ID, &usr.Name, &usr.Email, &usr.Role, &usr.Status, &hash)
	if err != nil {
		return User{}, "", notFound(err)
	}
	return usr, hash, nil
}

// SetStatus records the user's presence status and last-seen time.
func (u *Users) SetStatus(ctx context.Context, id, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	tag, err := u.DB.Exec(ctx, `update users set status=$2, last_seen_at=now() where id::text=$1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdmin creates the local admin account when it is missing.
func (u *Users) EnsureAdmin(ctx context.Context, email, password string) error {
	var id string
	err := u.DB.QueryRow(ctx, `select id::text from users where lower(email)=lower($1)`, email).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(notFound(err), ErrNotFound) {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = u.DB.Exec(ctx,
		`insert into users (email, name, role, password_hash) values ($1, 'Administrator', $2, $3)`,
		email, RoleAdmin, string(hash))
	return err
}
