package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"identity-reconciliation/internal/database"
	"identity-reconciliation/internal/models"
)

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists contacts through database/sql. The same queries run on
// SQLite and PostgreSQL.
type SQLStore struct {
	db *database.DB
	q  querier
}

// NewSQLStore creates a store backed by db.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db, q: db.Conn}
}

// WithinTx runs fn against a store bound to a single transaction.
func (s *SQLStore) WithinTx(ctx context.Context, keys []string, fn func(Store) error) error {
	return s.db.WithTx(ctx, keys, func(tx *sql.Tx) error {
		return fn(&SQLStore{db: s.db, q: tx})
	})
}

// FindByEmail returns live contacts with the given email, oldest first.
func (s *SQLStore) FindByEmail(ctx context.Context, email string) ([]models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE email = $1 AND deleted_at IS NULL ORDER BY created_at, id`
	return s.queryContacts(ctx, query, email)
}

// FindByPhone returns live contacts with the given phone number, oldest first.
func (s *SQLStore) FindByPhone(ctx context.Context, phone string) ([]models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE phone_number = $1 AND deleted_at IS NULL ORDER BY created_at, id`
	return s.queryContacts(ctx, query, phone)
}

// FindByID fetches a contact by its id.
func (s *SQLStore) FindByID(ctx context.Context, id int64) (models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	return s.queryContact(ctx, query, id)
}

// FindByEmailAndPhone returns the oldest contact carrying exactly this pair.
func (s *SQLStore) FindByEmailAndPhone(ctx context.Context, email, phone string) (models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE email = $1 AND phone_number = $2 AND deleted_at IS NULL
			  ORDER BY created_at, id LIMIT 1`
	return s.queryContact(ctx, query, email, phone)
}

// FindSecondaries returns the contacts linked to primaryID, oldest first.
func (s *SQLStore) FindSecondaries(ctx context.Context, primaryID int64) ([]models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE linked_id = $1 AND deleted_at IS NULL ORDER BY created_at, id`
	return s.queryContacts(ctx, query, primaryID)
}

// List returns every live contact ordered by id.
func (s *SQLStore) List(ctx context.Context) ([]models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE deleted_at IS NULL ORDER BY id`
	return s.queryContacts(ctx, query)
}

// Create inserts c and sets its generated id.
func (s *SQLStore) Create(ctx context.Context, c *models.Contact) error {
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	var updatedAt *time.Time
	if c.UpdatedAt != nil {
		t := c.UpdatedAt.UTC()
		updatedAt = &t
	}
	err := s.q.QueryRowContext(ctx, query,
		c.PhoneNumber, c.Email, c.LinkedID, string(c.LinkPrecedence), c.CreatedAt.UTC(), updatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// Update rewrites the link fields of one contact.
func (s *SQLStore) Update(ctx context.Context, id int64, u models.LinkUpdate) error {
	query := `UPDATE contacts SET link_precedence = $1, linked_id = $2, updated_at = $3 WHERE id = $4`
	res, err := s.q.ExecContext(ctx, query, string(u.LinkPrecedence), u.LinkedID, u.UpdatedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("update contact %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update contact %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Relink points every secondary of fromID at toID.
func (s *SQLStore) Relink(ctx context.Context, fromID, toID int64, at time.Time) error {
	query := `UPDATE contacts SET linked_id = $1, updated_at = $2 WHERE linked_id = $3`
	if _, err := s.q.ExecContext(ctx, query, toID, at.UTC(), fromID); err != nil {
		return fmt.Errorf("relink secondaries of %d: %w", fromID, err)
	}
	return nil
}

// queryContact returns the first row of query, or ErrNotFound.
func (s *SQLStore) queryContact(ctx context.Context, query string, args ...any) (models.Contact, error) {
	contacts, err := s.queryContacts(ctx, query, args...)
	if err != nil {
		return models.Contact{}, err
	}
	if len(contacts) == 0 {
		return models.Contact{}, ErrNotFound
	}
	return contacts[0], nil
}

// queryContacts executes a query and returns contacts
func (s *SQLStore) queryContacts(ctx context.Context, query string, args ...any) ([]models.Contact, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

func scanContact(rows *sql.Rows) (models.Contact, error) {
	var (
		c                    models.Contact
		phone, email         sql.NullString
		linkedID             sql.NullInt64
		precedence           string
		updatedAt, deletedAt sql.NullTime
	)
	if err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &updatedAt, &deletedAt); err != nil {
		return models.Contact{}, fmt.Errorf("scan contact: %w", err)
	}

	c.LinkPrecedence = models.LinkPrecedence(precedence)
	if phone.Valid {
		c.PhoneNumber = &phone.String
	}
	if email.Valid {
		c.Email = &email.String
	}
	if linkedID.Valid {
		c.LinkedID = &linkedID.Int64
	}
	if updatedAt.Valid {
		c.UpdatedAt = &updatedAt.Time
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.Time
	}
	return c, nil
}
