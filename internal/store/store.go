package store

import (
	"context"
	"errors"
	"time"

	"identity-reconciliation/internal/models"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract the reconciliation core consumes.
// List lookups are ordered by created_at ascending, then id.
type Store interface {
	FindByEmail(ctx context.Context, email string) ([]models.Contact, error)
	FindByPhone(ctx context.Context, phone string) ([]models.Contact, error)
	FindByID(ctx context.Context, id int64) (models.Contact, error)
	FindByEmailAndPhone(ctx context.Context, email, phone string) (models.Contact, error)
	FindSecondaries(ctx context.Context, primaryID int64) ([]models.Contact, error)
	List(ctx context.Context) ([]models.Contact, error)

	// Create assigns c.ID and persists c.
	Create(ctx context.Context, c *models.Contact) error
	// Update rewrites the link fields of one contact.
	Update(ctx context.Context, id int64, u models.LinkUpdate) error
	// Relink moves every secondary of fromID onto toID.
	Relink(ctx context.Context, fromID, toID int64, at time.Time) error
}

// Repository is a Store that can run a unit of work atomically. keys name the
// identity attributes the unit touches; implementations serialize units whose
// keys overlap.
type Repository interface {
	Store
	WithinTx(ctx context.Context, keys []string, fn func(Store) error) error
}
