package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"identity-reconciliation/internal/models"
)

// InMemory is a map-backed Repository. WithinTx takes a store-wide lock and
// restores the previous state when the unit of work fails.
type InMemory struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	nextID   int64
	contacts map[int64]models.Contact
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{contacts: make(map[int64]models.Contact)}
}

// WithinTx runs fn alone against the store and restores the previous
// contents if fn returns an error.
func (s *InMemory) WithinTx(ctx context.Context, _ []string, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := maps.Clone(s.contacts)
	nextID := s.nextID
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.contacts = snapshot
		s.nextID = nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *InMemory) FindByEmail(_ context.Context, email string) ([]models.Contact, error) {
	return s.filter(func(c models.Contact) bool {
		return c.Email != nil && *c.Email == email
	}), nil
}

func (s *InMemory) FindByPhone(_ context.Context, phone string) ([]models.Contact, error) {
	return s.filter(func(c models.Contact) bool {
		return c.PhoneNumber != nil && *c.PhoneNumber == phone
	}), nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return models.Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemory) FindByEmailAndPhone(_ context.Context, email, phone string) (models.Contact, error) {
	matches := s.filter(func(c models.Contact) bool {
		return models.Deref(c.Email) == email && models.Deref(c.PhoneNumber) == phone
	})
	if len(matches) == 0 {
		return models.Contact{}, ErrNotFound
	}
	return matches[0], nil
}

func (s *InMemory) FindSecondaries(_ context.Context, primaryID int64) ([]models.Contact, error) {
	return s.filter(func(c models.Contact) bool {
		return c.LinkedID != nil && *c.LinkedID == primaryID
	}), nil
}

func (s *InMemory) List(_ context.Context) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.contacts))
	slices.SortFunc(out, func(a, b models.Contact) int {
		return int(a.ID - b.ID)
	})
	return out, nil
}

func (s *InMemory) Create(_ context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	s.contacts[c.ID] = *c
	return nil
}

func (s *InMemory) Update(_ context.Context, id int64, u models.LinkUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return ErrNotFound
	}
	c.LinkPrecedence = u.LinkPrecedence
	c.LinkedID = copyID(u.LinkedID)
	updatedAt := u.UpdatedAt
	c.UpdatedAt = &updatedAt
	s.contacts[id] = c
	return nil
}

func (s *InMemory) Relink(_ context.Context, fromID, toID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.contacts {
		if c.LinkedID == nil || *c.LinkedID != fromID {
			continue
		}
		c.LinkedID = copyID(&toID)
		updatedAt := at
		c.UpdatedAt = &updatedAt
		s.contacts[id] = c
	}
	return nil
}

// filter returns matching contacts oldest first.
func (s *InMemory) filter(match func(models.Contact) bool) []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if match(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.Contact) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	return out
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
