package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"identity-reconciliation/internal/database"
	"identity-reconciliation/internal/models"
)

// StoreSuite runs the same contract against every Repository implementation.
type StoreSuite struct {
	suite.Suite
	newRepo func(t *testing.T) Repository
	repo    Repository
	ctx     context.Context
	base    time.Time
}

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newRepo: func(*testing.T) Repository {
		return NewInMemory()
	}})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newRepo: func(t *testing.T) Repository {
		db, err := database.New(context.Background(), database.DriverSQLite, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return NewSQLStore(db)
	}})
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = s.newRepo(s.T())
	s.base = time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) create(email, phone string, linkedID *int64, offset time.Duration) models.Contact {
	c := models.Contact{
		Email:          models.StringPtr(email),
		PhoneNumber:    models.StringPtr(phone),
		LinkPrecedence: models.LinkPrimary,
		CreatedAt:      s.base.Add(offset),
	}
	if linkedID != nil {
		c.LinkPrecedence = models.LinkSecondary
		c.LinkedID = linkedID
	}
	s.Require().NoError(s.repo.Create(s.ctx, &c))
	s.Require().NotZero(c.ID)
	return c
}

func ids(contacts []models.Contact) []int64 {
	out := make([]int64, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, c.ID)
	}
	return out
}

func (s *StoreSuite) TestCreateAndFindByID() {
	c := s.create("doc@hillvalley.edu", "123456", nil, 0)

	found, err := s.repo.FindByID(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(c.ID, found.ID)
	s.Equal("doc@hillvalley.edu", models.Deref(found.Email))
	s.Equal("123456", models.Deref(found.PhoneNumber))
	s.Equal(models.LinkPrimary, found.LinkPrecedence)
	s.Nil(found.LinkedID)
	s.Nil(found.UpdatedAt)
	s.True(c.CreatedAt.Equal(found.CreatedAt), "created_at round trip: %v vs %v", c.CreatedAt, found.CreatedAt)

	s.Run("missing id", func() {
		_, err := s.repo.FindByID(s.ctx, c.ID+100)
		s.Require().ErrorIs(err, ErrNotFound)
	})
}

func (s *StoreSuite) TestLookupsOrderedOldestFirst() {
	newer := s.create("mcfly@hillvalley.edu", "111", nil, 2*time.Second)
	older := s.create("mcfly@hillvalley.edu", "222", nil, time.Second)
	s.create("other@hillvalley.edu", "111", nil, 3*time.Second)

	byEmail, err := s.repo.FindByEmail(s.ctx, "mcfly@hillvalley.edu")
	s.Require().NoError(err)
	s.Equal([]int64{older.ID, newer.ID}, ids(byEmail))

	byPhone, err := s.repo.FindByPhone(s.ctx, "111")
	s.Require().NoError(err)
	s.Len(byPhone, 2)
	s.Equal(newer.ID, byPhone[0].ID)

	none, err := s.repo.FindByEmail(s.ctx, "nobody@hillvalley.edu")
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreSuite) TestFindByEmailAndPhone() {
	s.create("a@x.com", "", nil, 0)
	both := s.create("a@x.com", "555", nil, time.Second)

	found, err := s.repo.FindByEmailAndPhone(s.ctx, "a@x.com", "555")
	s.Require().NoError(err)
	s.Equal(both.ID, found.ID)

	_, err = s.repo.FindByEmailAndPhone(s.ctx, "a@x.com", "666")
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestUpdateAndRelink() {
	p1 := s.create("a@x.com", "", nil, 0)
	p2 := s.create("", "555", nil, time.Second)
	sec := s.create("b@x.com", "555", &p2.ID, 2*time.Second)

	at := s.base.Add(time.Minute)
	s.Require().NoError(s.repo.Update(s.ctx, p2.ID, models.LinkUpdate{
		LinkPrecedence: models.LinkSecondary,
		LinkedID:       &p1.ID,
		UpdatedAt:      at,
	}))
	s.Require().NoError(s.repo.Relink(s.ctx, p2.ID, p1.ID, at))

	demoted, err := s.repo.FindByID(s.ctx, p2.ID)
	s.Require().NoError(err)
	s.Equal(models.LinkSecondary, demoted.LinkPrecedence)
	s.Require().NotNil(demoted.LinkedID)
	s.Equal(p1.ID, *demoted.LinkedID)
	s.Require().NotNil(demoted.UpdatedAt)
	s.True(at.Equal(*demoted.UpdatedAt))

	secondaries, err := s.repo.FindSecondaries(s.ctx, p1.ID)
	s.Require().NoError(err)
	s.Equal([]int64{p2.ID, sec.ID}, ids(secondaries))

	left, err := s.repo.FindSecondaries(s.ctx, p2.ID)
	s.Require().NoError(err)
	s.Empty(left)

	s.Run("update missing contact", func() {
		err := s.repo.Update(s.ctx, sec.ID+100, models.LinkUpdate{LinkPrecedence: models.LinkSecondary, UpdatedAt: at})
		s.Require().ErrorIs(err, ErrNotFound)
	})
}

func (s *StoreSuite) TestListOrderedByID() {
	first := s.create("a@x.com", "", nil, 5*time.Second)
	second := s.create("b@x.com", "", nil, time.Second)

	all, err := s.repo.List(s.ctx)
	s.Require().NoError(err)
	s.Equal([]int64{first.ID, second.ID}, ids(all))
}

func (s *StoreSuite) TestWithinTx() {
	errBoom := errors.New("boom")

	s.Run("rolls back on error", func() {
		err := s.repo.WithinTx(s.ctx, []string{"email:a@x.com"}, func(st Store) error {
			c := models.Contact{Email: models.StringPtr("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: s.base}
			s.Require().NoError(st.Create(s.ctx, &c))
			return errBoom
		})
		s.Require().ErrorIs(err, errBoom)

		all, err := s.repo.List(s.ctx)
		s.Require().NoError(err)
		s.Empty(all)
	})

	s.Run("commits on success", func() {
		err := s.repo.WithinTx(s.ctx, []string{"email:a@x.com"}, func(st Store) error {
			c := models.Contact{Email: models.StringPtr("a@x.com"), LinkPrecedence: models.LinkPrimary, CreatedAt: s.base}
			return st.Create(s.ctx, &c)
		})
		s.Require().NoError(err)

		found, err := s.repo.FindByEmail(s.ctx, "a@x.com")
		s.Require().NoError(err)
		s.Len(found, 1)
	})
}
