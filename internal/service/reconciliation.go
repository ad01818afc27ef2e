package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"identity-reconciliation/internal/logger"
	"identity-reconciliation/internal/metrics"
	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/store"
)

// Locker serializes identify calls across processes. Keys are the same
// attribute keys handed to the repository transaction.
type Locker interface {
	Lock(ctx context.Context, keys []string) (release func(context.Context) error, err error)
}

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	repo    store.Repository
	locker  Locker
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// Option configures optional collaborators of the service.
type Option func(*ReconciliationService)

// WithLocker adds a distributed lock around each identify call.
func WithLocker(l Locker) Option {
	return func(s *ReconciliationService) { s.locker = l }
}

// WithMetrics records identify outcomes, created contacts and merges on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReconciliationService) { s.metrics = m }
}

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *ReconciliationService) { s.now = now }
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(repo store.Repository, log *logger.Logger, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		repo: repo,
		log:  log.With("service", "ReconciliationService"),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identify resolves a partial identity into its contact group, merging groups
// and recording new attribute combinations as needed.
func (s *ReconciliationService) Identify(ctx context.Context, email, phoneNumber *string) (*models.ConsolidatedIdentity, error) {
	started := time.Now()
	email, phoneNumber = normalize(email), normalize(phoneNumber)
	if email == nil && phoneNumber == nil {
		s.metrics.ObserveIdentify(metrics.OutcomeInvalid, time.Since(started))
		return nil, ErrInvalidInput
	}

	res, outcome, err := s.identify(ctx, email, phoneNumber)
	if err != nil {
		s.metrics.ObserveIdentify(metrics.OutcomeError, time.Since(started))
		s.log.Error("identify failed", "email", email, "phoneNumber", phoneNumber, "error", err)
		return nil, err
	}
	s.metrics.ObserveIdentify(outcome, time.Since(started))
	return res, nil
}

func (s *ReconciliationService) identify(ctx context.Context, email, phoneNumber *string) (*models.ConsolidatedIdentity, string, error) {
	keys := attributeKeys(email, phoneNumber)

	if s.locker != nil {
		release, err := s.locker.Lock(ctx, keys)
		if err != nil {
			return nil, "", storeErr("acquire attribute lock", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release attribute lock", "keys", len(keys), "error", err)
			}
		}()
	}

	var (
		res     *models.ConsolidatedIdentity
		outcome string
	)
	err := s.repo.WithinTx(ctx, keys, func(st store.Store) error {
		var err error
		res, outcome, err = s.reconcile(ctx, st, email, phoneNumber)
		return err
	})
	if err != nil {
		return nil, "", storeErr("identify transaction", err)
	}
	return res, outcome, nil
}

// reconcile is the read-decide-write sequence; it runs inside one transaction.
func (s *ReconciliationService) reconcile(ctx context.Context, st store.Store, email, phoneNumber *string) (*models.ConsolidatedIdentity, string, error) {
	var byEmail, byPhone []models.Contact
	var err error
	if email != nil {
		if byEmail, err = st.FindByEmail(ctx, *email); err != nil {
			return nil, "", storeErr("find contacts by email", err)
		}
	}
	if phoneNumber != nil {
		if byPhone, err = st.FindByPhone(ctx, *phoneNumber); err != nil {
			return nil, "", storeErr("find contacts by phone", err)
		}
	}

	primary, merged, err := s.resolvePrimary(ctx, st, byEmail, byPhone)
	if err != nil {
		return nil, "", err
	}

	if primary == nil {
		created, err := s.createContact(ctx, st, email, phoneNumber, nil)
		if err != nil {
			return nil, "", err
		}
		return consolidate(created, nil), metrics.OutcomeCreatedPrimary, nil
	}

	outcome := metrics.OutcomeMatched
	if merged {
		outcome = metrics.OutcomeMerged
	}

	if s.introducesPair(primary, email, phoneNumber) {
		_, err := st.FindByEmailAndPhone(ctx, *email, *phoneNumber)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err := s.createContact(ctx, st, email, phoneNumber, &primary.ID); err != nil {
				return nil, "", err
			}
			if !merged {
				outcome = metrics.OutcomeCreatedSecondary
			}
		case err != nil:
			return nil, "", storeErr("find contact by email and phone", err)
		}
	}

	secondaries, err := st.FindSecondaries(ctx, primary.ID)
	if err != nil {
		return nil, "", storeErr("find secondary contacts", err)
	}
	return consolidate(*primary, secondaries), outcome, nil
}

// resolvePrimary finds the primary of the group the request belongs to. Every
// distinct group reachable from the candidates is folded into the oldest one.
// A nil contact means nothing matched.
func (s *ReconciliationService) resolvePrimary(ctx context.Context, st store.Store, byEmail, byPhone []models.Contact) (*models.Contact, bool, error) {
	var roots []models.Contact
	seen := make(map[int64]bool)
	for _, list := range [][]models.Contact{byEmail, byPhone} {
		for _, c := range list {
			if !c.IsPrimary() && c.LinkedID != nil && seen[*c.LinkedID] {
				continue
			}
			root, err := s.rootOf(ctx, st, c)
			if err != nil {
				return nil, false, err
			}
			if seen[root.ID] {
				continue
			}
			seen[root.ID] = true
			roots = append(roots, root)
		}
	}
	if len(roots) == 0 {
		return nil, false, nil
	}

	target := roots[0]
	for _, r := range roots[1:] {
		if r.OlderThan(target) {
			target = r
		}
	}
	for _, r := range roots {
		if r.ID == target.ID {
			continue
		}
		if err := s.demote(ctx, st, r, target); err != nil {
			return nil, false, err
		}
	}
	return &target, len(roots) > 1, nil
}

// rootOf returns the primary of c's group. Links are a single hop; anything
// else is corruption and fails the call.
func (s *ReconciliationService) rootOf(ctx context.Context, st store.Store, c models.Contact) (models.Contact, error) {
	if c.IsPrimary() {
		return c, nil
	}
	if c.LinkedID == nil {
		return models.Contact{}, fmt.Errorf("%w: contact %d has no linkedId", ErrBrokenLink, c.ID)
	}
	parent, err := st.FindByID(ctx, *c.LinkedID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Contact{}, fmt.Errorf("%w: contact %d links to missing contact %d", ErrBrokenLink, c.ID, *c.LinkedID)
	}
	if err != nil {
		return models.Contact{}, storeErr("find linked contact", err)
	}
	if !parent.IsPrimary() {
		return models.Contact{}, fmt.Errorf("%w: contact %d links to secondary %d", ErrBrokenLink, c.ID, parent.ID)
	}
	return parent, nil
}

// demote turns contact into a secondary of primary and moves its former
// secondaries along so no link ever points at a secondary.
func (s *ReconciliationService) demote(ctx context.Context, st store.Store, contact, primary models.Contact) error {
	now := s.now()
	primaryID := primary.ID
	err := st.Update(ctx, contact.ID, models.LinkUpdate{
		LinkPrecedence: models.LinkSecondary,
		LinkedID:       &primaryID,
		UpdatedAt:      now,
	})
	if err != nil {
		return storeErr("demote contact", err)
	}
	if err := st.Relink(ctx, contact.ID, primaryID, now); err != nil {
		return storeErr("relink secondaries", err)
	}
	s.metrics.IncMerges()
	s.log.Info("merged contact groups", "primaryId", primaryID, "demotedId", contact.ID)
	return nil
}

// introducesPair reports whether the request names both attributes and the
// pair differs from what the primary itself holds.
func (s *ReconciliationService) introducesPair(primary *models.Contact, email, phoneNumber *string) bool {
	if email == nil || phoneNumber == nil {
		return false
	}
	return models.Deref(primary.Email) != *email || models.Deref(primary.PhoneNumber) != *phoneNumber
}

// createContact creates a primary contact, or a secondary one when linkedID is set.
func (s *ReconciliationService) createContact(ctx context.Context, st store.Store, email, phoneNumber *string, linkedID *int64) (models.Contact, error) {
	c := models.Contact{
		Email:          email,
		PhoneNumber:    phoneNumber,
		LinkPrecedence: models.LinkPrimary,
		CreatedAt:      s.now(),
	}
	if linkedID != nil {
		id := *linkedID
		c.LinkPrecedence = models.LinkSecondary
		c.LinkedID = &id
	}
	if err := st.Create(ctx, &c); err != nil {
		return models.Contact{}, storeErr("create contact", err)
	}
	s.metrics.IncContactsCreated(c.LinkPrecedence)
	s.log.Info("contact created", "id", c.ID, "linkPrecedence", c.LinkPrecedence, "linkedId", linkedID)
	return c, nil
}

// ListContacts returns every stored contact ordered by id.
func (s *ReconciliationService) ListContacts(ctx context.Context) ([]models.Contact, error) {
	contacts, err := s.repo.List(ctx)
	if err != nil {
		return nil, storeErr("list contacts", err)
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	return contacts, nil
}

// GetContact returns one contact, or ErrContactNotFound.
func (s *ReconciliationService) GetContact(ctx context.Context, id int64) (models.Contact, error) {
	c, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Contact{}, ErrContactNotFound
	}
	if err != nil {
		return models.Contact{}, storeErr("find contact", err)
	}
	return c, nil
}

// consolidate builds the response view of a group. Values keep first-seen
// order, primary first.
func consolidate(primary models.Contact, secondaries []models.Contact) *models.ConsolidatedIdentity {
	out := &models.ConsolidatedIdentity{
		PrimaryContactID:    primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: make([]int64, 0, len(secondaries)),
	}
	seenEmail := make(map[string]bool)
	seenPhone := make(map[string]bool)

	linked := append([]models.Contact{primary}, secondaries...)
	for _, c := range linked {
		if e := models.Deref(c.Email); e != "" && !seenEmail[e] {
			seenEmail[e] = true
			out.Emails = append(out.Emails, e)
		}
		if p := models.Deref(c.PhoneNumber); p != "" && !seenPhone[p] {
			seenPhone[p] = true
			out.PhoneNumbers = append(out.PhoneNumbers, p)
		}
	}
	for _, c := range secondaries {
		out.SecondaryContactIDs = append(out.SecondaryContactIDs, c.ID)
	}
	return out
}

func normalize(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

// attributeKeys names the lock keys for a request.
func attributeKeys(email, phoneNumber *string) []string {
	var keys []string
	if email != nil {
		keys = append(keys, "email:"+*email)
	}
	if phoneNumber != nil {
		keys = append(keys, "phone:"+*phoneNumber)
	}
	return keys
}
