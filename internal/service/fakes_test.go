package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/provisioning-service/internal/client"
	"github.com/wenwu/saas-platform/provisioning-service/internal/models"
	"github.com/wenwu/saas-platform/provisioning-service/internal/provider"
	"github.com/wenwu/saas-platform/provisioning-service/internal/repository"
	"github.com/wenwu/saas-platform/provisioning-service/internal/scheduler"
)

// In-memory fakes mirroring the pgx repositories: absence is
// repository.ErrNotFound, updates mutate stored records.

type fakeProvisionStore struct {
	mu    sync.Mutex
	provs map[string]*models.Provision
}

func newFakeProvisionStore() *fakeProvisionStore {
	return &fakeProvisionStore{provs: make(map[string]*models.Provision)}
}

func (s *fakeProvisionStore) Create(ctx context.Context, p *models.Provision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.CreatedAt = time.Now()
	s.provs[p.ID] = &cp
	return nil
}

func (s *fakeProvisionStore) GetByID(ctx context.Context, id string) (*models.Provision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakeProvisionStore) ListByUser(ctx context.Context, userID string) ([]*models.Provision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Provision
	for _, p := range s.provs {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeProvisionStore) UpdateState(ctx context.Context, id, state string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provs[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.State = state
	p.LastError = lastError
	if state == models.StateActive {
		now := time.Now()
		p.ActivatedAt = &now
	}
	return nil
}

func (s *fakeProvisionStore) SetResolvedPhone(ctx context.Context, id string, phone *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.provs[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.ResolvedPhone = phone
	return nil
}

func (s *fakeProvisionStore) state(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provs[id].State
}

func (s *fakeProvisionStore) stored(id string) models.Provision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.provs[id]
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.DerivedSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*models.DerivedSession)}
}

func (s *fakeSessionStore) Create(ctx context.Context, sess *models.DerivedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	cp.CreatedAt = time.Now()
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeSessionStore) GetNonTerminalByProvision(ctx context.Context, provisionID string) (*models.DerivedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ProvisionID == provisionID && !models.IsTerminalSessionStatus(sess.Status) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeSessionStore) GetByProvision(ctx context.Context, provisionID string) (*models.DerivedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ProvisionID == provisionID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeSessionStore) UpdateStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	sess.Status = status
	sess.IsActive = status == models.SessionStatusActive
	if models.IsTerminalSessionStatus(status) {
		now := time.Now()
		sess.ReleasedAt = &now
	}
	return nil
}

func (s *fakeSessionStore) byProvision(provisionID string) *models.DerivedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ProvisionID == provisionID {
			cp := *sess
			return &cp
		}
	}
	return nil
}

type fakeReservationStore struct {
	mu           sync.Mutex
	reservations map[string]*models.NumberReservation
}

func newFakeReservationStore() *fakeReservationStore {
	return &fakeReservationStore{reservations: make(map[string]*models.NumberReservation)}
}

func (s *fakeReservationStore) Upsert(ctx context.Context, res *models.NumberReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *res
	s.reservations[res.ID] = &cp
	return nil
}

func (s *fakeReservationStore) FindUnusedByProvision(ctx context.Context, provisionID string) (*models.NumberReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range s.reservations {
		if res.ProvisionID != nil && *res.ProvisionID == provisionID && !res.IsUsed {
			cp := *res
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeReservationStore) MarkUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if ok {
		res.IsUsed = true
		return nil
	}
	// Reservations purchased through a fake purchaser are not always
	// recorded first; tolerate and track them.
	s.reservations[id] = &models.NumberReservation{ID: id, IsUsed: true}
	return nil
}

func (s *fakeReservationStore) ListOrphaned(ctx context.Context, ttl time.Duration) ([]*models.NumberReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.NumberReservation
	cutoff := time.Now().Add(-ttl)
	for _, res := range s.reservations {
		if !res.IsUsed && res.CreatedAt.Before(cutoff) {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeReservationStore) isUsed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	return ok && res.IsUsed
}

type fakeOtpStore struct {
	mu       sync.Mutex
	attempts []*models.OtpAttempt
}

func (s *fakeOtpStore) Create(ctx context.Context, attempt *models.OtpAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

type fakeLogger struct {
	mu      sync.Mutex
	actions []string
}

func (l *fakeLogger) LogAction(ctx context.Context, provisionID, action, status, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, action)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(ctx context.Context, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type fakeContainers struct {
	mu       sync.Mutex
	acquired int
	released []string
	fail     error
}

func (c *fakeContainers) Acquire(ctx context.Context, spec client.AcquireSpec, readyTimeout time.Duration) (*client.ContainerHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.acquired++
	return &client.ContainerHandle{
		Handle:   "ctr-" + spec.ProvisionID,
		Endpoint: "http://127.0.0.1:4711",
		Status:   "running",
	}, nil
}

func (c *fakeContainers) Release(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, handle)
	return nil
}

func (c *fakeContainers) releasedHandles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.released...)
}

// fakeAutomation fails Register with boundErrs before succeeding, and records
// every number handed over by the supplier.
type fakeAutomation struct {
	mu            sync.Mutex
	boundErrs     int
	registerCalls int
	numbers       []string
	injected      []string
	registerErr   error
}

func (a *fakeAutomation) Register(ctx context.Context, endpoint string, supplier client.NumberSupplier, countryHint string, linkToWeb bool) error {
	a.mu.Lock()
	a.registerCalls++
	a.mu.Unlock()

	if a.registerErr != nil {
		return a.registerErr
	}

	number, err := supplier(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.numbers = append(a.numbers, number)
	if a.boundErrs > 0 {
		a.boundErrs--
		return client.ErrNumberBound
	}
	return nil
}

func (a *fakeAutomation) InjectCode(ctx context.Context, endpoint, code string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.injected = append(a.injected, code)
	return nil
}

// fakePurchaser hands out scripted reservations in order.
type fakePurchaser struct {
	mu           sync.Mutex
	reservations []*models.NumberReservation
	calls        int
	err          error
}

func (p *fakePurchaser) Purchase(ctx context.Context, provisionID, service string, candidates []provider.Candidate) (*models.NumberReservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.reservations) {
		return nil, errors.New("no more scripted reservations")
	}
	res := p.reservations[p.calls]
	p.calls++
	pid := provisionID
	res.ProvisionID = &pid
	return res, nil
}

type fakeAwaiter struct {
	code string
	raw  string
	err  error
}

func (a *fakeAwaiter) Await(ctx context.Context, c provider.Client, externalID string) (string, string, error) {
	return a.code, a.raw, a.err
}

// stubMarket satisfies provider.Client for registry lookups in pipeline
// tests; the fake awaiter never calls it.
type stubMarket struct{ name string }

func (m *stubMarket) Name() string                                     { return m.name }
func (m *stubMarket) GetBalance(ctx context.Context) (float64, error)  { return 10, nil }
func (m *stubMarket) HasNumbers(ctx context.Context, country, service string) (bool, error) {
	return true, nil
}
func (m *stubMarket) Buy(ctx context.Context, country, service string) (*provider.Number, error) {
	return nil, errors.New("not used")
}
func (m *stubMarket) PollOnce(ctx context.Context, externalID string) (*provider.Delivery, error) {
	return &provider.Delivery{}, nil
}

type fakeRegistry struct {
	clients map[string]provider.Client
}

func newFakeRegistry(names ...string) *fakeRegistry {
	r := &fakeRegistry{clients: make(map[string]provider.Client)}
	for _, n := range names {
		r.clients[n] = &stubMarket{name: n}
	}
	return r
}

func (r *fakeRegistry) Get(name string) (provider.Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

func (r *fakeRegistry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	return out
}

func (r *fakeRegistry) DefaultCandidates(country string) []provider.Candidate {
	var out []provider.Candidate
	for n := range r.clients {
		out = append(out, provider.Candidate{Provider: n, Country: country})
	}
	return out
}

// fakeJobs records enqueued payloads and reports inject jobs as succeeded.
type fakeJobs struct {
	mu       sync.Mutex
	enqueued []enqueuedJob
	waitErr  error
}

type enqueuedJob struct {
	queue   string
	payload any
}

func (f *fakeJobs) Enqueue(queue string, payload any) (*scheduler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueuedJob{queue: queue, payload: payload})
	return &scheduler.Job{ID: uuid.New().String(), Queue: queue}, nil
}

func (f *fakeJobs) EnqueueAndWait(ctx context.Context, queue string, payload any, timeout time.Duration) (*scheduler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueuedJob{queue: queue, payload: payload})
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &scheduler.Job{ID: uuid.New().String(), Queue: queue}, nil
}

func (f *fakeJobs) byQueue(queue string) []enqueuedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []enqueuedJob
	for _, j := range f.enqueued {
		if j.queue == queue {
			out = append(out, j)
		}
	}
	return out
}
