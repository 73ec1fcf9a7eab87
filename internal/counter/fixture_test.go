package counter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/money"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/subscription"
)

// memRepo is an in-memory Repository for the tracker and engine tests.
type memRepo struct {
	mu           sync.Mutex
	nextPermID   int64
	permanencies []Permanency
	closed       map[int64]time.Time
	nextSellID   int64
	sellings     map[int64]Selling
	nextRefID    int64
	refillings   map[int64]Refilling
}

func newMemRepo() *memRepo {
	return &memRepo{
		nextPermID: 1,
		closed:     map[int64]time.Time{},
		nextSellID: 1,
		sellings:   map[int64]Selling{},
		nextRefID:  1,
		refillings: map[int64]Refilling{},
	}
}

func (m *memRepo) OpenPermanency(_ context.Context, counterID, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permanencies {
		if p.CounterID == counterID && p.UserID == userID {
			if _, done := m.closed[p.ID]; !done {
				return nil
			}
		}
	}
	m.permanencies = append(m.permanencies, Permanency{ID: m.nextPermID, CounterID: counterID, UserID: userID, StartAt: at})
	m.nextPermID++
	return nil
}

func (m *memRepo) ClosePermanency(_ context.Context, counterID, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permanencies {
		if p.CounterID == counterID && p.UserID == userID {
			if _, done := m.closed[p.ID]; !done {
				m.closed[p.ID] = at
				return nil
			}
		}
	}
	return ErrNotActiveBarman
}

func (m *memRepo) ClosePermanencyAt(_ context.Context, permanencyID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.closed[permanencyID]; !done {
		m.closed[permanencyID] = at
	}
	return nil
}

func (m *memRepo) OpenPermanencies(context.Context) ([]Permanency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permanency
	for _, p := range m.permanencies {
		if _, done := m.closed[p.ID]; !done {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memRepo) ActiveBarmenIDs(_ context.Context, counterID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, p := range m.permanencies {
		if p.CounterID != counterID {
			continue
		}
		if _, done := m.closed[p.ID]; !done {
			ids = append(ids, p.UserID)
		}
	}
	return ids, nil
}

func (m *memRepo) closedAt(permanencyID int64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.closed[permanencyID]
	return at, ok
}

func (m *memRepo) InsertSelling(_ context.Context, _ pgx.Tx, s *Selling) (*Selling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.ID = m.nextSellID
	m.nextSellID++
	m.sellings[cp.ID] = cp
	return &cp, nil
}

func (m *memRepo) GetSelling(_ context.Context, id int64) (*Selling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sellings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *memRepo) DeleteSelling(_ context.Context, _ pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sellings[id]; !ok {
		return ErrNotFound
	}
	delete(m.sellings, id)
	return nil
}

func (m *memRepo) ListSellings(_ context.Context, customerID int64, _ int) ([]Selling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Selling
	for _, s := range m.sellings {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memRepo) sellingsFor(customerID int64) []Selling {
	out, _ := m.ListSellings(context.Background(), customerID, 0)
	return out
}

func (m *memRepo) InsertRefilling(_ context.Context, _ pgx.Tx, rf *Refilling) (*Refilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rf
	cp.ID = m.nextRefID
	cp.IsValidated = true
	m.nextRefID++
	m.refillings[cp.ID] = cp
	return &cp, nil
}

func (m *memRepo) GetRefilling(_ context.Context, id int64) (*Refilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refillings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rf, nil
}

func (m *memRepo) DeleteRefilling(_ context.Context, _ pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refillings[id]; !ok {
		return ErrNotFound
	}
	delete(m.refillings, id)
	return nil
}

type memRepoState struct {
	nextSellID int64
	sellings   map[int64]Selling
	nextRefID  int64
	refillings map[int64]Refilling
}

func (m *memRepo) snapshot() memRepoState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memRepoState{
		nextSellID: m.nextSellID,
		sellings:   map[int64]Selling{},
		nextRefID:  m.nextRefID,
		refillings: map[int64]Refilling{},
	}
	for id, v := range m.sellings {
		s.sellings[id] = v
	}
	for id, v := range m.refillings {
		s.refillings[id] = v
	}
	return s
}

func (m *memRepo) restore(s memRepoState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSellID = s.nextSellID
	m.sellings = s.sellings
	m.nextRefID = s.nextRefID
	m.refillings = s.refillings
}

func (m *memRepo) ListRefillings(_ context.Context, customerID int64, _ int) ([]Refilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Refilling
	for _, rf := range m.refillings {
		if rf.CustomerID == customerID {
			out = append(out, rf)
		}
	}
	return out, nil
}

// memCatalog is an in-memory catalog.Repository.
type memCatalog struct {
	products map[int64]catalog.Product
	counters map[int64]catalog.Counter
	onAll    bool
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		products: map[int64]catalog.Product{},
		counters: map[int64]catalog.Counter{},
		onAll:    true,
	}
}

func (m *memCatalog) GetProduct(_ context.Context, id int64) (*catalog.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (m *memCatalog) GetProductByCode(_ context.Context, code string) (*catalog.Product, error) {
	for _, p := range m.products {
		if !p.Archived && strings.EqualFold(p.Code, code) {
			cp := p
			return &cp, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (m *memCatalog) CounterProducts(_ context.Context, counterID int64) ([]catalog.Product, error) {
	c, ok := m.counters[counterID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	var out []catalog.Product
	for _, id := range c.ProductIDs {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memCatalog) ProductOnCounter(_ context.Context, counterID, productID int64) (bool, error) {
	if m.onAll {
		return true, nil
	}
	c, ok := m.counters[counterID]
	if !ok {
		return false, nil
	}
	for _, id := range c.ProductIDs {
		if id == productID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memCatalog) GetCounter(_ context.Context, id int64) (*catalog.Counter, error) {
	c, ok := m.counters[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &c, nil
}

func (m *memCatalog) CreateProduct(context.Context, catalog.CreateProductRequest, money.Money, money.Money, money.Money) (*catalog.Product, error) {
	panic("not used")
}

func (m *memCatalog) UpdateProduct(context.Context, int64, catalog.UpdateProductRequest) (*catalog.Product, error) {
	panic("not used")
}

func (m *memCatalog) ListProductTypes(context.Context) ([]catalog.ProductType, error) {
	return nil, nil
}

func (m *memCatalog) CreateProductType(context.Context, catalog.CreateProductTypeRequest) (*catalog.ProductType, error) {
	panic("not used")
}

func (m *memCatalog) CreateCounter(context.Context, catalog.CreateCounterRequest) (*catalog.Counter, error) {
	panic("not used")
}

func (m *memCatalog) UpdateCounter(context.Context, int64, catalog.UpdateCounterRequest) (*catalog.Counter, error) {
	panic("not used")
}

// memCustomers is an in-memory customer.Repository.
type memCustomers struct {
	mu       sync.Mutex
	accounts map[int64]*customer.Customer
}

func newMemCustomers() *memCustomers {
	return &memCustomers{accounts: map[int64]*customer.Customer{}}
}

func (m *memCustomers) add(userID int64, amount string) {
	m.accounts[userID] = &customer.Customer{
		UserID:    userID,
		AccountID: fmt.Sprintf("%da", userID),
		Amount:    money.MustParse(amount),
	}
}

func (m *memCustomers) balance(userID int64) money.Money {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID].Amount
}

func (m *memCustomers) recorded(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID].RecordedProducts
}

func (m *memCustomers) snapshot() map[int64]customer.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]customer.Customer{}
	for id, c := range m.accounts {
		out[id] = *c
	}
	return out
}

func (m *memCustomers) restore(s map[int64]customer.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = map[int64]*customer.Customer{}
	for id, c := range s {
		cp := c
		m.accounts[id] = &cp
	}
}

func (m *memCustomers) GetByUserID(_ context.Context, userID int64) (*customer.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accounts[userID]
	if !ok {
		return nil, customer.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCustomers) GetByAccountID(_ context.Context, accountID string) (*customer.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.accounts {
		if strings.EqualFold(c.AccountID, accountID) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, customer.ErrNotFound
}

func (m *memCustomers) Create(_ context.Context, userID int64) (*customer.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &customer.Customer{UserID: userID, AccountID: fmt.Sprintf("%da", userID)}
	m.accounts[userID] = c
	cp := *c
	return &cp, nil
}

func (m *memCustomers) LockAmount(_ context.Context, _ pgx.Tx, userID int64) (money.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accounts[userID]
	if !ok {
		return money.Money{}, customer.ErrNotFound
	}
	return c.Amount, nil
}

func (m *memCustomers) SetAmount(_ context.Context, _ pgx.Tx, userID int64, amount money.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accounts[userID]
	if !ok {
		return customer.ErrNotFound
	}
	if amount.IsNegative() {
		return customer.ErrNegativeAmount
	}
	c.Amount = amount
	return nil
}

func (m *memCustomers) AdjustRecordedProducts(_ context.Context, _ pgx.Tx, userID int64, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.accounts[userID]
	if !ok {
		return 0, customer.ErrNotFound
	}
	c.RecordedProducts += delta
	return c.RecordedProducts, nil
}

// snapshotRunner feeds the transactional closure a nil tx (the in-memory
// repositories ignore it) and restores the previous state when the closure
// fails, mirroring a rollback.
type snapshotRunner struct {
	repo      *memRepo
	customers *memCustomers
}

func (r snapshotRunner) RunTx(_ context.Context, fn func(pgx.Tx) error) error {
	repoSnap := r.repo.snapshot()
	custSnap := r.customers.snapshot()
	if err := fn(nil); err != nil {
		r.repo.restore(repoSnap)
		r.customers.restore(custSnap)
		return err
	}
	return nil
}

// stubAuth authenticates a fixed set of credentials.
type stubAuth struct {
	users  map[string]*auth.User
	boards map[int64][]int64
}

func (s *stubAuth) Authenticate(_ context.Context, username, password string) (*auth.User, error) {
	u, ok := s.users[username]
	if !ok || password != "secret" {
		return nil, fmt.Errorf("bad credentials")
	}
	return u, nil
}

func (s *stubAuth) IsBoardMemberOf(_ context.Context, userID, clubID int64) (bool, error) {
	for _, id := range s.boards[userID] {
		if id == clubID {
			return true, nil
		}
	}
	return false, nil
}

// stubNotifier records emitted notifications.
type stubNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (s *stubNotifier) Notify(_ context.Context, userID int64, kind notification.Kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, notification.Notification{UserID: userID, Kind: kind, Message: message})
	return nil
}

func (s *stubNotifier) byKind(kind notification.Kind) []notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.Notification
	for _, n := range s.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// stubActivator marks configured products as subscription products and
// records activations.
type stubActivator struct {
	productTypes map[int64]string
	activated    []subscription.ActivateInput
	fail         error
}

func (s *stubActivator) IsSubscriptionProduct(productID int64) (string, bool) {
	name, ok := s.productTypes[productID]
	return name, ok
}

func (s *stubActivator) Activate(_ context.Context, _ pgx.Tx, in subscription.ActivateInput) (*subscription.Subscription, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.activated = append(s.activated, in)
	return &subscription.Subscription{MemberID: in.MemberID}, nil
}

// fixture wires a complete counter stack over miniredis and the in-memory
// repositories, with a controllable clock.
type fixture struct {
	repo      *memRepo
	catalog   *memCatalog
	customers *memCustomers
	notifier  *stubNotifier
	activator *stubActivator
	authn     *stubAuth
	redis     *miniredis.Miniredis
	tracker   *Tracker
	store     *SessionStore
	session   *Session
	engine    *SellingEngine
	refills   *RefillService
	clock     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
	f.redis.FastForward(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		repo:      newMemRepo(),
		catalog:   newMemCatalog(),
		customers: newMemCustomers(),
		notifier:  &stubNotifier{},
		activator: &stubActivator{productTypes: map[int64]string{}},
		redis:     mr,
		clock:     time.Date(2025, time.September, 10, 18, 0, 0, 0, time.UTC),
	}

	catalogSvc := catalog.NewService(f.catalog)
	customerSvc := customer.NewService(f.customers)

	f.authn = &stubAuth{users: map[string]*auth.User{
		"skia": {ID: 10, Username: "skia", IsActive: true},
	}}

	f.tracker = NewTracker(f.repo, client, f.authn, catalogSvc, DefaultInactivityTimeout, logger)
	f.tracker.now = func() time.Time { return f.clock }

	runner := snapshotRunner{repo: f.repo, customers: f.customers}
	f.engine = NewSellingEngine(runner, f.repo, customerSvc, catalogSvc, f.activator, f.notifier, nil, EngineConfig{
		EcocupConsProductID: 91,
		EcocupDecoProductID: 92,
	}, logger)
	f.refills = NewRefillService(runner, f.repo, customerSvc, f.notifier, nil, logger)

	f.store = NewSessionStore(client, DefaultInactivityTimeout)
	f.session = NewSession(f.store, catalogSvc, f.tracker, f.engine, logger)
	f.session.now = func() time.Time { return f.clock }

	// Counter 1 is the bar; user 10 tends it.
	f.catalog.counters[1] = catalog.Counter{ID: 1, Name: "Foyer", Type: catalog.CounterBar, ClubID: 3, SellerIDs: []int64{10}, ProductIDs: []int64{21, 22, 23, 30, 91, 92}}
	f.catalog.products[21] = catalog.Product{
		ID: 21, Name: "Barbar", Code: "BARB", ClubID: 3,
		SellingPrice: money.MustParse("1.70"), SpecialPrice: money.MustParse("1.50"),
		BuyingGroupIDs: []int64{1},
	}
	f.catalog.products[22] = catalog.Product{
		ID: 22, Name: "Soda", Code: "SODA", ClubID: 3,
		SellingPrice: money.MustParse("0.80"), SpecialPrice: money.MustParse("0.80"),
		BuyingGroupIDs: []int64{1},
	}
	f.catalog.products[23] = catalog.Product{
		ID: 23, Name: "Meuh", Code: "MEUH", ClubID: 3, Tray: true,
		SellingPrice: money.MustParse("0.50"), SpecialPrice: money.MustParse("0.50"),
		BuyingGroupIDs: []int64{1},
	}
	f.catalog.products[30] = catalog.Product{
		ID: 30, Name: "Cotisation 1 semestre", Code: "1SCOTIZ", ClubID: 3,
		SellingPrice: money.MustParse("20.00"), SpecialPrice: money.MustParse("20.00"),
		BuyingGroupIDs: []int64{1}, IsSubscription: true,
	}
	f.activator.productTypes[30] = "un-semestre"
	f.catalog.products[91] = catalog.Product{
		ID: 91, Name: "Ecocup deposit", Code: "ECOC", ClubID: 3,
		SellingPrice: money.MustParse("1.00"), SpecialPrice: money.MustParse("1.00"),
		BuyingGroupIDs: []int64{1},
	}
	f.catalog.products[92] = catalog.Product{
		ID: 92, Name: "Ecocup refund", Code: "ECOD", ClubID: 3,
		SellingPrice: money.MustParse("-1.00"), SpecialPrice: money.MustParse("-1.00"),
		BuyingGroupIDs: []int64{1},
	}

	return f
}

func (f *fixture) customerUser(id int64) *auth.User {
	return &auth.User{ID: id, Username: fmt.Sprintf("user%d", id), IsActive: true, GroupIDs: []int64{1}}
}

func (f *fixture) barCounter(t *testing.T) *catalog.Counter {
	t.Helper()
	c := f.catalog.counters[1]
	return &c
}
