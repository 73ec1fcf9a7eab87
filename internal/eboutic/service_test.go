package eboutic

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ae-utbm/comptoir/internal/auth"
	"github.com/ae-utbm/comptoir/internal/catalog"
	"github.com/ae-utbm/comptoir/internal/counter"
	"github.com/ae-utbm/comptoir/internal/customer"
	"github.com/ae-utbm/comptoir/internal/money"
	"github.com/ae-utbm/comptoir/internal/notification"
	"github.com/ae-utbm/comptoir/internal/shared"
	"github.com/ae-utbm/comptoir/internal/subscription"
)

const testSecretHex = "6465616462656566646561646265656664656164626565666465616462656566"

// memInvoices is an in-memory Repository.
type memInvoices struct {
	nextID   int64
	invoices map[int64]*Invoice
	billing  map[int64]BillingInfo
}

func newMemInvoices() *memInvoices {
	return &memInvoices{nextID: 1, invoices: map[int64]*Invoice{}, billing: map[int64]BillingInfo{}}
}

func (m *memInvoices) CreateInvoice(_ context.Context, inv *Invoice) (*Invoice, error) {
	cp := *inv
	cp.ID = m.nextID
	m.nextID++
	for i := range cp.Items {
		cp.Items[i].InvoiceID = cp.ID
		cp.Items[i].ID = int64(i + 1)
	}
	m.invoices[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memInvoices) GetInvoice(_ context.Context, id int64) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *memInvoices) MarkValidated(_ context.Context, _ pgx.Tx, id int64) (bool, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return false, ErrNotFound
	}
	if inv.Validated {
		return false, nil
	}
	inv.Validated = true
	return true, nil
}

func (m *memInvoices) UpsertBillingInfo(_ context.Context, info *BillingInfo) error {
	m.billing[info.UserID] = *info
	return nil
}

func (m *memInvoices) GetBillingInfo(_ context.Context, userID int64) (*BillingInfo, error) {
	info, ok := m.billing[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &info, nil
}

// memCounterRepo records sellings and refillings; permanency calls are
// never reached from this package.
type memCounterRepo struct {
	nextID     int64
	sellings   []counter.Selling
	refillings []counter.Refilling
}

func (m *memCounterRepo) OpenPermanency(context.Context, int64, int64, time.Time) error {
	panic("not used")
}
func (m *memCounterRepo) ClosePermanency(context.Context, int64, int64, time.Time) error {
	panic("not used")
}
func (m *memCounterRepo) ClosePermanencyAt(context.Context, int64, time.Time) error {
	panic("not used")
}
func (m *memCounterRepo) OpenPermanencies(context.Context) ([]counter.Permanency, error) {
	panic("not used")
}
func (m *memCounterRepo) ActiveBarmenIDs(context.Context, int64) ([]int64, error) {
	panic("not used")
}

func (m *memCounterRepo) InsertSelling(_ context.Context, _ pgx.Tx, s *counter.Selling) (*counter.Selling, error) {
	m.nextID++
	cp := *s
	cp.ID = m.nextID
	m.sellings = append(m.sellings, cp)
	return &cp, nil
}

func (m *memCounterRepo) GetSelling(context.Context, int64) (*counter.Selling, error) {
	panic("not used")
}
func (m *memCounterRepo) DeleteSelling(context.Context, pgx.Tx, int64) error { panic("not used") }
func (m *memCounterRepo) ListSellings(context.Context, int64, int) ([]counter.Selling, error) {
	panic("not used")
}

func (m *memCounterRepo) InsertRefilling(_ context.Context, _ pgx.Tx, rf *counter.Refilling) (*counter.Refilling, error) {
	m.nextID++
	cp := *rf
	cp.ID = m.nextID
	m.refillings = append(m.refillings, cp)
	return &cp, nil
}

func (m *memCounterRepo) GetRefilling(context.Context, int64) (*counter.Refilling, error) {
	panic("not used")
}
func (m *memCounterRepo) DeleteRefilling(context.Context, pgx.Tx, int64) error { panic("not used") }
func (m *memCounterRepo) ListRefillings(context.Context, int64, int) ([]counter.Refilling, error) {
	panic("not used")
}

// memAccounts is a minimal customer.Repository.
type memAccounts struct {
	amounts  map[int64]money.Money
	recorded map[int64]int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{amounts: map[int64]money.Money{}, recorded: map[int64]int{}}
}

func (m *memAccounts) GetByUserID(_ context.Context, userID int64) (*customer.Customer, error) {
	amount, ok := m.amounts[userID]
	if !ok {
		return nil, customer.ErrNotFound
	}
	return &customer.Customer{UserID: userID, Amount: amount, RecordedProducts: m.recorded[userID]}, nil
}

func (m *memAccounts) GetByAccountID(context.Context, string) (*customer.Customer, error) {
	panic("not used")
}

func (m *memAccounts) Create(_ context.Context, userID int64) (*customer.Customer, error) {
	m.amounts[userID] = money.Zero
	return &customer.Customer{UserID: userID}, nil
}

func (m *memAccounts) LockAmount(_ context.Context, _ pgx.Tx, userID int64) (money.Money, error) {
	amount, ok := m.amounts[userID]
	if !ok {
		return money.Zero, customer.ErrNotFound
	}
	return amount, nil
}

func (m *memAccounts) SetAmount(_ context.Context, _ pgx.Tx, userID int64, amount money.Money) error {
	m.amounts[userID] = amount
	return nil
}

func (m *memAccounts) AdjustRecordedProducts(_ context.Context, _ pgx.Tx, userID int64, delta int) (int, error) {
	m.recorded[userID] += delta
	return m.recorded[userID], nil
}

// memProducts is a minimal catalog.Repository.
type memProducts struct {
	products map[int64]catalog.Product
}

func (m *memProducts) GetProduct(_ context.Context, id int64) (*catalog.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (m *memProducts) GetProductByCode(context.Context, string) (*catalog.Product, error) {
	panic("not used")
}

func (m *memProducts) CounterProducts(context.Context, int64) ([]catalog.Product, error) {
	var out []catalog.Product
	for _, p := range m.products {
		out = append(out, p)
	}
	return out, nil
}

func (m *memProducts) ProductOnCounter(context.Context, int64, int64) (bool, error) {
	return true, nil
}

func (m *memProducts) GetCounter(_ context.Context, id int64) (*catalog.Counter, error) {
	return &catalog.Counter{ID: id, Name: "eboutic", Type: catalog.CounterEboutic}, nil
}

func (m *memProducts) CreateProduct(context.Context, catalog.CreateProductRequest, money.Money, money.Money, money.Money) (*catalog.Product, error) {
	panic("not used")
}

func (m *memProducts) UpdateProduct(context.Context, int64, catalog.UpdateProductRequest) (*catalog.Product, error) {
	panic("not used")
}

func (m *memProducts) ListProductTypes(context.Context) ([]catalog.ProductType, error) {
	return nil, nil
}

func (m *memProducts) CreateProductType(context.Context, catalog.CreateProductTypeRequest) (*catalog.ProductType, error) {
	panic("not used")
}

func (m *memProducts) CreateCounter(context.Context, catalog.CreateCounterRequest) (*catalog.Counter, error) {
	panic("not used")
}

func (m *memProducts) UpdateCounter(context.Context, int64, catalog.UpdateCounterRequest) (*catalog.Counter, error) {
	panic("not used")
}

type testNotifier struct {
	sent []notification.Notification
}

func (n *testNotifier) Notify(_ context.Context, userID int64, kind notification.Kind, message string) error {
	n.sent = append(n.sent, notification.Notification{UserID: userID, Kind: kind, Message: message})
	return nil
}

type testActivator struct {
	productTypes map[int64]string
	activated    []subscription.ActivateInput
	fail         error
}

func (a *testActivator) IsSubscriptionProduct(productID int64) (string, bool) {
	name, ok := a.productTypes[productID]
	return name, ok
}

func (a *testActivator) Activate(_ context.Context, _ pgx.Tx, in subscription.ActivateInput) (*subscription.Subscription, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	a.activated = append(a.activated, in)
	return &subscription.Subscription{MemberID: in.MemberID}, nil
}

type nilTxRunner struct{}

func (nilTxRunner) RunTx(_ context.Context, fn func(pgx.Tx) error) error { return fn(nil) }

type storeFixture struct {
	repo      *memInvoices
	counters  *memCounterRepo
	accounts  *memAccounts
	notifier  *testNotifier
	activator *testActivator
	signer    *Signer
	service   *Service
	gwKey     *rsa.PrivateKey
	user      *auth.User
	clock     time.Time
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	gwKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&gwKey.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	signer, err := NewSigner(testSecretHex, pemKey)
	require.NoError(t, err)

	f := &storeFixture{
		repo:      newMemInvoices(),
		counters:  &memCounterRepo{},
		accounts:  newMemAccounts(),
		notifier:  &testNotifier{},
		activator: &testActivator{productTypes: map[int64]string{30: "un-semestre"}},
		signer:    signer,
		gwKey:     gwKey,
		user:      &auth.User{ID: 42, Username: "sli", IsActive: true, GroupIDs: []int64{1}},
		clock:     time.Date(2025, time.September, 10, 12, 0, 0, 0, time.UTC),
	}

	products := &memProducts{products: map[int64]catalog.Product{
		21: {ID: 21, Name: "Barbar", Code: "BARB", TypeID: 2, ClubID: 3,
			SellingPrice: money.MustParse("1.70"), SpecialPrice: money.MustParse("1.50"),
			BuyingGroupIDs: []int64{1}},
		30: {ID: 30, Name: "Cotisation 1 semestre", Code: "1SCOTIZ", TypeID: 4, ClubID: 3,
			SellingPrice: money.MustParse("20.00"), SpecialPrice: money.MustParse("20.00"),
			BuyingGroupIDs: []int64{1}, IsSubscription: true},
		50: {ID: 50, Name: "Rechargement 10", Code: "RECH10", TypeID: 7, ClubID: 3,
			SellingPrice: money.MustParse("10.00"), SpecialPrice: money.MustParse("10.00"),
			BuyingGroupIDs: []int64{1}},
	}}

	f.accounts.amounts[42] = money.MustParse("0.00")

	f.service = NewService(
		f.repo,
		nilTxRunner{},
		f.counters,
		customer.NewService(f.accounts),
		catalog.NewService(products),
		f.activator,
		f.notifier,
		signer,
		Config{
			CounterID:       5,
			RefillingTypeID: 7,
			GatewayURL:      "https://gateway.example/pay",
			Site:            "1999888",
			Rang:            "32",
			Identifiant:     "107904482",
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	f.service.now = func() time.Time { return f.clock }
	return f
}

func (f *storeFixture) gatewaySign(t *testing.T, payload, status string) string {
	t.Helper()
	sum := sha1.Sum([]byte(payload + ":" + status))
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.gwKey, crypto.SHA1, sum[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func (f *storeFixture) checkout(t *testing.T, sess *shared.Session) *PaymentForm {
	t.Helper()
	require.NoError(t, f.repo.UpsertBillingInfo(context.Background(), &BillingInfo{
		UserID: 42, FirstName: "Antoine", LastName: "Bartuccio",
		Address1: "6 Boulevard Anatole France", ZipCode: "90000", City: "Belfort", Country: "FR",
	}))
	form, err := f.service.Checkout(context.Background(), sess, f.user)
	require.NoError(t, err)
	return form
}

func TestCanonicalIsDeterministic(t *testing.T) {
	inv := &Invoice{
		ID:     7,
		UserID: 42,
		Items: []InvoiceItem{
			{ProductID: 21, Quantity: 2, UnitPrice: money.MustParse("1.70")},
			{ProductID: 50, Quantity: 1, UnitPrice: money.MustParse("10.00")},
		},
	}
	payload := Canonical(inv)
	assert.Equal(t, "7:42:13.40:21.2.1.70:50.1.10.00", payload)
	assert.NotContains(t, payload, " ")
	assert.NotContains(t, payload, ",")
	assert.Equal(t, payload, Canonical(inv))
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner(testSecretHex, nil)
	require.NoError(t, err)

	sig := signer.Sign("7:42:13.40")
	assert.NoError(t, signer.Verify("7:42:13.40", sig))
	assert.ErrorIs(t, signer.Verify("7:42:13.41", sig), ErrBadSignature)
	assert.ErrorIs(t, signer.Verify("7:42:13.40", "deadbeef"), ErrBadSignature)
	assert.ErrorIs(t, signer.Verify("7:42:13.40", "not-hex"), ErrBadSignature)
}

func TestVerifyGatewayFailsClosed(t *testing.T) {
	f := newStoreFixture(t)

	sig := f.gatewaySign(t, "payload", StatusApproved)
	assert.NoError(t, f.signer.VerifyGateway([]byte("payload:"+StatusApproved), sig))
	assert.ErrorIs(t, f.signer.VerifyGateway([]byte("payload:REJECTED"), sig), ErrBadSignature)
	assert.ErrorIs(t, f.signer.VerifyGateway([]byte("payload:"+StatusApproved), "!!!"), ErrBadSignature)

	// A signer configured without a gateway key accepts nothing.
	keyless, err := NewSigner(testSecretHex, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, keyless.VerifyGateway([]byte("payload:"+StatusApproved), sig), ErrBadSignature)
}

func TestBasketAddRemove(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	basket, err := f.service.AddItem(ctx, sess, f.user, 21, 2)
	require.NoError(t, err)
	require.Len(t, basket.Items, 1)
	assert.Equal(t, money.MustParse("1.70"), basket.Items[0].UnitPrice, "online price is the selling price")

	basket, err = f.service.AddItem(ctx, sess, f.user, 21, 1)
	require.NoError(t, err)
	require.Len(t, basket.Items, 1)
	assert.Equal(t, 3, basket.Items[0].Quantity)

	basket, err = f.service.AddItem(ctx, sess, f.user, 50, 1)
	require.NoError(t, err)
	require.Len(t, basket.Items, 2)
	assert.Equal(t, money.MustParse("15.10"), basket.Total())

	basket, err = f.service.RemoveItem(sess, 21)
	require.NoError(t, err)
	require.Len(t, basket.Items, 1)

	_, err = f.service.RemoveItem(sess, 21)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckoutRequiresBillingInfo(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	_, err := f.service.Checkout(ctx, sess, f.user)
	assert.ErrorIs(t, err, ErrEmptyBasket)

	_, err = f.service.AddItem(ctx, sess, f.user, 21, 1)
	require.NoError(t, err)
	_, err = f.service.Checkout(ctx, sess, f.user)
	assert.ErrorIs(t, err, ErrNoBillingInfo)
}

func TestCheckoutBuildsSignedForm(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	_, err := f.service.AddItem(ctx, sess, f.user, 21, 2)
	require.NoError(t, err)
	form := f.checkout(t, sess)

	assert.Equal(t, "https://gateway.example/pay", form.GatewayURL)
	assert.Equal(t, "3.40", form.Total)
	assert.True(t, strings.HasPrefix(form.Payload, "1:42:3.40"))
	assert.NoError(t, f.signer.Verify(form.Payload, form.Signature))
}

func TestCallbackApprovedMaterializesOnce(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	_, err := f.service.AddItem(ctx, sess, f.user, 21, 2)
	require.NoError(t, err)
	_, err = f.service.AddItem(ctx, sess, f.user, 50, 1)
	require.NoError(t, err)
	_, err = f.service.AddItem(ctx, sess, f.user, 30, 1)
	require.NoError(t, err)
	form := f.checkout(t, sess)

	in := CallbackInput{
		Payload:          form.Payload,
		Signature:        form.Signature,
		GatewayStatus:    StatusApproved,
		GatewaySignature: f.gatewaySign(t, form.Payload, StatusApproved),
	}
	result, err := f.service.HandleCallback(ctx, in)
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.False(t, result.Replayed)

	// Card sales never touch the balance; the refilling product credits it.
	assert.Equal(t, money.MustParse("10.00"), f.accounts.amounts[42])
	require.Len(t, f.counters.refillings, 1)
	assert.Equal(t, counter.MethodCard, f.counters.refillings[0].PaymentMethod)
	require.Len(t, f.counters.sellings, 2)
	for _, s := range f.counters.sellings {
		assert.Equal(t, counter.MethodCard, s.PaymentMethod)
		assert.Equal(t, int64(5), s.CounterID)
	}

	require.Len(t, f.activator.activated, 1)
	assert.Equal(t, "EBOUTIC", f.activator.activated[0].Location)

	inv, err := f.repo.GetInvoice(ctx, result.InvoiceID)
	require.NoError(t, err)
	assert.True(t, inv.Validated)

	// The second delivery of the exact same signed payload is a no-op
	// returning success.
	replay, err := f.service.HandleCallback(ctx, in)
	require.NoError(t, err)
	assert.True(t, replay.Approved)
	assert.True(t, replay.Replayed)
	assert.Equal(t, money.MustParse("10.00"), f.accounts.amounts[42])
	assert.Len(t, f.counters.sellings, 2)
	assert.Len(t, f.counters.refillings, 1)
	assert.Len(t, f.activator.activated, 1)
}

func TestCallbackFailsWhenActivationFails(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	_, err := f.service.AddItem(ctx, sess, f.user, 30, 1)
	require.NoError(t, err)
	form := f.checkout(t, sess)

	// The activation runs inside the materialization transaction, so a
	// broken activator surfaces as a callback error and the gateway
	// retries instead of dropping the membership.
	f.activator.fail = assert.AnError
	_, err = f.service.HandleCallback(ctx, CallbackInput{
		Payload:          form.Payload,
		Signature:        form.Signature,
		GatewayStatus:    StatusApproved,
		GatewaySignature: f.gatewaySign(t, form.Payload, StatusApproved),
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.activator.activated)
}

func TestCallbackRejectsBadSignatures(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	_, err := f.service.AddItem(ctx, sess, f.user, 21, 1)
	require.NoError(t, err)
	form := f.checkout(t, sess)

	// Tampered payload fails the HMAC check.
	_, err = f.service.HandleCallback(ctx, CallbackInput{
		Payload:          strings.Replace(form.Payload, "1.70", "0.01", 1),
		Signature:        form.Signature,
		GatewayStatus:    StatusApproved,
		GatewaySignature: f.gatewaySign(t, form.Payload, StatusApproved),
	})
	assert.ErrorIs(t, err, ErrBadSignature)

	// A valid HMAC with a forged gateway signature fails closed.
	_, err = f.service.HandleCallback(ctx, CallbackInput{
		Payload:          form.Payload,
		Signature:        form.Signature,
		GatewayStatus:    StatusApproved,
		GatewaySignature: base64.StdEncoding.EncodeToString([]byte("forged")),
	})
	assert.ErrorIs(t, err, ErrBadSignature)

	inv, err := f.repo.GetInvoice(ctx, 1)
	require.NoError(t, err)
	assert.False(t, inv.Validated)
	assert.Empty(t, f.counters.sellings)
}

func TestCallbackRejectedStatusLeavesInvoiceUnvalidated(t *testing.T) {
	f := newStoreFixture(t)
	ctx := context.Background()
	sess := &shared.Session{}

	_, err := f.service.AddItem(ctx, sess, f.user, 21, 1)
	require.NoError(t, err)
	form := f.checkout(t, sess)

	result, err := f.service.HandleCallback(ctx, CallbackInput{
		Payload:          form.Payload,
		Signature:        form.Signature,
		GatewayStatus:    "REFUSED",
		GatewaySignature: f.gatewaySign(t, form.Payload, "REFUSED"),
	})
	require.NoError(t, err)
	assert.False(t, result.Approved)

	inv, err := f.repo.GetInvoice(ctx, result.InvoiceID)
	require.NoError(t, err)
	assert.False(t, inv.Validated)
	assert.Empty(t, f.counters.sellings)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notification.KindPaymentFailed, f.notifier.sent[0].Kind)
}
