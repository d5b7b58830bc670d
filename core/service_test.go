package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/iapkit/appstore"
	"github.com/PaulFidika/iapkit/core"
	"github.com/PaulFidika/iapkit/entitlements"
	memorystore "github.com/PaulFidika/iapkit/storage/memory"
	iaptest "github.com/PaulFidika/iapkit/testing"
)

const bundleID = "com.example.app"

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type recordingEvents struct {
	mu      sync.Mutex
	changes []core.StatusChange
}

func (r *recordingEvents) LogStatusChange(_ context.Context, c core.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recordingEvents) all() []core.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.StatusChange(nil), r.changes...)
}

type staticCatalog []entitlements.ProductInfo

func (c staticCatalog) Products(context.Context) ([]entitlements.ProductInfo, error) { return c, nil }

type fixture struct {
	fake   *iaptest.FakeAppStore
	store  *memorystore.TransactionStore
	events *recordingEvents
	svc    *core.Service
}

func newFixture(t *testing.T, opts ...core.Option) *fixture {
	t.Helper()
	fake := iaptest.NewFakeAppStore(bundleID)
	t.Cleanup(fake.Close)

	// customer one: a renewed monthly subscription and a lifetime unlock
	fake.AddTransaction(
		entitlements.Transaction{
			ID: "100", ProductID: "monthlyPremium", Type: entitlements.AutoRenewable,
			PurchasedAt: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
			ExpiresAt:   ptr(time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)),
		},
		entitlements.Transaction{
			ID: "101", OriginalID: "100", ProductID: "monthlyPremium", Type: entitlements.AutoRenewable,
			PurchasedAt: time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC),
			ExpiresAt:   ptr(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)),
		},
		entitlements.Transaction{
			ID: "200", ProductID: "lifePremium", Type: entitlements.NonConsumable,
			PurchasedAt: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		},
		// customer two: a lapsed yearly subscription
		entitlements.Transaction{
			ID: "300", ProductID: "yearlyPremium", Type: entitlements.AutoRenewable,
			PurchasedAt: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt:   ptr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		},
	)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	store := memorystore.NewTransactionStore()
	cache := memorystore.NewTransactionCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })
	events := &recordingEvents{}

	base := []core.Option{core.WithCache(cache), core.WithEventLogger(events)}
	svc, err := core.NewService(core.Config{
		Logger: logger,
		Now:    func() time.Time { return now },
	}, fake.Client(), store, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{fake: fake, store: store, events: events, svc: svc}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := core.NewService(core.Config{}, nil, memorystore.NewTransactionStore())
	require.Error(t, err)
}

func TestRefreshClassifiesLatestPerProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ents, err := f.svc.Refresh(ctx, "u1", "100", " 200 ", "100")
	require.NoError(t, err)
	require.Len(t, ents, 2)

	require.Equal(t, "lifePremium", ents[0].Name)
	require.Equal(t, entitlements.StatusValid, ents[0].Status.Kind)
	require.True(t, ents[0].Purchased)
	require.Equal(t, entitlements.SpanPermanent, ents[0].Span)

	require.Equal(t, "monthlyPremium", ents[1].Name)
	require.Equal(t, entitlements.StatusSubscribed, ents[1].Status.Kind)
	require.Equal(t, "101", ents[1].Metadata["transaction_id"])
	require.True(t, ents[1].Purchased)

	stored, err := f.store.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, 3)

	// first sighting of each product is a change from unknown
	changes := f.events.all()
	require.Len(t, changes, 2)
	for _, c := range changes {
		require.Equal(t, "refresh", c.Cause)
		require.Equal(t, entitlements.StatusUnknown, c.From.Kind)
	}

	// nothing changed the second time round
	_, err = f.svc.Refresh(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, f.events.all(), 2)
}

func TestRefreshRequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Refresh(context.Background(), "  ", "100")
	require.ErrorIs(t, err, core.ErrMissingUser)
}

func TestRefreshPropagatesStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.fake.FailNext(500, 5000000, "boom")
	_, err := f.svc.Refresh(context.Background(), "u1", "100")
	var apiErr *appstore.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 500, apiErr.StatusCode)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Restore(ctx, "u1", nil)
	require.ErrorIs(t, err, core.ErrNothingToRestore)

	ents, err := f.svc.Restore(ctx, "u1", []string{"101"})
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "monthlyPremium", ents[0].Name)

	// a lapsed subscription restores records but nothing purchased
	ents, err = f.svc.Restore(ctx, "u2", []string{"300"})
	require.ErrorIs(t, err, core.ErrNothingToRestore)
	require.Len(t, ents, 1)
	require.Equal(t, entitlements.StatusExpired, ents[0].Status.Kind)
	require.False(t, ents[0].Purchased)
}

func TestQueries(t *testing.T) {
	f := newFixture(t, core.WithCatalogSource(staticCatalog{
		{ID: "monthlyPremium", Price: decimal.RequireFromString("4.99"), CurrencyCode: "USD", Type: entitlements.AutoRenewable},
		{ID: "lifePremium", Price: decimal.RequireFromString("49.99"), CurrencyCode: "USD", Type: entitlements.NonConsumable},
		{ID: "yearlyPremium", Price: decimal.RequireFromString("29.99"), CurrencyCode: "USD", Type: entitlements.AutoRenewable},
	}))
	ctx := context.Background()

	require.Empty(t, f.svc.Products())
	products, err := f.svc.LoadProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 3)
	require.Len(t, f.svc.Products(), 3)

	_, err = f.svc.Refresh(ctx, "u1", "100", "200")
	require.NoError(t, err)
	_, _ = f.svc.Restore(ctx, "u1", []string{"300"})

	ok, err := f.svc.IsPurchased(ctx, "u1", "monthlyPremium")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.IsPurchased(ctx, "u1", "yearlyPremium")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.IsPurchased(ctx, "u1", "weeklyPremium")
	require.ErrorIs(t, err, core.ErrUnknownProduct)

	purchased, err := f.svc.PurchasedProducts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, purchased, 2)

	all, err := f.svc.Entitlements(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := f.svc.Entitlements(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestLoadProductsSkipsUnmappedInStrictCatalog(t *testing.T) {
	fake := iaptest.NewFakeAppStore(bundleID)
	defer fake.Close()
	catalog := entitlements.NewCatalog([]entitlements.CatalogEntry{{ProductID: "pro.monthly", Span: entitlements.SpanMonthly, Level: entitlements.LevelPremium}}, entitlements.Strict())
	svc, err := core.NewService(core.Config{Catalog: catalog}, fake.Client(), memorystore.NewTransactionStore(),
		core.WithCatalogSource(staticCatalog{{ID: "pro.monthly"}, {ID: "legacy"}}))
	require.NoError(t, err)

	products, err := svc.LoadProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, entitlements.SpanMonthly, products[0].Span)
	require.Same(t, catalog, svc.Catalog())

	_, err = svc.IsPurchased(context.Background(), "u1", "legacy")
	require.True(t, errors.Is(err, core.ErrUnknownProduct))
}

func TestLoadProductsWithoutSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.LoadProducts(context.Background())
	require.Error(t, err)
}

func TestHandleNotificationByAccountToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := entitlements.Transaction{
		ID: "400", OriginalID: "400", ProductID: "yearlyPremium", Type: entitlements.AutoRenewable,
		AppAccountToken: "6f1c2a9e-4b1d-4e52-9a55-1f0c7f6f1a11",
		PurchasedAt:     time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt:       ptr(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
	}
	res, err := f.svc.HandleNotification(ctx, f.fake.SignNotification(appstore.NotificationSubscribed, "INITIAL_BUY", &tx))
	require.NoError(t, err)
	require.Equal(t, tx.AppAccountToken, res.UserID)
	require.Equal(t, appstore.NotificationSubscribed, res.Type)
	require.NotNil(t, res.Entitlement)
	require.Equal(t, entitlements.StatusSubscribed, res.Entitlement.Status.Kind)

	owner, ok, err := f.store.UserByOriginalTransaction(ctx, "400")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tx.AppAccountToken, owner)

	changes := f.events.all()
	require.Len(t, changes, 1)
	require.Equal(t, appstore.NotificationSubscribed, changes[0].Cause)
}

func TestHandleNotificationByOriginalTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, "u1", "200")
	require.NoError(t, err)
	// warm the cache so the refund has to invalidate it
	ok, err := f.svc.IsPurchased(ctx, "u1", "lifePremium")
	require.NoError(t, err)
	require.True(t, ok)

	refunded := entitlements.Transaction{
		ID: "200", OriginalID: "200", ProductID: "lifePremium", Type: entitlements.NonConsumable,
		PurchasedAt:      time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		RevokedAt:        ptr(time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)),
		RevocationReason: ptr(0),
	}
	res, err := f.svc.HandleNotification(ctx, f.fake.SignNotification(appstore.NotificationRefund, "", &refunded))
	require.NoError(t, err)
	require.Equal(t, "u1", res.UserID)
	require.Equal(t, entitlements.StatusCancelled, res.Entitlement.Status.Kind)

	ok, err = f.svc.IsPurchased(ctx, "u1", "lifePremium")
	require.NoError(t, err)
	require.False(t, ok)

	changes := f.events.all()
	last := changes[len(changes)-1]
	require.Equal(t, appstore.NotificationRefund, last.Cause)
	require.Equal(t, entitlements.StatusValid, last.From.Kind)
	require.Equal(t, entitlements.StatusCancelled, last.To.Kind)
}

func TestHandleNotificationUnknownUser(t *testing.T) {
	f := newFixture(t)
	tx := entitlements.Transaction{ID: "777", OriginalID: "777", ProductID: "lifePremium", Type: entitlements.NonConsumable, PurchasedAt: now}
	_, err := f.svc.HandleNotification(context.Background(), f.fake.SignNotification(appstore.NotificationOneTimeCharge, "", &tx))
	require.ErrorIs(t, err, core.ErrMissingUser)
}

func TestHandleNotificationWithoutTransaction(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.HandleNotification(context.Background(), f.fake.SignNotification(appstore.NotificationTest, "", nil))
	require.NoError(t, err)
	require.Equal(t, appstore.NotificationTest, res.Type)
	require.Empty(t, res.UserID)
	require.Nil(t, res.Entitlement)

	_, err = f.svc.HandleNotification(context.Background(), "not-a-jws")
	require.Error(t, err)
}

func TestRefreshAllSkipsRecentlyFetched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// fresh: fetched at now
	_, err := f.svc.Refresh(ctx, "u1", "100")
	require.NoError(t, err)
	// stale: fetched two hours ago
	require.NoError(t, f.store.SaveTransactions(ctx, "u2", []entitlements.Transaction{{ID: "300", OriginalID: "300", ProductID: "yearlyPremium"}}, now.Add(-2*time.Hour)))
	// stale and unknown to the App Store
	require.NoError(t, f.store.SaveTransactions(ctx, "u3", []entitlements.Transaction{{ID: "999", OriginalID: "999", ProductID: "yearlyPremium"}}, now.Add(-3*time.Hour)))

	report, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	require.Equal(t, core.RefreshReport{Checked: 2, Refreshed: 1, Failed: 1}, report)

	txs, err := f.store.Transactions(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, entitlements.AutoRenewable, txs[0].Type)

	// u2 is fresh now; only the failing user is retried
	report, err = f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
}

func TestRefreshAllCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.RefreshAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// gatedSource holds the first history fetch until release is closed.
type gatedSource struct {
	core.TransactionSource
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func gate(src core.TransactionSource) *gatedSource {
	return &gatedSource{TransactionSource: src, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSource) GetTransactionHistory(ctx context.Context, id string) ([]entitlements.Transaction, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.TransactionSource.GetTransactionHistory(ctx, id)
}

func gatedService(t *testing.T, f *fixture, src core.TransactionSource) *core.Service {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cache := memorystore.NewTransactionCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })
	svc, err := core.NewService(core.Config{Logger: logger, Now: func() time.Time { return now }}, src, f.store, core.WithCache(cache))
	require.NoError(t, err)
	return svc
}

func TestRefundDuringRefreshIsNotCachedOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx, "u1", "100", "200")
	require.NoError(t, err)

	src := gate(f.fake.Client())
	svc := gatedService(t, f, src)
	ok, err := svc.IsPurchased(ctx, "u1", "lifePremium")
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx, "u1", "100")
		done <- err
	}()
	<-src.started

	refunded := entitlements.Transaction{
		ID: "200", OriginalID: "200", ProductID: "lifePremium", Type: entitlements.NonConsumable,
		PurchasedAt: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		RevokedAt:   ptr(time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC)),
	}
	_, err = svc.HandleNotification(ctx, f.fake.SignNotification(appstore.NotificationRefund, "", &refunded))
	require.NoError(t, err)

	close(src.release)
	require.NoError(t, <-done)

	ok, err = svc.IsPurchased(ctx, "u1", "lifePremium")
	require.NoError(t, err)
	require.False(t, ok, "refund must survive the refresh that started before it")
}

func TestSharedRefreshOutlivesCancelledCaller(t *testing.T) {
	f := newFixture(t)
	src := gate(f.fake.Client())
	svc := gatedService(t, f, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx, "u1", "100")
		done <- err
	}()
	<-src.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(src.release)
	require.Eventually(t, func() bool {
		txs, err := f.store.Transactions(context.Background(), "u1")
		return err == nil && len(txs) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
