package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedcart/aggregator/internal/match"
	"github.com/unifiedcart/aggregator/internal/normalize"
	"github.com/unifiedcart/aggregator/internal/store"
	"github.com/unifiedcart/aggregator/internal/track"
	"github.com/unifiedcart/aggregator/pkg/config"
	"github.com/unifiedcart/aggregator/pkg/eventbus"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	mu         sync.Mutex
	products   map[uuid.UUID]*model.CanonicalProduct
	links      map[string]*model.SourceLink // platform:external_id
	history    []model.PriceHistoryEntry
	duplicates []model.DuplicateCandidate

	failCreates int // next N CreateProduct calls fail transient
	failLookups int // next N GetSourceLink calls fail transient
	hideLinks   int // next N GetSourceLink calls miss, simulating a racing writer
	hangLookups int // next N GetSourceLink calls block until the context deadline
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: map[uuid.UUID]*model.CanonicalProduct{},
		links:    map[string]*model.SourceLink{},
	}
}

func linkKey(platform, externalID string) string {
	return platform + ":" + externalID
}

func (f *fakeStore) VerifySchema(ctx context.Context) error { return nil }

func (f *fakeStore) GetSourceLink(ctx context.Context, platform, externalID string) (*model.SourceLink, error) {
	f.mu.Lock()
	if f.hangLookups > 0 {
		f.hangLookups--
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()
	if f.failLookups > 0 {
		f.failLookups--
		return nil, store.ErrUnavailable
	}
	if f.hideLinks > 0 {
		f.hideLinks--
		return nil, nil
	}
	if l, ok := f.links[linkKey(platform, externalID)]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) GetProduct(ctx context.Context, id uuid.UUID) (*model.CanonicalProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) FindCandidates(ctx context.Context, brand, category string, limit int) ([]model.CanonicalProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CanonicalProduct
	for _, p := range f.products {
		if p.Active {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateProduct(ctx context.Context, p *model.CanonicalProduct, link model.SourceLink, entry model.PriceHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreates > 0 {
		f.failCreates--
		return store.ErrUnavailable
	}
	key := linkKey(link.Platform, link.ExternalID)
	if _, exists := f.links[key]; exists {
		return store.ErrConflict
	}
	cp := *p
	f.products[p.ID] = &cp
	l := link
	f.links[key] = &l
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeStore) UpdateProduct(ctx context.Context, p *model.CanonicalProduct, link model.SourceLink, entry model.PriceHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.products[p.ID] = &cp
	l := link
	f.links[linkKey(link.Platform, link.ExternalID)] = &l
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeStore) DeactivateProduct(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Active = false
	return nil
}

func (f *fakeStore) LastPrice(ctx context.Context, productID uuid.UUID, platform string) (*decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.history) - 1; i >= 0; i-- {
		e := f.history[i]
		if e.ProductID == productID && e.Platform == platform {
			price := e.Price
			return &price, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertDuplicateCandidate(ctx context.Context, dc *model.DuplicateCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dc.ID = int64(len(f.duplicates) + 1)
	f.duplicates = append(f.duplicates, *dc)
	return nil
}

func (f *fakeStore) ListDuplicates(ctx context.Context, status model.DuplicateStatus) ([]model.DuplicateCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DuplicateCandidate(nil), f.duplicates...), nil
}

func (f *fakeStore) GetDuplicate(ctx context.Context, id int64) (*model.DuplicateCandidate, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) ResolveDuplicate(ctx context.Context, id int64, status model.DuplicateStatus) error {
	return nil
}

func (f *fakeStore) MergeProducts(ctx context.Context, primary *model.CanonicalProduct, duplicateID uuid.UUID, candidateRowID int64) error {
	return nil
}

func (f *fakeStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	return nil
}
func (f *fakeStore) GetJSON(ctx context.Context, key string, dest any) error {
	return store.ErrNotFound
}
func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                          { return nil }

//
// ────────────────────────────────────────────────
//   Helpers
// ────────────────────────────────────────────────
//

func testPipeline(t *testing.T, st store.Store) (*Pipeline, *eventbus.EventBus) {
	t.Helper()

	rules := normalize.Rules{
		DefaultCurrency: "USD",
		Availability: config.AvailabilityTable{
			"amazon":  {"in stock": model.InStock, "out of stock": model.OutOfStock},
			"walmart": {"in stock": model.InStock, "out of stock": model.OutOfStock},
		},
		KnownBrands: []string{"Sony", "Amazon"},
	}
	bus := eventbus.New()
	p := New(
		st,
		normalize.New(rules, nil),
		match.New(match.Config{HighThreshold: 0.85, LowThreshold: 0.50}),
		track.New(decimal.NewFromFloat(0.01)),
		bus,
		nil,
		Config{Workers: 4, MaxAttempts: 3, Backoff: time.Millisecond},
	)
	return p, bus
}

func rawListing(platform, externalID, title string, price any) model.RawProduct {
	return model.RawProduct{
		Platform:     platform,
		ExternalID:   externalID,
		Title:        title,
		Price:        price,
		Availability: "In Stock",
		ProductURL:   "https://example.com/" + externalID,
		ScrapedAt:    time.Now().UTC(),
	}
}

func collectEvents(bus *eventbus.EventBus) *[]model.ChangeEvent {
	var mu sync.Mutex
	events := &[]model.ChangeEvent{}
	bus.Subscribe(model.ChangeEvent{}, func(event interface{}) {
		ev, ok := event.(model.ChangeEvent)
		if !ok {
			return
		}
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	})
	return events
}

//
// ────────────────────────────────────────────────
//   Tests
// ────────────────────────────────────────────────
//

func TestProcess_CreatesNewProduct(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99"),
	})

	assert.Equal(t, 1, res.Created)
	assert.Zero(t, res.Failed)
	assert.Len(t, st.products, 1)
	assert.Len(t, st.links, 1)
	require.Len(t, st.history, 1)
	assert.Equal(t, model.PriceNew, st.history[0].Change)
}

func TestProcess_SecondIngestIsIdempotent(t *testing.T) {
	st := newFakeStore()
	p, bus := testPipeline(t, st)

	raw := rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99")
	p.Process(context.Background(), []model.RawProduct{raw})

	events := collectEvents(bus)
	raw.ScrapedAt = raw.ScrapedAt.Add(time.Minute)
	res := p.Process(context.Background(), []model.RawProduct{raw})

	assert.Equal(t, 1, res.Updated, "re-ingest must update via the source link")
	assert.Len(t, st.products, 1, "no duplicate product may appear")
	assert.Len(t, st.links, 1)
	require.Len(t, st.history, 2)
	assert.Equal(t, model.PriceStable, st.history[1].Change)

	bus.Drain()
	assert.Empty(t, *events, "unchanged price must not emit events")
}

func TestProcess_PriceDropEmitsEvent(t *testing.T) {
	st := newFakeStore()
	p, bus := testPipeline(t, st)

	raw := rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99")
	p.Process(context.Background(), []model.RawProduct{raw})

	events := collectEvents(bus)
	raw.Price = "$299.99"
	raw.ScrapedAt = raw.ScrapedAt.Add(time.Minute)
	p.Process(context.Background(), []model.RawProduct{raw})

	bus.Drain()
	require.Len(t, *events, 1)
	assert.Equal(t, model.KindPriceDecrease, (*events)[0].Kind)
}

func TestProcess_CrossPlatformMatchMerges(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Wireless Headphones", "$349.99"),
	})

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("walmart", "W777", "Sony WH-1000XM5 Wireless Headphones", "$339.99"),
	})

	assert.Equal(t, 1, res.Updated, "high-similarity listing must merge")
	assert.Len(t, st.products, 1)
	assert.Len(t, st.links, 2, "both platforms must be linked")
}

func TestProcess_PartialFailureIsolation(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99"),
		{Platform: "amazon", ExternalID: "B002", Title: "No price here", ProductURL: "https://x"},
		rawListing("amazon", "B003", "Instant Pot Duo Cooker", "$89.99"),
	})

	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "malformed_payload", res.Errors[0].Kind)
	assert.Equal(t, "amazon:B002", res.Errors[0].Key)
}

func TestProcess_CollapsesDuplicateKeysInBatch(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	first := rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99")
	second := first
	second.Price = "$299.99"
	second.ScrapedAt = first.ScrapedAt.Add(time.Second)

	res := p.Process(context.Background(), []model.RawProduct{first, second})

	assert.Equal(t, 1, res.Created, "same-key records collapse to the last one")
	require.Len(t, st.history, 1)
	assert.True(t, st.history[0].Price.Equal(decimal.NewFromFloat(299.99)),
		"last record in the batch must win")
}

func TestProcess_RetriesTransientStoreErrors(t *testing.T) {
	st := newFakeStore()
	st.failCreates = 2 // MaxAttempts is 3
	p, _ := testPipeline(t, st)

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99"),
	})

	assert.Equal(t, 1, res.Created, "transient failures within budget must recover")
	assert.Zero(t, res.Failed)
}

func TestProcess_ExhaustedRetriesFail(t *testing.T) {
	st := newFakeStore()
	st.failLookups = 10
	p, _ := testPipeline(t, st)

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99"),
	})

	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "store_unavailable", res.Errors[0].Kind)
}

func TestProcess_StoreDeadlineSurfacesAsUnavailable(t *testing.T) {
	st := newFakeStore()
	st.hangLookups = 10
	p, _ := testPipeline(t, st)
	p.cfg.StoreTimeout = 5 * time.Millisecond

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99"),
	})

	// Each attempt hits its own deadline; the worker never wedges and
	// the record fails as a store availability problem, not a cancel.
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "store_unavailable", res.Errors[0].Kind)
	assert.Empty(t, st.products)
}

func TestProcess_ConflictFallsBackToUpdate(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	winner := rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99")
	p.Process(context.Background(), []model.RawProduct{winner})

	// The loser shares the key but looks nothing like the stored
	// product, so matching picks the create path. Hiding the link for
	// one lookup simulates racing ahead of the winner's commit: create
	// hits the unique violation and must fall back to an update.
	loser := rawListing("amazon", "B001", "Instant Pot Duo Pressure Cooker", "$89.99")
	loser.ScrapedAt = winner.ScrapedAt.Add(time.Minute)
	st.hideLinks = 1

	res := p.Process(context.Background(), []model.RawProduct{loser})

	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, res.Updated)
	assert.Len(t, st.products, 1, "conflict resolution must not duplicate the product")
	assert.Len(t, st.links, 1)
}

func TestProcess_AmbiguousQueuesForReview(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	p.Process(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony Wireless Noise Canceling Headphones Black", "$349.99"),
	})

	res := p.Process(context.Background(), []model.RawProduct{
		rawListing("walmart", "W777", "Sony Wireless Headphones Silver", "$329.99"),
	})

	assert.Equal(t, 1, res.Ambiguous)
	assert.Len(t, st.products, 2, "ambiguous listing is stored, not dropped")
	require.NotEmpty(t, st.duplicates)
	assert.Equal(t, model.DuplicatePending, st.duplicates[0].Status)
}

func TestProcess_EmptyBatch(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)

	res := p.Process(context.Background(), nil)
	assert.Zero(t, res.Total)
}

func TestJobRegistry_Lifecycle(t *testing.T) {
	st := newFakeStore()
	p, _ := testPipeline(t, st)
	reg := NewJobRegistry(p, time.Hour)

	id := reg.Submit(context.Background(), []model.RawProduct{
		rawListing("amazon", "B001", "Sony WH-1000XM5 Headphones", "$349.99"),
	})

	job := reg.Get(id)
	require.NotNil(t, job)

	deadline := time.Now().Add(2 * time.Second)
	for job.Status != JobCompleted && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		job = reg.Get(id)
	}

	require.Equal(t, JobCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 1, job.Result.Created)
	assert.Nil(t, reg.Get(uuid.New()), "unknown job id returns nil")
}
