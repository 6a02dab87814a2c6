package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unifiedcart/aggregator/internal/fingerprint"
	"github.com/unifiedcart/aggregator/internal/match"
	"github.com/unifiedcart/aggregator/internal/metrics"
	"github.com/unifiedcart/aggregator/internal/normalize"
	"github.com/unifiedcart/aggregator/internal/store"
	"github.com/unifiedcart/aggregator/internal/track"
	"github.com/unifiedcart/aggregator/pkg/eventbus"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// Result classifies the outcome of one record.
type Result string

const (
	ResultCreated   Result = "created"
	ResultUpdated   Result = "updated"
	ResultAmbiguous Result = "ambiguous"
	ResultFailed    Result = "failed"
)

// RecordError carries a per-record failure with a stable kind for
// reporting. The batch keeps going; one bad record never aborts it.
type RecordError struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
	Msg  string `json:"message"`
}

// BatchResult summarizes one processed batch.
type BatchResult struct {
	Total     int           `json:"total"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Ambiguous int           `json:"ambiguous"`
	Failed    int           `json:"failed"`
	Errors    []RecordError `json:"errors,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Config holds the orchestration knobs.
type Config struct {
	Workers      int
	MaxAttempts  int
	Backoff      time.Duration
	CandLimit    int
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.CandLimit <= 0 {
		c.CandLimit = 50
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Pipeline runs raw listings through normalize, match, persist and
// track. Records sharing a (platform, external_id) key always land on
// the same worker, so per-listing operations stay ordered.
type Pipeline struct {
	store      store.Store
	normalizer *normalize.Normalizer
	matcher    *match.Matcher
	tracker    *track.Tracker
	bus        *eventbus.EventBus
	logger     *zap.Logger
	cfg        Config
}

func New(st store.Store, n *normalize.Normalizer, m *match.Matcher, t *track.Tracker, bus *eventbus.EventBus, logger *zap.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      st,
		normalizer: n,
		matcher:    m,
		tracker:    t,
		bus:        bus,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// Process runs a batch to completion. Each record is routed to a worker
// by the FNV hash of its key; duplicates of the same key within the
// batch are collapsed so only the last occurrence is applied.
func (p *Pipeline) Process(ctx context.Context, batch []model.RawProduct) BatchResult {
	start := time.Now()
	res := BatchResult{Total: len(batch)}
	if len(batch) == 0 {
		return res
	}

	batch = collapseByKey(batch)

	workers := p.cfg.Workers
	if workers > len(batch) {
		workers = len(batch)
	}

	chans := make([]chan model.RawProduct, workers)
	for i := range chans {
		chans[i] = make(chan model.RawProduct, 16)
	}

	type outcome struct {
		result Result
		err    *RecordError
	}
	outcomes := make(chan outcome, len(batch))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(in <-chan model.RawProduct) {
			defer wg.Done()
			for raw := range in {
				r, recErr := p.processOne(ctx, raw)
				outcomes <- outcome{result: r, err: recErr}
			}
		}(chans[i])
	}

	for _, raw := range batch {
		select {
		case <-ctx.Done():
			// in-flight records finish; the rest are reported failed
			outcomes <- outcome{result: ResultFailed, err: &RecordError{
				Key: raw.Key(), Kind: "canceled", Msg: ctx.Err().Error(),
			}}
		case chans[route(raw.Key(), workers)] <- raw:
		}
	}
	for _, ch := range chans {
		close(ch)
	}
	wg.Wait()
	close(outcomes)

	for o := range outcomes {
		switch o.result {
		case ResultCreated:
			res.Created++
		case ResultUpdated:
			res.Updated++
		case ResultAmbiguous:
			res.Ambiguous++
		default:
			res.Failed++
		}
		if o.err != nil {
			res.Errors = append(res.Errors, *o.err)
		}
	}

	res.Elapsed = time.Since(start)
	metrics.SetLastBatch(time.Now())
	p.logger.Info("pipeline.batch_done",
		zap.Int("total", res.Total),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("ambiguous", res.Ambiguous),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res
}

// collapseByKey keeps only the last record per key, preserving the
// relative order of the survivors.
func collapseByKey(batch []model.RawProduct) []model.RawProduct {
	last := make(map[string]int, len(batch))
	for i, raw := range batch {
		last[raw.Key()] = i
	}
	out := make([]model.RawProduct, 0, len(last))
	for i, raw := range batch {
		if last[raw.Key()] == i {
			out = append(out, raw)
		}
	}
	return out
}

func route(key string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(workers))
}

// processOne takes a raw record end to end. Transient store failures
// are retried with exponential backoff; a losing create race re-matches
// against the committed row.
func (p *Pipeline) processOne(ctx context.Context, raw model.RawProduct) (Result, *RecordError) {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.RecordDuration, start, raw.Platform)

	var (
		result Result
		err    error
	)
	backoff := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		// Each attempt carries its own deadline so a hung store stalls
		// one attempt, not the worker.
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		result, err = p.apply(attemptCtx, raw)
		cancel()
		if err == nil || !store.IsTransient(err) {
			break
		}
		p.logger.Warn("pipeline.retrying",
			zap.String("key", raw.Key()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = p.cfg.MaxAttempts
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	if err != nil {
		kind := errorKind(err)
		metrics.IncRecord(raw.Platform, string(ResultFailed))
		metrics.IncRecordError(raw.Platform, kind)
		p.logger.Warn("pipeline.record_failed",
			zap.String("key", raw.Key()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return ResultFailed, &RecordError{Key: raw.Key(), Kind: kind, Msg: err.Error()}
	}

	metrics.IncRecord(raw.Platform, string(result))
	return result, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, normalize.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, normalize.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, normalize.ErrInvalidRating):
		return "invalid_rating"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case store.IsTransient(err):
		// includes context.DeadlineExceeded: a blown store deadline is
		// a retryable availability problem, not a caller cancel
		return "store_unavailable"
	default:
		return "internal"
	}
}

// apply is one attempt at the full record flow.
func (p *Pipeline) apply(ctx context.Context, raw model.RawProduct) (Result, error) {
	candidate, err := p.normalizer.Normalize(raw)
	if err != nil {
		return ResultFailed, err
	}

	// Known listing: skip matching entirely, this is an update of an
	// already-linked product.
	link, err := p.store.GetSourceLink(ctx, raw.Platform, raw.ExternalID)
	if err != nil {
		return ResultFailed, err
	}
	if link != nil {
		return p.updateLinked(ctx, link.ProductID, candidate, raw)
	}

	fp := fingerprint.New(candidate)
	existing, err := p.store.FindCandidates(ctx, candidate.Brand, candidate.Category, p.cfg.CandLimit)
	if err != nil {
		return ResultFailed, err
	}

	decision := p.matcher.Match(candidate, fp, existing)
	metrics.IncDecision(string(decision.Kind))

	switch decision.Kind {
	case match.UpdateExisting:
		return p.updateLinked(ctx, decision.TargetID, candidate, raw)

	case match.Ambiguous:
		return p.createAmbiguous(ctx, candidate, raw, decision)

	default:
		return p.create(ctx, candidate, raw)
	}
}

// create inserts a brand-new canonical product. A unique violation on
// the source link means another worker won the race: re-match once
// against the committed state.
func (p *Pipeline) create(ctx context.Context, candidate *model.CanonicalProduct, raw model.RawProduct) (Result, error) {
	candidate.ID = uuid.New()
	candidate.Active = true

	entry, events := p.tracker.Record(track.Observation{
		ProductID:    candidate.ID,
		Platform:     raw.Platform,
		Price:        candidate.CurrentPrice,
		Currency:     candidate.Currency,
		Availability: candidate.Availability,
		At:           candidate.ScrapedAt,
	}, nil, "")

	err := p.store.CreateProduct(ctx, candidate, model.SourceLink{
		ProductID:  candidate.ID,
		Platform:   raw.Platform,
		ExternalID: raw.ExternalID,
		SourceURL:  candidate.ProductURL,
	}, entry)
	if errors.Is(err, store.ErrConflict) {
		link, lerr := p.store.GetSourceLink(ctx, raw.Platform, raw.ExternalID)
		if lerr != nil || link == nil {
			return ResultFailed, err
		}
		return p.updateLinked(ctx, link.ProductID, candidate, raw)
	}
	if err != nil {
		return ResultFailed, err
	}

	p.emit(events)
	return ResultCreated, nil
}

// updateLinked merges the fresh observation into an existing product
// and appends its price history.
func (p *Pipeline) updateLinked(ctx context.Context, productID uuid.UUID, candidate *model.CanonicalProduct, raw model.RawProduct) (Result, error) {
	existing, err := p.store.GetProduct(ctx, productID)
	if err != nil {
		return ResultFailed, err
	}

	lastPrice, err := p.store.LastPrice(ctx, productID, raw.Platform)
	if err != nil {
		return ResultFailed, err
	}

	merged := match.Merge(existing, candidate)

	entry, events := p.tracker.Record(track.Observation{
		ProductID:    productID,
		Platform:     raw.Platform,
		Price:        candidate.CurrentPrice,
		Currency:     candidate.Currency,
		Availability: candidate.Availability,
		At:           candidate.ScrapedAt,
	}, lastPrice, existing.Availability)

	err = p.store.UpdateProduct(ctx, merged, model.SourceLink{
		ProductID:  productID,
		Platform:   raw.Platform,
		ExternalID: raw.ExternalID,
		SourceURL:  candidate.ProductURL,
	}, entry)
	if err != nil {
		return ResultFailed, err
	}

	p.emit(events)
	return ResultUpdated, nil
}

// createAmbiguous inserts the product (so no data is lost) and queues
// duplicate candidates for human review.
func (p *Pipeline) createAmbiguous(ctx context.Context, candidate *model.CanonicalProduct, raw model.RawProduct, decision match.Decision) (Result, error) {
	result, err := p.create(ctx, candidate, raw)
	if err != nil || result == ResultUpdated {
		// lost the create race and merged instead; nothing to review
		return result, err
	}

	for _, sc := range decision.Candidates {
		dc := model.DuplicateCandidate{
			PrimaryID:   sc.ProductID,
			CandidateID: candidate.ID,
			Score:       sc.Score,
			MatchType:   sc.MatchType,
			Status:      model.DuplicatePending,
		}
		if err := p.store.InsertDuplicateCandidate(ctx, &dc); err != nil {
			p.logger.Warn("pipeline.duplicate_candidate_failed",
				zap.String("key", raw.Key()),
				zap.Error(err),
			)
		}
	}
	return ResultAmbiguous, nil
}

func (p *Pipeline) emit(events []model.ChangeEvent) {
	if p.bus == nil {
		return
	}
	for _, ev := range events {
		p.bus.Publish(ev)
	}
}
