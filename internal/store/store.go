package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/unifiedcart/aggregator/internal/metrics"
	"github.com/unifiedcart/aggregator/pkg/model"
)

var (
	// ErrConflict signals a concurrent writer committed a competing
	// source link first. The caller re-matches against committed state.
	ErrConflict = errors.New("concurrent write conflict")

	// ErrNotFound signals the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks transient store failures that are safe to
	// retry with backoff.
	ErrUnavailable = errors.New("store unavailable")
)

// IsTransient reports whether an error should be retried rather than
// reported as a data error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exceptions
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return false
}

// Store defines the persistence contract for the aggregation pipeline.
type Store interface {
	VerifySchema(ctx context.Context) error

	GetSourceLink(ctx context.Context, platform, externalID string) (*model.SourceLink, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*model.CanonicalProduct, error)
	FindCandidates(ctx context.Context, brand, category string, limit int) ([]model.CanonicalProduct, error)

	CreateProduct(ctx context.Context, p *model.CanonicalProduct, link model.SourceLink, entry model.PriceHistoryEntry) error
	UpdateProduct(ctx context.Context, p *model.CanonicalProduct, link model.SourceLink, entry model.PriceHistoryEntry) error
	DeactivateProduct(ctx context.Context, id uuid.UUID) error

	LastPrice(ctx context.Context, productID uuid.UUID, platform string) (*decimal.Decimal, error)

	InsertDuplicateCandidate(ctx context.Context, dc *model.DuplicateCandidate) error
	ListDuplicates(ctx context.Context, status model.DuplicateStatus) ([]model.DuplicateCandidate, error)
	GetDuplicate(ctx context.Context, id int64) (*model.DuplicateCandidate, error)
	ResolveDuplicate(ctx context.Context, id int64, status model.DuplicateStatus) error
	MergeProducts(ctx context.Context, primary *model.CanonicalProduct, duplicateID uuid.UUID, candidateRowID int64) error

	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// HybridStore is a Redis-first, Postgres-backed store: Postgres is the
// source of truth, Redis caches the hot last-price lookups.
type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	logger *zap.Logger
	ttl    time.Duration
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewHybrid connects Redis and Postgres and returns the combined store.
func NewHybrid(redisAddr, redisPass string, redisDB int, pgURL string, pgPoolConfig PGPoolConfig, cacheTTL time.Duration, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPass,
		DB:       redisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pgPoolConfig.MaxConns > 0 {
		cfg.MaxConns = pgPoolConfig.MaxConns
	}
	if pgPoolConfig.MinConns > 0 {
		cfg.MinConns = pgPoolConfig.MinConns
	}
	if pgPoolConfig.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
	}
	if pgPoolConfig.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
	}
	if pgPoolConfig.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &HybridStore{redis: rdb, PG: pgPool, logger: logger, ttl: cacheTTL}, nil
}

// requiredTables is the schema contract. Migration is owned elsewhere;
// a mismatch at startup is fatal because partial writes against an
// incompatible schema are unacceptable.
var requiredTables = []string{
	"products",
	"source_links",
	"price_history",
	"duplicate_candidates",
}

// VerifySchema checks that all catalog tables exist.
func (s *HybridStore) VerifySchema(ctx context.Context) error {
	const q = `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'catalog';
	`
	rows, err := s.PG.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("%w: schema query failed: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		present[name] = true
	}

	var missing []string
	for _, t := range requiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema mismatch: missing catalog tables %v", missing)
	}
	return nil
}

//
// ────────────────────────────────────────────────
//   Source links & candidate retrieval
// ────────────────────────────────────────────────
//

func (s *HybridStore) GetSourceLink(ctx context.Context, platform, externalID string) (*model.SourceLink, error) {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "get_source_link")
	const q = `
		SELECT product_id, platform, external_id, source_url, first_seen, last_seen
		FROM catalog.source_links
		WHERE platform = $1 AND external_id = $2;
	`
	var link model.SourceLink
	err := s.PG.QueryRow(ctx, q, platform, externalID).Scan(
		&link.ProductID, &link.Platform, &link.ExternalID,
		&link.SourceURL, &link.FirstSeen, &link.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// FindCandidates narrows the matching search space: exact brand and
// category first, so scoring never walks the full catalog.
func (s *HybridStore) FindCandidates(ctx context.Context, brand, category string, limit int) ([]model.CanonicalProduct, error) {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "find_candidates")
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT ` + productColumns + `
		FROM catalog.products
		WHERE is_active
		  AND ($1 = '' OR LOWER(brand) = LOWER($1))
		  AND ($2 = '' OR LOWER(category) = LOWER($2))
		ORDER BY updated_at DESC
		LIMIT $3;
	`
	rows, err := s.PG.Query(ctx, q, brand, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CanonicalProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

//
// ────────────────────────────────────────────────
//   Product reads
// ────────────────────────────────────────────────
//

const productColumns = `
		id, title, description, brand, model, category, subcategory, gtin,
		current_price, original_price, currency, discount_pct,
		availability, rating, review_count,
		product_url, images, specifications, variations,
		is_curated, is_active, last_platform, scraped_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*model.CanonicalProduct, error) {
	var p model.CanonicalProduct
	var images, specs, variations []byte
	err := row.Scan(
		&p.ID, &p.Title, &p.Description, &p.Brand, &p.Model, &p.Category, &p.Subcategory, &p.GTIN,
		&p.CurrentPrice, &p.OriginalPrice, &p.Currency, &p.DiscountPct,
		&p.Availability, &p.Rating, &p.ReviewCount,
		&p.ProductURL, &images, &specs, &variations,
		&p.Curated, &p.Active, &p.LastPlatform, &p.ScrapedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		_ = json.Unmarshal(images, &p.Images)
	}
	if len(specs) > 0 {
		_ = json.Unmarshal(specs, &p.Specifications)
	}
	if len(variations) > 0 {
		_ = json.Unmarshal(variations, &p.Variations)
	}
	return &p, nil
}

func (s *HybridStore) GetProduct(ctx context.Context, id uuid.UUID) (*model.CanonicalProduct, error) {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "get_product")
	const q = `
		SELECT ` + productColumns + `
		FROM catalog.products
		WHERE id = $1;
	`
	p, err := scanProduct(s.PG.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

//
// ────────────────────────────────────────────────
//   Product writes
// ────────────────────────────────────────────────
//

const upsertProductSQL = `
	INSERT INTO catalog.products (
		id, title, description, brand, model, category, subcategory, gtin,
		current_price, original_price, currency, discount_pct,
		availability, rating, review_count,
		product_url, images, specifications, variations,
		is_curated, is_active, last_platform, scraped_at, created_at, updated_at
	)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,NOW(),NOW())
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		brand = EXCLUDED.brand,
		model = EXCLUDED.model,
		category = EXCLUDED.category,
		subcategory = EXCLUDED.subcategory,
		gtin = EXCLUDED.gtin,
		current_price = EXCLUDED.current_price,
		original_price = EXCLUDED.original_price,
		currency = EXCLUDED.currency,
		discount_pct = EXCLUDED.discount_pct,
		availability = EXCLUDED.availability,
		rating = EXCLUDED.rating,
		review_count = EXCLUDED.review_count,
		product_url = EXCLUDED.product_url,
		images = EXCLUDED.images,
		specifications = EXCLUDED.specifications,
		variations = EXCLUDED.variations,
		is_curated = EXCLUDED.is_curated,
		is_active = EXCLUDED.is_active,
		last_platform = EXCLUDED.last_platform,
		scraped_at = EXCLUDED.scraped_at,
		updated_at = NOW();
`

func productArgs(p *model.CanonicalProduct) []any {
	images, _ := json.Marshal(p.Images)
	specs, _ := json.Marshal(p.Specifications)
	variations, _ := json.Marshal(p.Variations)
	return []any{
		p.ID, p.Title, p.Description, p.Brand, p.Model, p.Category, p.Subcategory, p.GTIN,
		p.CurrentPrice, p.OriginalPrice, p.Currency, p.DiscountPct,
		p.Availability, p.Rating, p.ReviewCount,
		p.ProductURL, images, specs, variations,
		p.Curated, p.Active, p.LastPlatform, p.ScrapedAt,
	}
}

// CreateProduct inserts a new canonical product, its first source link
// and its first price-history entry in one transaction. When another
// worker committed the same (platform, external_id) first, the unique
// violation surfaces as ErrConflict and the caller re-matches.
func (s *HybridStore) CreateProduct(ctx context.Context, p *model.CanonicalProduct, link model.SourceLink, entry model.PriceHistoryEntry) error {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "create_product")
	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin failed: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertProductSQL, productArgs(p)...); err != nil {
		return err
	}

	const insertLink = `
		INSERT INTO catalog.source_links (product_id, platform, external_id, source_url, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, NOW(), NOW());
	`
	if _, err := tx.Exec(ctx, insertLink, link.ProductID, link.Platform, link.ExternalID, link.SourceURL); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit failed: %v", ErrUnavailable, err)
	}

	s.cacheLastPrice(ctx, entry)
	return nil
}

// UpdateProduct rewrites the canonical row, refreshes the source link
// and appends the price observation, transactionally.
func (s *HybridStore) UpdateProduct(ctx context.Context, p *model.CanonicalProduct, link model.SourceLink, entry model.PriceHistoryEntry) error {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "update_product")
	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin failed: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertProductSQL, productArgs(p)...); err != nil {
		return err
	}

	const upsertLink = `
		INSERT INTO catalog.source_links (product_id, platform, external_id, source_url, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (platform, external_id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			last_seen = NOW();
	`
	if _, err := tx.Exec(ctx, upsertLink, link.ProductID, link.Platform, link.ExternalID, link.SourceURL); err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit failed: %v", ErrUnavailable, err)
	}

	s.cacheLastPrice(ctx, entry)
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, entry model.PriceHistoryEntry) error {
	const q = `
		INSERT INTO catalog.price_history (product_id, platform, price, currency, change, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := tx.Exec(ctx, q, entry.ProductID, entry.Platform, entry.Price, entry.Currency, entry.Change, entry.RecordedAt)
	return err
}

// DeactivateProduct is the scheduler's soft delete for products no
// source has reported across N sync cycles.
func (s *HybridStore) DeactivateProduct(ctx context.Context, id uuid.UUID) error {
	tag, err := s.PG.Exec(ctx, `
		UPDATE catalog.products SET is_active = FALSE, updated_at = NOW() WHERE id = $1;
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return nil
}

//
// ────────────────────────────────────────────────
//   Price history
// ────────────────────────────────────────────────
//

func lastPriceKey(productID uuid.UUID, platform string) string {
	return fmt.Sprintf("price:last:%s:%s", productID, platform)
}

// LastPrice returns the most recent recorded price for the platform, or
// nil when no prior entry exists. Redis first, Postgres fallback.
func (s *HybridStore) LastPrice(ctx context.Context, productID uuid.UUID, platform string) (*decimal.Decimal, error) {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "last_price")
	var cached string
	if err := s.GetJSON(ctx, lastPriceKey(productID, platform), &cached); err == nil {
		if d, derr := decimal.NewFromString(cached); derr == nil {
			return &d, nil
		}
	}
	if s.PG == nil {
		return nil, nil
	}

	const q = `
		SELECT price
		FROM catalog.price_history
		WHERE product_id = $1 AND platform = $2
		ORDER BY recorded_at DESC
		LIMIT 1;
	`
	var price decimal.Decimal
	err := s.PG.QueryRow(ctx, q, productID, platform).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &price, nil
}

func (s *HybridStore) cacheLastPrice(ctx context.Context, entry model.PriceHistoryEntry) {
	key := lastPriceKey(entry.ProductID, entry.Platform)
	if err := s.SetJSON(ctx, key, entry.Price.String(), s.ttl); err != nil {
		s.logger.Warn("store.cache_last_price_failed", zap.Error(err))
	}
}

//
// ────────────────────────────────────────────────
//   Duplicate candidates
// ────────────────────────────────────────────────
//

func (s *HybridStore) InsertDuplicateCandidate(ctx context.Context, dc *model.DuplicateCandidate) error {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "insert_duplicate")
	const q = `
		INSERT INTO catalog.duplicate_candidates
			(primary_product_id, candidate_product_id, similarity_score, match_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (primary_product_id, candidate_product_id) DO UPDATE SET
			similarity_score = EXCLUDED.similarity_score
		RETURNING id;
	`
	return s.PG.QueryRow(ctx, q, dc.PrimaryID, dc.CandidateID, dc.Score, dc.MatchType, dc.Status).Scan(&dc.ID)
}

func (s *HybridStore) ListDuplicates(ctx context.Context, status model.DuplicateStatus) ([]model.DuplicateCandidate, error) {
	const q = `
		SELECT id, primary_product_id, candidate_product_id, similarity_score, match_type, status, created_at, resolved_at
		FROM catalog.duplicate_candidates
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC;
	`
	rows, err := s.PG.Query(ctx, q, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DuplicateCandidate
	for rows.Next() {
		var dc model.DuplicateCandidate
		if err := rows.Scan(&dc.ID, &dc.PrimaryID, &dc.CandidateID, &dc.Score,
			&dc.MatchType, &dc.Status, &dc.CreatedAt, &dc.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *HybridStore) GetDuplicate(ctx context.Context, id int64) (*model.DuplicateCandidate, error) {
	const q = `
		SELECT id, primary_product_id, candidate_product_id, similarity_score, match_type, status, created_at, resolved_at
		FROM catalog.duplicate_candidates
		WHERE id = $1;
	`
	var dc model.DuplicateCandidate
	err := s.PG.QueryRow(ctx, q, id).Scan(&dc.ID, &dc.PrimaryID, &dc.CandidateID, &dc.Score,
		&dc.MatchType, &dc.Status, &dc.CreatedAt, &dc.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("duplicate candidate %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

func (s *HybridStore) ResolveDuplicate(ctx context.Context, id int64, status model.DuplicateStatus) error {
	tag, err := s.PG.Exec(ctx, `
		UPDATE catalog.duplicate_candidates
		SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending';
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("duplicate candidate %d not pending: %w", id, ErrNotFound)
	}
	return nil
}

// MergeProducts applies an approved duplicate resolution atomically:
// the merged primary is rewritten, the duplicate's source links are
// re-pointed at the primary, the duplicate is deactivated and the
// candidate row is marked merged.
func (s *HybridStore) MergeProducts(ctx context.Context, primary *model.CanonicalProduct, duplicateID uuid.UUID, candidateRowID int64) error {
	defer metrics.ObserveDuration(metrics.StoreOpDuration, time.Now(), "merge_products")
	tx, err := s.PG.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin failed: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertProductSQL, productArgs(primary)...); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE catalog.source_links SET product_id = $1 WHERE product_id = $2;
	`, primary.ID, duplicateID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE catalog.products SET is_active = FALSE, updated_at = NOW() WHERE id = $1;
	`, duplicateID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE catalog.duplicate_candidates SET status = 'merged', resolved_at = NOW() WHERE id = $1;
	`, candidateRowID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit failed: %v", ErrUnavailable, err)
	}
	return nil
}

//
// ────────────────────────────────────────────────
//   Redis cache helpers
// ────────────────────────────────────────────────
//

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
