package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluiziolira/go-catalog-crawler/models"
)

const createProductsTable = `
CREATE TABLE IF NOT EXISTS catalog_products (
	source          TEXT        NOT NULL,
	product_id      TEXT        NOT NULL,
	title           TEXT        NOT NULL,
	brand           TEXT        NOT NULL DEFAULT '',
	price           NUMERIC(12,2),
	original_price  NUMERIC(12,2),
	currency        TEXT        NOT NULL DEFAULT '',
	available       BOOLEAN     NOT NULL DEFAULT FALSE,
	url             TEXT        NOT NULL,
	image_urls      TEXT[]      NOT NULL DEFAULT '{}',
	category_path   TEXT[]      NOT NULL DEFAULT '{}',
	scraped_at      TIMESTAMPTZ NOT NULL,
	run_id          TEXT        NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (source, product_id)
)`

const upsertProduct = `
INSERT INTO catalog_products
	(source, product_id, title, brand, price, original_price, currency, available, url, image_urls, category_path, scraped_at, run_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (source, product_id) DO UPDATE SET
	title = EXCLUDED.title,
	brand = EXCLUDED.brand,
	price = EXCLUDED.price,
	original_price = EXCLUDED.original_price,
	currency = EXCLUDED.currency,
	available = EXCLUDED.available,
	url = EXCLUDED.url,
	image_urls = EXCLUDED.image_urls,
	category_path = EXCLUDED.category_path,
	scraped_at = EXCLUDED.scraped_at,
	run_id = EXCLUDED.run_id,
	updated_at = NOW()`

// PostgresStore owns the connection pool shared by per-adapter PostgresSinks.
type PostgresStore struct {
	db           *pgxpool.Pool
	writeTimeout time.Duration
}

// NewPostgresStore connects and makes sure the products table exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(ctx, createProductsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create products table: %w", err)
	}
	return &PostgresStore{db: db, writeTimeout: 30 * time.Second}, nil
}

// Sink returns a sink that upserts records for one adapter and run.
func (s *PostgresStore) Sink(runID string) *PostgresSink {
	return &PostgresSink{store: s, runID: runID}
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// PostgresSink mirrors records into catalog_products. Each Write is one
// committed transaction.
type PostgresSink struct {
	store  *PostgresStore
	runID  string
	closed bool
}

// Write upserts records inside a single transaction.
func (ps *PostgresSink) Write(records []models.Record) error {
	if ps.closed {
		return ErrSinkClosed
	}
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ps.store.writeTimeout)
	defer cancel()

	tx, err := ps.store.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(upsertProduct, upsertArgs(rec, ps.runID)...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert products: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit products: %w", err)
	}
	return nil
}

// Close marks the sink closed. The pool is owned by the store.
func (ps *PostgresSink) Close() error {
	ps.closed = true
	return nil
}

func upsertArgs(rec models.Record, runID string) []any {
	return []any{
		rec.Source,
		rec.ProductID,
		rec.Title,
		rec.Brand,
		nullablePrice(rec.Price),
		nullablePrice(rec.OriginalPrice),
		strings.ToUpper(rec.Currency),
		rec.Available,
		rec.URL,
		nonNil(rec.ImageURLs),
		nonNil(rec.CategoryPath),
		rec.ScrapedAt.UTC(),
		runID,
	}
}

func nullablePrice(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
