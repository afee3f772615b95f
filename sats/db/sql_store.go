package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/sats-sampler/sats/bitmask"
)

const (
	upsertSQL = `INSERT INTO cache (product_name, bitrange, n_rows, n_cols, n_ok, max_dim_x, max_dim_y, mod_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(product_name) DO UPDATE SET
    bitrange = excluded.bitrange,
    n_rows = excluded.n_rows,
    n_cols = excluded.n_cols,
    n_ok = excluded.n_ok,
    max_dim_x = excluded.max_dim_x,
    max_dim_y = excluded.max_dim_y,
    mod_time = excluded.mod_time`
	selectSQL = `SELECT bitrange, n_rows, n_cols, n_ok, max_dim_x, max_dim_y, mod_time
FROM cache WHERE product_name = ?`
	deleteSQL = `DELETE FROM cache WHERE product_name = ?`
	countSQL  = `SELECT COUNT(*) FROM cache`
)

// connPragmas are applied to every pooled connection.
var connPragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
}

// StoreOptions configures a cache store.
type StoreOptions struct {
	Driver   string
	Path     string
	PoolSize int
	Compress bool
	Logger   zerolog.Logger
}

// SQLCacheStore keeps cache records in one SQLite-compatible table.
//
// It owns PoolSize dedicated connections. Each is lent to one caller at a time; reads run in
// parallel across connections while writes are serialised by a single mutex, since the engine
// allows only one writer.
type SQLCacheStore struct {
	db       *sql.DB
	conns    chan *sql.Conn
	size     int
	writeMu  sync.Mutex
	compress bool
	logger   zerolog.Logger
	closed   atomic.Bool
}

// NewSQLCacheStore opens the database, applies migrations and checks out the connection pool.
// Any failure here is fatal to the caller.
func NewSQLCacheStore(ctx context.Context, opts StoreOptions) (*SQLCacheStore, error) {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
		}
	}

	db, err := openSQL(opts.Driver, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database %s: %w", opts.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to cache database %s: %w", opts.Path, err)
	}
	if err := migrateUp(db, opts.Logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLCacheStore{
		db:       db,
		conns:    make(chan *sql.Conn, opts.PoolSize),
		size:     opts.PoolSize,
		compress: opts.Compress,
		logger:   opts.Logger,
	}
	db.SetMaxIdleConns(opts.PoolSize)

	for i := 0; i < opts.PoolSize; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			s.closeConns()
			_ = db.Close()
			return nil, fmt.Errorf("failed to open pooled connection %d: %w", i, err)
		}
		if err := applyPragmas(ctx, conn); err != nil {
			_ = conn.Close()
			s.closeConns()
			_ = db.Close()
			return nil, fmt.Errorf("failed to configure pooled connection %d: %w", i, err)
		}
		s.conns <- conn
	}

	s.logger.Debug().
		Str("driver", opts.Driver).
		Str("path", opts.Path).
		Int("pool", opts.PoolSize).
		Msg("cache store opened")
	return s, nil
}

func applyPragmas(ctx context.Context, conn *sql.Conn) error {
	for _, pragma := range connPragmas {
		// Some drivers refuse Exec for statements that return a row.
		rows, err := conn.QueryContext(ctx, pragma)
		if err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// acquire borrows a connection, waiting until one is free or ctx ends.
func (s *SQLCacheStore) acquire(ctx context.Context) (*sql.Conn, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	select {
	case conn := <-s.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, ctx.Err())
	}
}

func (s *SQLCacheStore) release(conn *sql.Conn) {
	s.conns <- conn
}

// Get looks up the record for productName.
func (s *SQLCacheStore) Get(ctx context.Context, productName string) (*CacheRecord, bool, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.release(conn)

	var (
		blob                                []byte
		nRows, nCols, nOK, maxDimX, maxDimY int
		modTime                             int64
	)
	err = conn.QueryRowContext(ctx, selectSQL, productName).
		Scan(&blob, &nRows, &nCols, &nOK, &maxDimX, &maxDimY, &modTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache record %s: %w", productName, err)
	}

	mask, err := bitmask.Decode(blob, nRows, nCols, nOK)
	if err != nil {
		return nil, false, fmt.Errorf("cache record %s: %w", productName, err)
	}
	return &CacheRecord{
		Mask:        mask,
		MaxDimX:     maxDimX,
		MaxDimY:     maxDimY,
		ProductName: productName,
		UnixModTime: modTime,
	}, true, nil
}

// Put inserts or replaces the record for rec.ProductName.
func (s *SQLCacheStore) Put(ctx context.Context, rec *CacheRecord) error {
	blob, err := bitmask.Encode(rec.Mask, s.compress)
	if err != nil {
		return fmt.Errorf("failed to encode cache record %s: %w", rec.ProductName, err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = conn.ExecContext(ctx, upsertSQL,
		rec.ProductName, blob,
		rec.Mask.NRows, rec.Mask.NCols, rec.Mask.NOK,
		rec.MaxDimX, rec.MaxDimY, rec.UnixModTime)
	if err != nil {
		return fmt.Errorf("failed to write cache record %s: %w", rec.ProductName, err)
	}
	return nil
}

// Delete removes the record for productName if present.
func (s *SQLCacheStore) Delete(ctx context.Context, productName string) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := conn.ExecContext(ctx, deleteSQL, productName); err != nil {
		return fmt.Errorf("failed to delete cache record %s: %w", productName, err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *SQLCacheStore) Count(ctx context.Context) (int, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.release(conn)

	var n int
	if err := conn.QueryRowContext(ctx, countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache records: %w", err)
	}
	return n, nil
}

// SchemaVersion reports the applied migration version.
func (s *SQLCacheStore) SchemaVersion() (uint, bool, error) {
	return schemaVersion(s.db, s.logger)
}

// PoolSize returns the number of dedicated connections.
func (s *SQLCacheStore) PoolSize() int { return s.size }

// Close waits for every borrowed connection to come back, then closes the pool and database.
func (s *SQLCacheStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	for i := 0; i < s.size; i++ {
		if err := (<-s.conns).Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeConns closes connections checked out so far during a failed open.
func (s *SQLCacheStore) closeConns() {
	for {
		select {
		case conn := <-s.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}
