// Package dbpool implements a bounded pool of keyed SQLite handles,
// grounded on the original connection pool's queue+mutex+condition
// variable design, adapted to the ncruces/go-sqlite3 pure-Go driver
// and Go's sync.Cond.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cgorski03/magic-folder-sub000/internal/cryptoenv"
)

// ErrShuttingDown is returned by Acquire once Shutdown has been called.
var ErrShuttingDown = errors.New("dbpool: pool is shutting down")

// keyCheckPlaintext is sealed into a dedicated table on first open and
// unsealed on every subsequent open to verify the caller's key before
// any real query runs.
const keyCheckPlaintext = "magicfolder-key-check-v1"

// Config controls how the pool opens each handle.
type Config struct {
	Path string
	Size int
	// Key is the 32-byte database encryption key (see internal/dbkey).
	// Open seals/unseals a sentinel value with it before handing out any
	// handle, so a wrong key fails at startup instead of surfacing on
	// the first real query against an encrypted column.
	Key []byte
}

// Pool is a bounded set of open *sql.DB handles. Unlike database/sql's
// own internal connection pooling (which is per-*sql.DB and oblivious
// to our at-rest encryption probe), Pool hands out whole *sql.DB
// handles, each opened once at startup and verified with a probe
// query, so a wrong key fails fast instead of surfacing on the first
// real query.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*sql.DB
	all      []*sql.DB
	shutdown bool
}

// Open creates Size handles against Path, each with foreign_keys and
// WAL pragmas applied, and returns a Pool ready for Acquire/Release.
func Open(cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("dbpool: size must be > 0, got %d", cfg.Size)
	}
	seal, err := cryptoenv.New(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("dbpool: %w", err)
	}

	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < cfg.Size; i++ {
		db, err := openHandle(cfg.Path, seal)
		if err != nil {
			p.closeAllLocked()
			return nil, fmt.Errorf("dbpool: open handle %d/%d: %w", i+1, cfg.Size, err)
		}
		p.all = append(p.all, db)
		p.idle = append(p.idle, db)
	}
	return p, nil
}

func openHandle(path string, seal *cryptoenv.Sealer) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply foreign_keys pragma: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal_mode pragma: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("probe query failed: %w", err)
	}
	// Key-verifying probe: seal/unseal a known sentinel so a wrong key
	// fails here, before any caller sees a handle, rather than on the
	// first real read against an encrypted column.
	if err := verifyKey(db, seal); err != nil {
		db.Close()
		return nil, fmt.Errorf("key verification failed: %w", err)
	}
	return db, nil
}

func verifyKey(db *sql.DB, seal *cryptoenv.Sealer) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS key_check (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		sealed_value BLOB NOT NULL
	)`); err != nil {
		return fmt.Errorf("create key_check table: %w", err)
	}

	var sealed []byte
	err := db.QueryRow(`SELECT sealed_value FROM key_check WHERE id = 1`).Scan(&sealed)
	if err == sql.ErrNoRows {
		sealedValue, sealErr := seal.Seal([]byte(keyCheckPlaintext))
		if sealErr != nil {
			return fmt.Errorf("seal key-check sentinel: %w", sealErr)
		}
		_, err = db.Exec(`INSERT INTO key_check (id, sealed_value) VALUES (1, ?)`, sealedValue)
		return err
	}
	if err != nil {
		return fmt.Errorf("read key-check sentinel: %w", err)
	}

	plain, err := seal.Open(sealed)
	if err != nil {
		return fmt.Errorf("sentinel did not decrypt: %w", err)
	}
	if string(plain) != keyCheckPlaintext {
		return fmt.Errorf("sentinel mismatch")
	}
	return nil
}

// Acquire blocks until a handle is available or ctx is done or the
// pool is shut down.
func (p *Pool) Acquire(ctx context.Context) (*sql.DB, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.shutdown {
			return nil, ErrShuttingDown
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(p.idle) > 0 {
			db := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			return db, nil
		}
		p.cond.Wait()
	}
}

// Release returns a handle to the pool and wakes one waiter.
func (p *Pool) Release(db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}
	p.idle = append(p.idle, db)
	p.cond.Signal()
}

// WithConn is the scoped-acquisition helper: it acquires a handle, runs
// fn, and guarantees release on every exit path including panics.
func (p *Pool) WithConn(ctx context.Context, fn func(*sql.DB) error) error {
	db, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(db)
	return fn(db)
}

// Shutdown drains the pool, wakes all waiters, and causes subsequent
// Acquire calls to fail with ErrShuttingDown. It closes every handle
// right away, including ones currently checked out.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.shutdown = true
	p.cond.Broadcast()
	err := p.closeAllLocked()
	p.mu.Unlock()
	return err
}

func (p *Pool) closeAllLocked() error {
	var firstErr error
	for _, db := range p.all {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.all = nil
	p.idle = nil
	return firstErr
}
