package core

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBPool hands out one shared *sql.DB per sqlite file
type DBPool struct {
	// key: database path, value: *DatabasePool
	pools sync.Map

	maxReadConns    int
	maxWriteConns   int
	maxIdleConns    int
	connMaxLifetime time.Duration

	createMu sync.Mutex
}

// DatabasePool holds the read and write handles of a single database
type DatabasePool struct {
	readPool  *sql.DB
	writePool *sql.DB
	mu        sync.Mutex
	path      string
	refCount  int64
}

func NewDBPool(c DBConfig) *DBPool {
	dp := &DBPool{
		maxReadConns:    c.MaxReadConns,
		maxWriteConns:   c.MaxWriteConns,
		maxIdleConns:    c.MaxIdleConns,
		connMaxLifetime: c.ConnMaxLifetime.Duration,
	}
	if dp.maxReadConns <= 0 {
		dp.maxReadConns = 10
	}
	if dp.maxWriteConns <= 0 {
		dp.maxWriteConns = 1
	}
	return dp
}

func (dp *DBPool) getDatabasePool(dbPath string) (*DatabasePool, error) {
	if pool, ok := dp.pools.Load(dbPath); ok {
		dbPool := pool.(*DatabasePool)
		dbPool.mu.Lock()
		dbPool.refCount++
		dbPool.mu.Unlock()
		return dbPool, nil
	}

	dp.createMu.Lock()
	defer dp.createMu.Unlock()

	// Double-check after acquiring lock
	if pool, ok := dp.pools.Load(dbPath); ok {
		dbPool := pool.(*DatabasePool)
		dbPool.mu.Lock()
		dbPool.refCount++
		dbPool.mu.Unlock()
		return dbPool, nil
	}

	dbPool := &DatabasePool{path: dbPath, refCount: 1}

	readDB, err := dp.createConnection(dbPath, true)
	if err != nil {
		return nil, err
	}
	dbPool.readPool = readDB

	writeDB, err := dp.createConnection(dbPath, false)
	if err != nil {
		readDB.Close()
		return nil, err
	}
	dbPool.writePool = writeDB

	dp.pools.Store(dbPath, dbPool)
	return dbPool, nil
}

func (dp *DBPool) createConnection(dbPath string, readOnly bool) (*sql.DB, error) {
	// _txlock=immediate takes the write lock at BEGIN so two writers never deadlock on upgrade
	param := "?_journal=WAL&mode=rwc&_busy_timeout=10000&_txlock=immediate&_sync=FULL"

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o766); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ERR_OPEN_DB)
	}

	db, err := sql.Open("sqlite3", dbPath+param)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ERR_OPEN_DB)
	}

	if readOnly {
		db.SetMaxOpenConns(dp.maxReadConns)
	} else {
		db.SetMaxOpenConns(dp.maxWriteConns)
	}
	db.SetMaxIdleConns(dp.maxIdleConns)
	db.SetConnMaxLifetime(dp.connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %v: %w", dbPath, err, ERR_OPEN_DB)
	}
	return db, nil
}

// ReadDB returns the read handle of the database at dbPath.
func (dp *DBPool) ReadDB(dbPath string) (*sql.DB, error) {
	dbPool, err := dp.getDatabasePool(dbPath)
	if err != nil {
		return nil, err
	}
	return dbPool.readPool, nil
}

// WriteDB returns the write handle of the database at dbPath; every caller pairs it with Release.
func (dp *DBPool) WriteDB(dbPath string) (*sql.DB, error) {
	dbPool, err := dp.getDatabasePool(dbPath)
	if err != nil {
		return nil, err
	}
	return dbPool.writePool, nil
}

// Release drops one reference; the handles close with the last one.
func (dp *DBPool) Release(dbPath string) {
	if pool, ok := dp.pools.Load(dbPath); ok {
		dbPool := pool.(*DatabasePool)
		dbPool.mu.Lock()
		dbPool.refCount--
		if dbPool.refCount <= 0 {
			dbPool.readPool.Close()
			dbPool.writePool.Close()
			dp.pools.Delete(dbPath)
		}
		dbPool.mu.Unlock()
	}
}

// Close closes all database connections in the pool
func (dp *DBPool) Close() {
	dp.pools.Range(func(key, value interface{}) bool {
		dbPool := value.(*DatabasePool)
		dbPool.readPool.Close()
		dbPool.writePool.Close()
		dp.pools.Delete(key)
		return true
	})
}

// Stats returns open/idle connection counts over all pooled databases
func (dp *DBPool) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	poolCount, openConns, idleConns := 0, 0, 0
	dp.pools.Range(func(key, value interface{}) bool {
		dbPool := value.(*DatabasePool)
		poolCount++
		for _, db := range []*sql.DB{dbPool.readPool, dbPool.writePool} {
			s := db.Stats()
			openConns += s.OpenConnections
			idleConns += s.Idle
		}
		return true
	})
	stats["pool_count"] = poolCount
	stats["open_connections"] = openConns
	stats["idle_connections"] = idleConns
	return stats
}

// Paths lists the databases currently open in the pool.
func (dp *DBPool) Paths() []string {
	var paths []string
	dp.pools.Range(func(key, value interface{}) bool {
		paths = append(paths, key.(string))
		return true
	})
	return paths
}
