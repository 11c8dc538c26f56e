package dbquery

import (
	"database/sql"
	"sync"
	"time"
)

var sharedPools = newPoolCache()

// poolCache keeps one *sql.DB per driver and DSN for the life of the
// process.
type poolCache struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func newPoolCache() *poolCache {
	return &poolCache{dbs: make(map[string]*sql.DB)}
}

func (c *poolCache) get(driver, dsn string) (*sql.DB, error) {
	key := driver + "\x00" + dsn
	c.mu.Lock()
	defer c.mu.Unlock()
	if db, ok := c.dbs[key]; ok {
		return db, nil
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer at a time; also keeps ":memory:" databases coherent.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	c.dbs[key] = db
	return db, nil
}

// CloseAll closes every cached pool. It is called on shutdown.
func CloseAll() error {
	return sharedPools.closeAll()
}

func (c *poolCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for key, db := range c.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.dbs, key)
	}
	return firstErr
}
