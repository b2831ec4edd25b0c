// database.go -- per-context registry of open databases

package persist

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencoff/persist/docdb"
)

// dbState is one open database of a context.
type dbState struct {
	alias string
	path  string // relative to the context root
	abs   string

	// live is held shared by every operation and exclusively by close,
	// so the engine is never closed under a running call.
	live   sync.RWMutex
	db     docdb.DB
	closed bool

	txMu sync.Mutex
	txs  map[uuid.UUID]*txState
}

// Database is a descriptor of an open database: the owning context plus
// the alias. Every call re-resolves the live database.
type Database struct {
	ctx   Context
	alias string
	path  string
}

// DatabaseInfo describes a database.
type DatabaseInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// OpenDatabase returns the database aliased as alias, opening (or
// creating) the file rel if the alias is not open yet. Reopening an alias
// with a different path fails.
func (c Context) OpenDatabase(alias, rel string) (Database, error) {
	cs, err := c.state()
	if err != nil {
		return Database{}, err
	}
	abs, err := resolve(cs.root, rel)
	if err != nil {
		return Database{}, err
	}

	// held across the check, the open and the insert so that two first
	// opens of one alias cannot both open the file
	cs.dbMu.Lock()
	defer cs.dbMu.Unlock()

	if cs.closed {
		return Database{}, errUnknownContext(c.name)
	}
	if d, ok := cs.dbs[alias]; ok {
		if d.path != rel {
			return Database{}, errOpenDatabase(alias, c.name, rel, "database is already open at "+d.path, nil)
		}
		return Database{ctx: c, alias: alias, path: rel}, nil
	}

	fi, err := lookupFile(abs)
	if err != nil {
		return Database{}, errOpenDatabase(alias, c.name, rel, err.Error(), err)
	}
	if fi != nil && !fi.Mode().IsRegular() {
		return Database{}, errOpenDatabase(alias, c.name, rel, "not a regular file", nil)
	}
	if fi == nil {
		if err := os.MkdirAll(filepath.Dir(abs), c.m.cfg.DirMode); err != nil {
			return Database{}, errOpenDatabase(alias, c.name, rel, err.Error(), err)
		}
	}

	db, err := docdb.Open(abs, &docdb.Options{
		Key:      c.m.cfg.DBKey,
		Timeout:  c.m.cfg.DBOpenTimeout,
		FileMode: c.m.cfg.DBFileMode,
	})
	if err != nil {
		return Database{}, errOpenDatabase(alias, c.name, rel, err.Error(), err)
	}

	cs.dbs[alias] = &dbState{
		alias: alias,
		path:  rel,
		abs:   abs,
		db:    db,
		txs:   make(map[uuid.UUID]*txState),
	}
	c.m.log.Info("database opened", zap.String("context", c.name),
		zap.String("database", alias), zap.String("path", abs))
	return Database{ctx: c, alias: alias, path: rel}, nil
}

// Database returns the open database aliased as alias.
func (c Context) Database(alias string) (Database, error) {
	cs, err := c.state()
	if err != nil {
		return Database{}, err
	}

	cs.dbMu.Lock()
	d, ok := cs.dbs[alias]
	cs.dbMu.Unlock()

	if !ok {
		return Database{}, errUnknownDatabase(alias)
	}
	return Database{ctx: c, alias: alias, path: d.path}, nil
}

// CloseDatabase closes the database aliased as alias. Open transactions
// are rolled back.
func (c Context) CloseDatabase(alias string) error {
	cs, err := c.state()
	if err != nil {
		return err
	}

	cs.dbMu.Lock()
	d, ok := cs.dbs[alias]
	if ok {
		delete(cs.dbs, alias)
	}
	cs.dbMu.Unlock()

	if !ok {
		return errUnknownDatabase(alias)
	}
	return c.m.closeDB(cs, d)
}

// closeDB waits for in-flight operations, rolls back what is still open
// and releases the file. d must already be unreachable.
func (m *Manager) closeDB(cs *contextState, d *dbState) error {
	d.live.Lock()
	defer d.live.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	d.txMu.Lock()
	txs := d.txs
	d.txs = nil
	d.txMu.Unlock()

	for id, ts := range txs {
		ts.mu.Lock()
		if err := ts.tx.Rollback(); err != nil {
			m.log.Warn("rollback on close", zap.String("database", d.alias),
				zap.String("transaction", id.String()), zap.Error(err))
		}
		ts.mu.Unlock()
	}

	if err := d.db.Close(); err != nil {
		m.log.Warn("database close", zap.String("context", cs.name),
			zap.String("database", d.alias), zap.Error(err))
		return errDatabase("", err)
	}
	m.log.Info("database closed", zap.String("context", cs.name),
		zap.String("database", d.alias), zap.Int("rolled_back", len(txs)))
	return nil
}

// Name returns the alias.
func (d Database) Name() string {
	return d.alias
}

// Path returns the database path relative to the context root.
func (d Database) Path() string {
	return d.path
}

// Context returns the owning context.
func (d Database) Context() Context {
	return d.ctx
}

// Info returns the identity of the database.
func (d Database) Info() DatabaseInfo {
	return DatabaseInfo{Name: d.alias, Path: d.path}
}

// AbsolutePath resolves the database path inside the context root.
func (d Database) AbsolutePath() (string, error) {
	return d.ctx.AbsolutePath(d.path)
}

// Close closes the database; later calls through any descriptor of it
// fail with an unknown database error.
func (d Database) Close() error {
	return d.ctx.CloseDatabase(d.alias)
}

// with runs fn on the live database while holding it open.
func (d Database) with(fn func(s *dbState) error) error {
	cs, err := d.ctx.state()
	if err != nil {
		return err
	}

	cs.dbMu.Lock()
	s, ok := cs.dbs[d.alias]
	cs.dbMu.Unlock()
	if !ok {
		return errUnknownDatabase(d.alias)
	}

	s.live.RLock()
	defer s.live.RUnlock()
	if s.closed {
		return errUnknownDatabase(d.alias)
	}
	return fn(s)
}

// Collections returns the names of all collections, sorted.
func (d Database) Collections() ([]string, error) {
	var names []string
	err := d.with(func(s *dbState) error {
		var err error
		if names, err = s.db.ListCollectionNames(); err != nil {
			return errDatabase("", err)
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Backup writes a consistent copy of the database file to w.
func (d Database) Backup(w io.Writer) (int64, error) {
	var n int64
	err := d.with(func(s *dbState) error {
		var err error
		if n, err = s.db.Backup(w); err != nil {
			return errDatabase("", err)
		}
		return nil
	})
	return n, err
}
