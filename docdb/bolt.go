// bolt.go -- boltdb based implementation of docdb.DB

package docdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrDuplicateKey is returned when a write would store two documents
	// with the same "_id" or the same unique index key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrTxDone is returned by any use of a committed or rolled back Tx.
	ErrTxDone = errors.New("transaction already finished")

	// ErrIndexNotFound is returned when dropping an unknown index.
	ErrIndexNotFound = errors.New("index not found")

	// ErrIndexExists is returned when an index name is reused with a
	// different definition.
	ErrIndexExists = errors.New("index exists with a different definition")

	// ErrInvalidName is returned for empty collection or index names.
	ErrInvalidName = errors.New("invalid name")

	// ErrImmutableID is returned when an update would change "_id".
	ErrImmutableID = errors.New("_id is immutable")

	// ErrBadOperator is returned for unknown or misplaced operators in
	// filters and updates.
	ErrBadOperator = errors.New("bad operator")
)

// Options control how a database file is opened.
type Options struct {
	// Key, when set, seals every document with AES-256-GCM. It must be
	// 32 bytes long.
	Key []byte

	// Timeout bounds the wait for the file lock. Zero waits forever.
	Timeout time.Duration

	// FileMode is used when the file is created. Defaults to 0600.
	FileMode os.FileMode
}

type bdb struct {
	db *bolt.DB

	// seals document payloads; nil when unencrypted
	c *encryptor
}

var _ DB = &bdb{}

// Open opens the document database in fn, creating it if needed.
func Open(fn string, opt *Options) (DB, error) {
	if opt == nil {
		opt = &Options{}
	}

	var c *encryptor
	if len(opt.Key) > 0 {
		// AES-256-GCM hard coded keysize
		if len(opt.Key) != 32 {
			return nil, fmt.Errorf("db %s: Wrong encryption key size (%d)", fn, len(opt.Key))
		}
		var err error
		if c, err = newEncryptor(opt.Key); err != nil {
			return nil, err
		}
	}

	mode := opt.FileMode
	if mode == 0 {
		mode = 0600
	}

	db, err := bolt.Open(fn, mode, &bolt.Options{Timeout: opt.Timeout})
	if err != nil {
		return nil, fmt.Errorf("db %s: %w", fn, err)
	}

	b := &bdb{
		db: db,
		c:  c,
	}
	return b, nil
}

// Close releases the database file.
func (b *bdb) Close() error {
	return b.db.Close()
}

// Path returns the database file name.
func (b *bdb) Path() string {
	return b.db.Path()
}

// Collection returns a handle to the named collection. Every call on it
// runs in its own boltdb transaction.
func (b *bdb) Collection(name string) Collection {
	return &collection{b: b, name: name}
}

// ListCollectionNames returns the names of all collections.
func (b *bdb) ListCollectionNames() ([]string, error) {
	var names []string
	err := b.db.View(func(btx *bolt.Tx) error {
		return btx.ForEach(func(nm []byte, _ *bolt.Bucket) error {
			names = append(names, string(nm))
			return nil
		})
	})
	if err != nil {
		return nil, &StorageError{"list-collections", "", err}
	}
	return names, nil
}

// Begin starts a new transaction. A transaction holds no boltdb
// transaction between calls, so any number of them can be open.
func (b *bdb) Begin() (Tx, error) {
	return b.newXact(nil), nil
}

// Backup performs a live backup of the database to the provided
// io.Writer, returning the number of bytes written. The database remains
// usable during the backup process.
func (b *bdb) Backup(wr io.Writer) (int64, error) {
	var n int64
	err := b.db.View(func(btx *bolt.Tx) error {
		var err error
		n, err = btx.WriteTo(wr)
		return err
	})
	if err != nil {
		return n, &StorageError{"backup", "", err}
	}
	return n, nil
}

// view runs fn in an implicit read-only transaction.
func (b *bdb) view(fn func(t *xact) error) error {
	err := b.db.View(func(btx *bolt.Tx) error {
		return fn(b.newXact(btx))
	})
	return annotate("view", err)
}

// update runs fn in an implicit read-write transaction and applies
// whatever fn wrote before the boltdb transaction commits.
func (b *bdb) update(fn func(t *xact) error) error {
	err := b.db.Update(func(btx *bolt.Tx) error {
		t := b.newXact(btx)
		if err := fn(t); err != nil {
			return err
		}
		return t.apply(btx, false)
	})
	return annotate("update", err)
}

// collection is a Collection bound directly to the database.
type collection struct {
	b    *bdb
	name string
}

var _ Collection = &collection{}

func (c *collection) Name() string {
	return c.name
}

func (c *collection) CountDocuments() (n int64, err error) {
	err = c.b.view(func(t *xact) error {
		n, err = t.collection(c.name).CountDocuments()
		return err
	})
	return n, err
}

func (c *collection) UpdateOne(filter, update Document, opt UpdateOptions) (r UpdateResult, err error) {
	err = c.b.update(func(t *xact) error {
		r, err = t.collection(c.name).UpdateOne(filter, update, opt)
		return err
	})
	return r, err
}

func (c *collection) UpdateMany(filter, update Document, opt UpdateOptions) (r UpdateResult, err error) {
	err = c.b.update(func(t *xact) error {
		r, err = t.collection(c.name).UpdateMany(filter, update, opt)
		return err
	})
	return r, err
}

func (c *collection) DeleteOne(filter Document) (r DeleteResult, err error) {
	err = c.b.update(func(t *xact) error {
		r, err = t.collection(c.name).DeleteOne(filter)
		return err
	})
	return r, err
}

func (c *collection) DeleteMany(filter Document) (r DeleteResult, err error) {
	err = c.b.update(func(t *xact) error {
		r, err = t.collection(c.name).DeleteMany(filter)
		return err
	})
	return r, err
}

func (c *collection) CreateIndex(idx IndexModel) error {
	return c.b.update(func(t *xact) error {
		return t.collection(c.name).CreateIndex(idx)
	})
}

func (c *collection) DropIndex(name string) error {
	return c.b.update(func(t *xact) error {
		return t.collection(c.name).DropIndex(name)
	})
}

func (c *collection) Drop() error {
	return c.b.update(func(t *xact) error {
		return t.collection(c.name).Drop()
	})
}

func (c *collection) InsertOne(doc Document) (id any, err error) {
	err = c.b.update(func(t *xact) error {
		id, err = t.collection(c.name).InsertOne(doc)
		return err
	})
	return id, err
}

func (c *collection) InsertMany(docs []Document) (r InsertManyResult, err error) {
	err = c.b.update(func(t *xact) error {
		r, err = t.collection(c.name).InsertMany(docs)
		return err
	})
	return r, err
}

func (c *collection) Find(filter Document, opt FindOptions) (docs []Document, err error) {
	err = c.b.view(func(t *xact) error {
		docs, err = t.collection(c.name).Find(filter, opt)
		return err
	})
	return docs, err
}

func (c *collection) FindOne(filter Document) (doc Document, err error) {
	err = c.b.view(func(t *xact) error {
		doc, err = t.collection(c.name).FindOne(filter)
		return err
	})
	return doc, err
}

// StorageError annotates a failure with the operation and the
// collection or key it concerned.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: <%s>: %s", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var _ error = &StorageError{}

// annotate wraps errors that did not come from this package, such as
// boltdb failing to begin or commit.
func annotate(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{op, "", err}
}
