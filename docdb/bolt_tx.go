// bolt_tx.go - overlay transactions over boltdb

package docdb

import (
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	bolt "go.etcd.io/bbolt"
)

var (
	docsBucket  = []byte("docs")
	indexBucket = []byte("indexes")
)

// xact accumulates the writes of a unit of work. Implicit transactions
// (plain collection calls) carry the boltdb transaction they run in;
// explicit ones (Begin) read committed state through short boltdb read
// transactions and hold nothing between calls.
type xact struct {
	b   *bdb
	btx *bolt.Tx

	colls map[string]*overlay
	done  bool
}

var _ Tx = &xact{}

// overlay is the pending state of one collection. A nil document or
// index marks a deletion.
type overlay struct {
	dropped bool
	touched bool
	docs    map[string][]byte
	indexes map[string]*IndexModel

	// keys first written by an insert; they must still be free at commit
	inserted map[string]bool
}

func newOverlay() *overlay {
	return &overlay{
		docs:     make(map[string][]byte),
		indexes:  make(map[string]*IndexModel),
		inserted: make(map[string]bool),
	}
}

// entry is one stored document; key is the encoded "_id".
type entry struct {
	key string
	doc Document
}

// view is the state of a collection as seen by a transaction: the
// committed state with the overlay applied on top.
type view struct {
	name    string
	entries []entry
	indexes map[string]IndexModel

	// built on first lookup by key
	keys map[string]struct{}
}

// create a new xact instance and record the encryptor
func (b *bdb) newXact(btx *bolt.Tx) *xact {
	return &xact{
		b:     b,
		btx:   btx,
		colls: make(map[string]*overlay),
	}
}

func (t *xact) Collection(name string) Collection {
	return t.collection(name)
}

func (t *xact) collection(name string) *txCollection {
	return &txCollection{t: t, name: name}
}

func (t *xact) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	if len(t.colls) == 0 {
		return nil
	}

	err := t.b.db.Update(func(btx *bolt.Tx) error {
		return t.apply(btx, true)
	})
	t.colls = nil
	return annotate("commit", err)
}

func (t *xact) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.colls = nil
	return nil
}

func (t *xact) overlay(name string) *overlay {
	ov, ok := t.colls[name]
	if !ok {
		ov = newOverlay()
		t.colls[name] = ov
	}
	return ov
}

// read runs fn against committed state.
func (t *xact) read(fn func(btx *bolt.Tx) error) error {
	if t.btx != nil {
		return fn(t.btx)
	}
	return t.b.db.View(fn)
}

// load builds the view of collection nm.
func (t *xact) load(nm string) (*view, error) {
	ov := t.colls[nm]

	var base *view
	if ov == nil || !ov.dropped {
		err := t.read(func(btx *bolt.Tx) error {
			var err error
			base, err = t.b.readBase(btx, nm)
			return err
		})
		if err != nil {
			return nil, &StorageError{"load", nm, err}
		}
	} else {
		base = &view{name: nm, indexes: make(map[string]IndexModel)}
	}

	if ov == nil {
		return base, nil
	}

	for name, idx := range ov.indexes {
		if idx == nil {
			delete(base.indexes, name)
		} else {
			base.indexes[name] = *idx
		}
	}

	if len(ov.docs) == 0 {
		return base, nil
	}

	merged := make(map[string]Document, len(base.entries)+len(ov.docs))
	for _, e := range base.entries {
		merged[e.key] = e.doc
	}
	for k, raw := range ov.docs {
		if raw == nil {
			delete(merged, k)
			continue
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, &StorageError{"load", nm, err}
		}
		merged[k] = doc
	}

	base.entries = base.entries[:0]
	for k, doc := range merged {
		base.entries = append(base.entries, entry{k, doc})
	}
	sortEntries(base.entries)
	return base, nil
}

// readBase reads the committed documents and indexes of collection nm.
func (b *bdb) readBase(btx *bolt.Tx, nm string) (*view, error) {
	v := &view{
		name:    nm,
		indexes: make(map[string]IndexModel),
	}

	bu := btx.Bucket([]byte(nm))
	if bu == nil {
		return v, nil
	}

	if ib := bu.Bucket(indexBucket); ib != nil {
		err := ib.ForEach(func(k, val []byte) error {
			var idx IndexModel
			if err := bson.Unmarshal(val, &idx); err != nil {
				return fmt.Errorf("index %s: %w", k, err)
			}
			v.indexes[string(k)] = idx
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	db := bu.Bucket(docsBucket)
	if db == nil {
		return v, nil
	}

	err := db.ForEach(func(k, val []byte) error {
		var raw []byte
		if b.c != nil {
			var err error
			if raw, err = b.c.open(k, val); err != nil {
				return err
			}
		} else {
			// boltdb memory is only valid for the life of btx
			raw = append([]byte(nil), val...)
		}
		doc, err := decode(raw)
		if err != nil {
			return err
		}

		key := string(k)
		if b.c != nil {
			// stored keys are hashed; recover the real one from the doc
			if key, err = idKey(doc["_id"]); err != nil {
				return err
			}
		}
		v.entries = append(v.entries, entry{key, doc})
		return nil
	})
	if b.c != nil {
		sortEntries(v.entries)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *xact) putDoc(nm, key string, doc Document) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return &StorageError{"encode", nm, err}
	}
	ov := t.overlay(nm)
	ov.docs[key] = raw
	ov.touched = true
	return nil
}

// markInserted records that key is new to the collection. A key this
// transaction deleted earlier replaces a document it has seen and is not
// new.
func (t *xact) markInserted(nm, key string) {
	ov := t.overlay(nm)
	if raw, ok := ov.docs[key]; ok && raw == nil {
		return
	}
	ov.inserted[key] = true
}

func (t *xact) delDoc(nm, key string) {
	ov := t.overlay(nm)
	ov.docs[key] = nil
	delete(ov.inserted, key)
}

func (t *xact) putIndex(nm string, idx IndexModel) {
	ov := t.overlay(nm)
	ov.indexes[idx.Name] = &idx
	ov.touched = true
}

func (t *xact) delIndex(nm, name string) {
	t.overlay(nm).indexes[name] = nil
}

func (t *xact) drop(nm string) {
	ov := newOverlay()
	ov.dropped = true
	t.colls[nm] = ov
}

// apply writes every overlay into btx. Explicit transactions validated
// their inserts and unique indexes against a state that may have changed
// since, so both are checked again here.
func (t *xact) apply(btx *bolt.Tx, recheck bool) error {
	names := make([]string, 0, len(t.colls))
	for nm := range t.colls {
		names = append(names, nm)
	}
	sort.Strings(names)

	for _, nm := range names {
		ov := t.colls[nm]
		bn := []byte(nm)

		if ov.dropped && btx.Bucket(bn) != nil {
			if err := btx.DeleteBucket(bn); err != nil {
				return &StorageError{"drop", nm, err}
			}
		}

		if !ov.touched && !t.hasDeletes(ov) {
			continue
		}

		bu, err := btx.CreateBucketIfNotExists(bn)
		if err != nil {
			return &StorageError{"new-bucket", nm, err}
		}
		db, err := bu.CreateBucketIfNotExists(docsBucket)
		if err != nil {
			return &StorageError{"new-bucket", nm, err}
		}
		ib, err := bu.CreateBucketIfNotExists(indexBucket)
		if err != nil {
			return &StorageError{"new-bucket", nm, err}
		}

		for name, idx := range ov.indexes {
			if idx == nil {
				err = ib.Delete([]byte(name))
			} else {
				var raw []byte
				if raw, err = bson.Marshal(idx); err == nil {
					err = ib.Put([]byte(name), raw)
				}
			}
			if err != nil {
				return &StorageError{"index", nm, err}
			}
		}

		for k, raw := range ov.docs {
			key := []byte(k)
			if t.b.c != nil {
				key = t.b.c.dbKey(k)
			}
			if raw == nil {
				err = db.Delete(key)
			} else {
				if recheck && ov.inserted[k] && db.Get(key) != nil {
					return &StorageError{"commit", nm, fmt.Errorf("%w: _id key %q", ErrDuplicateKey, k)}
				}
				if t.b.c != nil {
					raw = t.b.c.seal(key, raw)
				}
				err = db.Put(key, raw)
			}
			if err != nil {
				return &StorageError{"put", nm, err}
			}
		}

		if recheck && ov.touched {
			v, err := t.b.readBase(btx, nm)
			if err != nil {
				return &StorageError{"commit", nm, err}
			}
			if err := checkUnique(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *xact) hasDeletes(ov *overlay) bool {
	for _, raw := range ov.docs {
		if raw == nil {
			return true
		}
	}
	for _, idx := range ov.indexes {
		if idx == nil {
			return true
		}
	}
	return false
}

func decode(raw []byte) (Document, error) {
	var doc Document
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func sortEntries(v []entry) {
	sort.Slice(v, func(i, j int) bool {
		return v[i].key < v[j].key
	})
}
