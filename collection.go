// collection.go -- typed collections over plain and transactional backends

package persist

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/opencoff/persist/docdb"
)

// Document is a schemaless document.
type Document = docdb.Document

// engine types used unchanged by callers
type (
	IndexModel       = docdb.IndexModel
	FindOptions      = docdb.FindOptions
	UpdateOptions    = docdb.UpdateOptions
	UpdateResult     = docdb.UpdateResult
	DeleteResult     = docdb.DeleteResult
	InsertManyResult = docdb.InsertManyResult
)

// Collection is a descriptor of a named collection, either bound to the
// database directly or to one of its open transactions. Documents are
// stored untyped; T is converted with bson at the edge.
type Collection[T any] struct {
	db   Database
	name string
	tx   *uuid.UUID
}

// CollectionOf returns the collection name of db.
func CollectionOf[T any](db Database, name string) Collection[T] {
	return Collection[T]{db: db, name: name}
}

// TransactionCollectionOf returns the collection name as seen by tx.
func TransactionCollectionOf[T any](tx Transaction, name string) Collection[T] {
	id := tx.id
	return Collection[T]{db: tx.db, name: name, tx: &id}
}

// Name returns the collection name.
func (c Collection[T]) Name() string {
	return c.name
}

// Database returns the owning database.
func (c Collection[T]) Database() Database {
	return c.db
}

// TransactionID returns the transaction the collection is bound to, if
// any.
func (c Collection[T]) TransactionID() (uuid.UUID, bool) {
	if c.tx == nil {
		return uuid.UUID{}, false
	}
	return *c.tx, true
}

// run resolves the backend once and calls fn on it. Calls through a
// transaction hold that transaction's lock for their duration.
func (c Collection[T]) run(fn func(col docdb.Collection) error) error {
	return c.db.with(func(s *dbState) error {
		if c.tx == nil {
			if err := fn(s.db.Collection(c.name)); err != nil {
				return errDatabase("", err)
			}
			return nil
		}

		id := c.tx.String()
		ts, err := s.transaction(*c.tx)
		if err != nil {
			return err
		}

		ts.mu.Lock()
		defer ts.mu.Unlock()
		if err := fn(ts.tx.Collection(c.name)); err != nil {
			return errDatabase(id, err)
		}
		return nil
	})
}

// CountDocuments returns the number of documents.
func (c Collection[T]) CountDocuments() (n int64, err error) {
	err = c.run(func(col docdb.Collection) error {
		n, err = col.CountDocuments()
		return err
	})
	return n, err
}

// UpdateOne updates the first document matching filter.
func (c Collection[T]) UpdateOne(filter, update Document, opt UpdateOptions) (r UpdateResult, err error) {
	err = c.run(func(col docdb.Collection) error {
		r, err = col.UpdateOne(filter, update, opt)
		return err
	})
	return r, err
}

// UpdateMany updates every document matching filter.
func (c Collection[T]) UpdateMany(filter, update Document, opt UpdateOptions) (r UpdateResult, err error) {
	err = c.run(func(col docdb.Collection) error {
		r, err = col.UpdateMany(filter, update, opt)
		return err
	})
	return r, err
}

// DeleteOne deletes the first document matching filter.
func (c Collection[T]) DeleteOne(filter Document) (r DeleteResult, err error) {
	err = c.run(func(col docdb.Collection) error {
		r, err = col.DeleteOne(filter)
		return err
	})
	return r, err
}

// DeleteMany deletes every document matching filter.
func (c Collection[T]) DeleteMany(filter Document) (r DeleteResult, err error) {
	err = c.run(func(col docdb.Collection) error {
		r, err = col.DeleteMany(filter)
		return err
	})
	return r, err
}

// CreateIndex adds an index.
func (c Collection[T]) CreateIndex(idx IndexModel) error {
	return c.run(func(col docdb.Collection) error {
		return col.CreateIndex(idx)
	})
}

// DropIndex removes the index called name.
func (c Collection[T]) DropIndex(name string) error {
	return c.run(func(col docdb.Collection) error {
		return col.DropIndex(name)
	})
}

// Drop removes the collection.
func (c Collection[T]) Drop() error {
	return c.run(func(col docdb.Collection) error {
		return col.Drop()
	})
}

// InsertOne stores v and returns its id.
func (c Collection[T]) InsertOne(v T) (id any, err error) {
	doc, err := toDocument(v)
	if err != nil {
		return nil, err
	}
	err = c.run(func(col docdb.Collection) error {
		id, err = col.InsertOne(doc)
		return err
	})
	return id, err
}

// InsertMany stores all of vs or none of them and maps each input
// position to its id.
func (c Collection[T]) InsertMany(vs []T) (map[int]any, error) {
	docs := make([]Document, 0, len(vs))
	for _, v := range vs {
		doc, err := toDocument(v)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	var r InsertManyResult
	err := c.run(func(col docdb.Collection) error {
		var err error
		r, err = col.InsertMany(docs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.InsertedIDs, nil
}

// Find returns every document matching filter, sorted, then skipped,
// then limited as opt says.
func (c Collection[T]) Find(filter Document, opt FindOptions) ([]T, error) {
	var docs []Document
	err := c.run(func(col docdb.Collection) error {
		var err error
		docs, err = col.Find(filter, opt)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := fromDocument[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FindOne returns the first document matching filter or nil.
func (c Collection[T]) FindOne(filter Document) (*T, error) {
	var doc Document
	err := c.run(func(col docdb.Collection) error {
		var err error
		doc, err = col.FindOne(filter)
		return err
	})
	if err != nil || doc == nil {
		return nil, err
	}

	v, err := fromDocument[T](doc)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func toDocument[T any](v T) (Document, error) {
	if d, ok := any(v).(Document); ok {
		return d, nil
	}

	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, errSerialization(err)
	}
	var doc Document
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, errSerialization(err)
	}
	return doc, nil
}

func fromDocument[T any](doc Document) (T, error) {
	var v T
	if d, ok := any(&v).(*Document); ok {
		*d = doc
		return v, nil
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return v, errDeserialization(err)
	}
	if err := bson.Unmarshal(raw, &v); err != nil {
		return v, errDeserialization(err)
	}
	return v, nil
}
