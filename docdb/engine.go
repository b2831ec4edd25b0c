// engine.go -- schemaless document storage abstraction

// Package docdb is a small embedded document store over etcd/bbolt.
//
// Every collection is a boltdb bucket holding bson documents keyed by
// their "_id". Documents are plain bson.M values; filters and updates
// use a subset of the familiar mongo operators. A collection can be
// used directly, in which case every call is its own boltdb
// transaction, or through a Tx, in which case changes accumulate in
// memory and are applied atomically on Commit.
//
// Document payloads can optionally be sealed with AES-256-GCM.
package docdb

import (
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

// Document is a schemaless document.
type Document = bson.M

// IndexModel describes an index over one or more fields.
type IndexModel struct {
	// Keys are the indexed fields in order; values are 1 or -1.
	Keys bson.D `bson:"keys"`

	// Name defaults to the keys joined as "field_dir".
	Name string `bson:"name"`

	// Unique rejects documents whose key tuple is already present.
	Unique bool `bson:"unique"`
}

// UpdateOptions modify UpdateOne and UpdateMany.
type UpdateOptions struct {
	// Upsert inserts a new document when nothing matches the filter.
	Upsert bool
}

// FindOptions modify Find. Nil fields are not applied.
type FindOptions struct {
	Skip  *int64
	Limit *int64
	Sort  bson.D
}

// UpdateResult reports the outcome of an update.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID any
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Deleted int64
}

// InsertManyResult maps the position of each input document to its id.
type InsertManyResult struct {
	InsertedIDs map[int]any
}

// Collection is the set of operations on a named collection. It is
// implemented both by plain collections of a DB and by collections
// bound to a Tx.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// CountDocuments returns the number of documents in the collection.
	CountDocuments() (int64, error)

	// UpdateOne applies update to the first document matching filter.
	UpdateOne(filter, update Document, opt UpdateOptions) (UpdateResult, error)

	// UpdateMany applies update to every document matching filter.
	UpdateMany(filter, update Document, opt UpdateOptions) (UpdateResult, error)

	// DeleteOne removes the first document matching filter.
	DeleteOne(filter Document) (DeleteResult, error)

	// DeleteMany removes every document matching filter.
	DeleteMany(filter Document) (DeleteResult, error)

	// CreateIndex registers an index; existing documents must satisfy
	// it.
	CreateIndex(idx IndexModel) error

	// DropIndex removes the named index.
	DropIndex(name string) error

	// Drop removes the collection with all its documents and indexes.
	Drop() error

	// InsertOne stores doc and returns its id. A missing "_id" is
	// generated.
	InsertOne(doc Document) (any, error)

	// InsertMany stores all docs or none of them.
	InsertMany(docs []Document) (InsertManyResult, error)

	// Find returns all documents matching filter.
	Find(filter Document, opt FindOptions) ([]Document, error)

	// FindOne returns the first document matching filter or nil.
	FindOne(filter Document) (Document, error)
}

// DB is an open document database.
type DB interface {
	// Collection returns a handle to the named collection. The
	// collection is created on first write.
	Collection(name string) Collection

	// ListCollectionNames returns the names of all collections.
	ListCollectionNames() ([]string, error)

	// Begin starts a new transaction. Any number of transactions can
	// be open at the same time; none of them block other writers.
	Begin() (Tx, error)

	// Backup writes a consistent copy of the database file to wr and
	// returns the number of bytes written.
	Backup(wr io.Writer) (int64, error)

	// Path returns the database file name.
	Path() string

	// Close releases the database file.
	Close() error
}

// Tx is an open unit of work. Changes made through its collections are
// visible to the Tx itself and to nobody else until Commit.
type Tx interface {
	// Collection returns a handle to the named collection as seen by
	// this transaction.
	Collection(name string) Collection

	// Commit applies all changes atomically. After Commit the Tx is no
	// longer usable.
	Commit() error

	// Rollback discards all changes. After Rollback the Tx is no longer
	// usable.
	Rollback() error
}
