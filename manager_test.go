package persist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"github.com/opencoff/persist/docdb"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		assert.NoError(t, m.Cleanup())
	})
	return m
}

type person struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
	Age  int    `bson:"age"`
}

func TestContextLifecycle(t *testing.T) {
	m := newManager(t)
	dir := t.TempDir()

	c, err := m.OpenContext("main", filepath.Join(dir, "new", "root"))
	require.NoError(t, err)
	assert.Equal(t, "main", c.Name())
	assert.DirExists(t, filepath.Join(dir, "new", "root"))

	// same name and path is the same context
	c2, err := m.OpenContext("main", filepath.Join(dir, "new", "root"))
	require.NoError(t, err)
	assert.Equal(t, c.Info(), c2.Info())

	_, err = m.OpenContext("main", dir)
	assert.ErrorIs(t, err, ErrOpenContext)

	f := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(f, nil, 0644))
	_, err = m.OpenContext("file", f)
	assert.ErrorIs(t, err, ErrOpenContext)

	_, err = m.OpenContext("other", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "other"}, m.ContextNames())

	got, err := m.Context("main")
	require.NoError(t, err)
	assert.Equal(t, c.Path(), got.Path())

	require.NoError(t, c.Close())
	_, err = m.Context("main")
	assert.ErrorIs(t, err, ErrUnknownContext)
	_, err = c.BasePath()
	assert.ErrorIs(t, err, ErrUnknownContext)
	assert.ErrorIs(t, c.Close(), ErrUnknownContext)

	var zero Context
	_, err = zero.BasePath()
	assert.ErrorIs(t, err, ErrUnknownContext)
}

func TestDatabaseRoundTrip(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("proj", t.TempDir())
	require.NoError(t, err)

	db, err := c.OpenDatabase("main", "data/data.db")
	require.NoError(t, err)

	abs, err := db.AbsolutePath()
	require.NoError(t, err)
	assert.FileExists(t, abs)

	people := CollectionOf[person](db, "people")
	id, err := people.InsertOne(person{ID: "p1", Name: "ann", Age: 31})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	ids, err := people.InsertMany([]person{{ID: "p2", Name: "bob", Age: 25}, {ID: "p3", Name: "cat", Age: 42}})
	require.NoError(t, err)
	assert.Equal(t, map[int]any{0: "p2", 1: "p3"}, ids)

	got, err := people.FindOne(Document{"name": "bob"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, person{ID: "p2", Name: "bob", Age: 25}, *got)

	none, err := people.FindOne(Document{"name": "zed"})
	require.NoError(t, err)
	assert.Nil(t, none)

	limit := int64(2)
	all, err := people.Find(Document{}, FindOptions{Sort: bson.D{{Key: "age", Value: -1}}, Limit: &limit})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "cat", all[0].Name)
	assert.Equal(t, "ann", all[1].Name)

	names, err := db.Collections()
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, names)

	// reopening the alias at its path is a no-op, elsewhere an error
	_, err = c.OpenDatabase("main", "data/data.db")
	require.NoError(t, err)
	_, err = c.OpenDatabase("main", "other.db")
	assert.ErrorIs(t, err, ErrOpenDatabase)

	// a directory is not a database
	_, err = c.OpenDatabase("dir", "data")
	assert.ErrorIs(t, err, ErrOpenDatabase)

	_, err = c.OpenDatabase("bad", "../escape.db")
	assert.ErrorIs(t, err, ErrPathEscapesContext)

	// close, then the data survives a reopen
	require.NoError(t, db.Close())
	_, err = db.Collections()
	assert.ErrorIs(t, err, ErrUnknownDatabase)
	assert.ErrorIs(t, db.Close(), ErrUnknownDatabase)

	db, err = c.OpenDatabase("again", "data/data.db")
	require.NoError(t, err)
	n, err := CollectionOf[Document](db, "people").CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestUniqueViolationIsDatabaseError(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("u", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("db", "u.db")
	require.NoError(t, err)

	col := CollectionOf[Document](db, "users")
	require.NoError(t, col.CreateIndex(IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Unique: true}))

	_, err = col.InsertOne(Document{"_id": "a", "email": "a@x"})
	require.NoError(t, err)

	_, err = col.InsertMany([]Document{{"_id": "b", "email": "b@x"}, {"_id": "c", "email": "a@x"}})
	assert.ErrorIs(t, err, ErrDatabase)
	assert.ErrorIs(t, err, docdb.ErrDuplicateKey)

	n, err := col.CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTransactions(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("tx", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("db", "tx.db")
	require.NoError(t, err)

	plain := CollectionOf[Document](db, "kv")
	_, err = plain.InsertOne(Document{"_id": "k0", "v": "base"})
	require.NoError(t, err)

	tx, err := db.StartTransaction()
	require.NoError(t, err)
	txc := TransactionCollectionOf[Document](tx, "kv")

	id, ok := txc.TransactionID()
	require.True(t, ok)
	assert.Equal(t, tx.ID(), id)
	_, ok = plain.TransactionID()
	assert.False(t, ok)

	_, err = txc.InsertOne(Document{"_id": "k1", "v": "tx"})
	require.NoError(t, err)

	// read your own writes, nobody else's
	n, err := txc.CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = plain.CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := db.Transaction(tx.ID())
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), got.ID())

	require.NoError(t, tx.Commit())
	n, err = plain.CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// a finished transaction is gone for good
	assert.ErrorIs(t, tx.Commit(), ErrUnknownTransaction)
	assert.ErrorIs(t, tx.Rollback(), ErrUnknownTransaction)
	_, err = txc.CountDocuments()
	assert.ErrorIs(t, err, ErrUnknownTransaction)
	_, err = db.Transaction(tx.ID())
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	tx2, err := db.StartTransaction()
	require.NoError(t, err)
	txc2 := TransactionCollectionOf[Document](tx2, "kv")
	_, err = txc2.DeleteMany(Document{})
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
	n, err = plain.CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// a rolled back transaction is gone as well
	_, err = txc2.CountDocuments()
	assert.ErrorIs(t, err, ErrUnknownTransaction)
	_, err = txc2.InsertOne(Document{"_id": "late"})
	assert.ErrorIs(t, err, ErrUnknownTransaction)
	assert.ErrorIs(t, tx2.Rollback(), ErrUnknownTransaction)
	assert.ErrorIs(t, tx2.Commit(), ErrUnknownTransaction)
	_, err = db.Transaction(tx2.ID())
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	assert.ErrorIs(t, db.CommitTransaction(uuid.New()), ErrUnknownTransaction)
}

func TestCloseRollsBackTransactions(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("close", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("db", "c.db")
	require.NoError(t, err)

	tx, err := db.StartTransaction()
	require.NoError(t, err)
	_, err = TransactionCollectionOf[Document](tx, "kv").InsertOne(Document{"_id": "x"})
	require.NoError(t, err)

	require.NoError(t, m.CloseContext("close"))
	assert.ErrorIs(t, m.CloseContext("close"), ErrUnknownContext)
	assert.ErrorIs(t, tx.Commit(), ErrUnknownContext)

	// the file lock is released and nothing was committed
	c, err = m.OpenContext("close", c.Path())
	require.NoError(t, err)
	db, err = c.OpenDatabase("db", "c.db")
	require.NoError(t, err)
	n, err := CollectionOf[Document](db, "kv").CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestContextIsolation(t *testing.T) {
	m := newManager(t)
	a, err := m.OpenContext("a", t.TempDir())
	require.NoError(t, err)
	b, err := m.OpenContext("b", t.TempDir())
	require.NoError(t, err)

	dba, err := a.OpenDatabase("db", "same.db")
	require.NoError(t, err)
	dbb, err := b.OpenDatabase("db", "same.db")
	require.NoError(t, err)

	_, err = CollectionOf[Document](dba, "c").InsertOne(Document{"_id": 1})
	require.NoError(t, err)

	n, err := CollectionOf[Document](dbb, "c").CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	require.NoError(t, a.Close())
	_, err = b.Database("db")
	require.NoError(t, err)
	_, err = a.Database("db")
	assert.ErrorIs(t, err, ErrUnknownContext)
}

func TestEncryptedDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBKey = bytes.Repeat([]byte{7}, 32)
	m := New(cfg, zaptest.NewLogger(t))
	defer m.Cleanup()

	c, err := m.OpenContext("enc", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("db", "secret.db")
	require.NoError(t, err)

	_, err = CollectionOf[Document](db, "notes").InsertOne(Document{"_id": "identifier-alpha", "body": "plaintext-marker"})
	require.NoError(t, err)

	got, err := CollectionOf[Document](db, "notes").FindOne(Document{"_id": "identifier-alpha"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "plaintext-marker", (*got)["body"])

	abs, err := db.AbsolutePath()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	raw, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("plaintext-marker")))
	assert.False(t, bytes.Contains(raw, []byte("identifier-alpha")))
}

func TestConcurrentUse(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("conc", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("db", "conc.db")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tx, err := db.StartTransaction()
				if !assert.NoError(t, err) {
					return
				}
				_, err = TransactionCollectionOf[Document](tx, "c").InsertOne(Document{"w": i, "n": j})
				assert.NoError(t, err)
				assert.NoError(t, tx.Commit())
			}
		}(i)
	}
	wg.Wait()

	n, err := CollectionOf[Document](db, "c").CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 80, n)
}

func TestCloseContextRacesOpens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBOpenTimeout = 200 * time.Millisecond
	m := New(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() {
		assert.NoError(t, m.Cleanup())
	})
	root := t.TempDir()

	const n = 4
	for round := 0; round < 10; round++ {
		c, err := m.OpenContext("race", root)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, err := c.OpenDatabase(fmt.Sprintf("db%d", i), fmt.Sprintf("db%d.db", i))
				if err != nil {
					assert.ErrorIs(t, err, ErrUnknownContext)
				}
			}(i)
			go func(i int) {
				defer wg.Done()
				_, err := c.OpenFile(fmt.Sprintf("f%d.txt", i), ModeCreateOrOpen())
				if err != nil {
					assert.ErrorIs(t, err, ErrUnknownContext)
				}
			}(i)
		}
		assert.NoError(t, c.Close())
		wg.Wait()
	}

	// every database file lock was released with the context
	c, err := m.OpenContext("after", root)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := c.OpenDatabase(fmt.Sprintf("db%d", i), fmt.Sprintf("db%d.db", i))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"after"}, m.ContextNames())
}

func TestScenarioProject(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("proj", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("main", "data.db")
	require.NoError(t, err)

	col := CollectionOf[Document](db, "things")
	ids, err := col.InsertMany([]Document{{"a": 1}, {"a": 2}})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	n, err := col.CountDocuments()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	found, err := col.Find(Document{"a": 1}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ids[0], found[0]["_id"])
	assert.EqualValues(t, 1, found[0]["a"])
	assert.Len(t, found[0], 2)

	// round trip by generated id
	one, err := col.FindOne(Document{"_id": ids[1]})
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.EqualValues(t, 2, (*one)["a"])

	require.NoError(t, c.CloseDatabase("main"))
	_, err = col.CountDocuments()
	assert.ErrorIs(t, err, ErrUnknownDatabase)
	_, err = c.Database("main")
	assert.ErrorIs(t, err, ErrUnknownDatabase)
}

func TestScenarioIsolation(t *testing.T) {
	m := newManager(t)
	c, err := m.OpenContext("iso", t.TempDir())
	require.NoError(t, err)
	db, err := c.OpenDatabase("main", "data.db")
	require.NoError(t, err)

	tx, err := db.StartTransaction()
	require.NoError(t, err)
	_, err = TransactionCollectionOf[Document](tx, "c").InsertOne(Document{"_id": "d1", "v": "x"})
	require.NoError(t, err)

	plain := CollectionOf[Document](db, "c")
	got, err := plain.Find(Document{"_id": "d1"}, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, tx.Commit())
	got, err = plain.Find(Document{"_id": "d1"}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0]["v"])
}
