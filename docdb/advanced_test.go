// advanced_test.go -- transactions, encryption and backups

package docdb_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/opencoff/persist/docdb"
)

// Test transaction commit and rollback
func TestTransactionCommitRollback(t *testing.T) {
	assert := newAsserter(t)

	db := newDB(t, "")
	plain := db.Collection("c")

	tx, err := db.Begin()
	assert(err == nil, "begin tx: %s", err)

	c := tx.Collection("c")
	_, err = c.InsertOne(docdb.Document{"_id": "k1", "v": "commit-value"})
	assert(err == nil, "tx insert: %s", err)

	// visible to the tx, invisible outside
	doc, err := c.FindOne(docdb.Document{"_id": "k1"})
	assert(err == nil, "tx find: %s", err)
	assert(doc != nil, "tx find: own write not visible")

	doc, err = plain.FindOne(docdb.Document{"_id": "k1"})
	assert(err == nil, "find: %s", err)
	assert(doc == nil, "find: uncommitted write visible %v", doc)

	err = tx.Commit()
	assert(err == nil, "tx commit: %s", err)

	doc, err = plain.FindOne(docdb.Document{"_id": "k1"})
	assert(err == nil, "find after commit: %s", err)
	assert(doc != nil && doc["v"] == "commit-value", "value mismatch after commit: %v", doc)

	// finished transactions are unusable
	err = tx.Commit()
	assert(errors.Is(err, docdb.ErrTxDone), "commit twice: saw %v", err)
	_, err = c.CountDocuments()
	assert(errors.Is(err, docdb.ErrTxDone), "use after commit: saw %v", err)

	tx, err = db.Begin()
	assert(err == nil, "begin tx: %s", err)
	c = tx.Collection("c")

	_, err = c.InsertOne(docdb.Document{"_id": "k2"})
	assert(err == nil, "tx insert: %s", err)
	r, err := c.DeleteOne(docdb.Document{"_id": "k1"})
	assert(err == nil && r.Deleted == 1, "tx delete: %v %s", r, err)

	n, err := c.CountDocuments()
	assert(err == nil, "tx count: %s", err)
	assert(n == 1, "tx count: exp 1, saw %d", n)

	err = tx.Rollback()
	assert(err == nil, "tx rollback: %s", err)
	err = tx.Rollback()
	assert(errors.Is(err, docdb.ErrTxDone), "rollback twice: saw %v", err)

	docs, err := plain.Find(docdb.Document{}, docdb.FindOptions{})
	assert(err == nil, "find: %s", err)
	assert(len(docs) == 1 && docs[0]["_id"] == "k1", "rollback leaked: %v", docs)
}

// Test that a transaction sees its own drop and recreate
func TestTransactionDrop(t *testing.T) {
	assert := newAsserter(t)

	db := newDB(t, "")
	c := people(t, db)

	err := c.CreateIndex(docdb.IndexModel{Keys: bson.D{{Key: "name", Value: 1}}, Unique: true})
	assert(err == nil, "create-index: %s", err)

	tx, err := db.Begin()
	assert(err == nil, "begin: %s", err)

	tc := tx.Collection("people")
	err = tc.Drop()
	assert(err == nil, "tx drop: %s", err)

	// index went with the collection
	_, err = tc.InsertMany([]docdb.Document{{"name": "ann"}, {"name": "ann"}})
	assert(err == nil, "tx insert after drop: %s", err)

	n, err := c.CountDocuments()
	assert(err == nil, "count: %s", err)
	assert(n == 4, "drop visible outside tx: %d", n)

	err = tx.Commit()
	assert(err == nil, "commit: %s", err)

	n, err = c.CountDocuments()
	assert(err == nil, "count: %s", err)
	assert(n == 2, "after commit: exp 2 docs, saw %d", n)
}

// Two transactions inserting the same unique key: the second commit fails
// and leaves nothing behind.
func TestTransactionUniqueRecheck(t *testing.T) {
	assert := newAsserter(t)

	db := newDB(t, "")
	c := db.Collection("u")
	err := c.CreateIndex(docdb.IndexModel{Keys: bson.D{{Key: "email", Value: 1}}, Unique: true})
	assert(err == nil, "create-index: %s", err)

	t1, _ := db.Begin()
	t2, _ := db.Begin()

	_, err = t1.Collection("u").InsertOne(docdb.Document{"email": "a@b"})
	assert(err == nil, "t1 insert: %s", err)
	_, err = t2.Collection("u").InsertOne(docdb.Document{"email": "a@b", "n": 2})
	assert(err == nil, "t2 insert: %s", err)

	err = t1.Commit()
	assert(err == nil, "t1 commit: %s", err)
	err = t2.Commit()
	assert(errors.Is(err, docdb.ErrDuplicateKey), "t2 commit: exp duplicate, saw %v", err)

	n, _ := c.CountDocuments()
	assert(n == 1, "exp 1 doc, saw %d", n)
}

// An _id committed by someone else while a transaction was open is not
// overwritten by that transaction's insert
func TestTransactionInsertRecheck(t *testing.T) {
	for _, pw := range []string{"", "secret"} {
		t.Run("pw="+pw, func(t *testing.T) {
			testInsertRecheck(t, pw)
		})
	}
}

func testInsertRecheck(t *testing.T, pw string) {
	assert := newAsserter(t)

	db := newDB(t, pw)
	c := db.Collection("kv")

	tx, err := db.Begin()
	assert(err == nil, "begin: %s", err)
	_, err = tx.Collection("kv").InsertOne(docdb.Document{"_id": "k", "v": "tx"})
	assert(err == nil, "tx insert: %s", err)

	_, err = c.InsertOne(docdb.Document{"_id": "k", "v": "plain"})
	assert(err == nil, "plain insert: %s", err)

	err = tx.Commit()
	assert(errors.Is(err, docdb.ErrDuplicateKey), "commit: exp duplicate, saw %v", err)

	doc, err := c.FindOne(docdb.Document{"_id": "k"})
	assert(err == nil, "find: %s", err)
	assert(doc != nil && doc["v"] == "plain", "stored doc changed: %v", doc)

	// deleting then inserting the same _id replaces it
	tx, _ = db.Begin()
	_, err = tx.Collection("kv").DeleteOne(docdb.Document{"_id": "k"})
	assert(err == nil, "tx delete: %s", err)
	_, err = tx.Collection("kv").InsertOne(docdb.Document{"_id": "k", "v": "again"})
	assert(err == nil, "tx reinsert: %s", err)
	err = tx.Commit()
	assert(err == nil, "commit: %s", err)

	doc, _ = c.FindOne(docdb.Document{"_id": "k"})
	assert(doc != nil && doc["v"] == "again", "exp replaced doc, saw %v", doc)

	// upserts are inserts too
	tx, _ = db.Begin()
	_, err = tx.Collection("kv").UpdateOne(docdb.Document{"_id": "u"}, docdb.Document{"$set": docdb.Document{"v": "tx"}}, docdb.UpdateOptions{Upsert: true})
	assert(err == nil, "tx upsert: %s", err)
	_, err = c.InsertOne(docdb.Document{"_id": "u", "v": "plain"})
	assert(err == nil, "plain insert: %s", err)
	err = tx.Commit()
	assert(errors.Is(err, docdb.ErrDuplicateKey), "upsert commit: exp duplicate, saw %v", err)
}

// Test concurrent transactions
func TestConcurrentTransactions(t *testing.T) {
	assert := newAsserter(t)

	db := newDB(t, "")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			tx, err := db.Begin()
			if err != nil {
				errs <- err
				return
			}
			c := tx.Collection("conc")
			for j := 0; j < 10; j++ {
				_, err := c.InsertOne(docdb.Document{"_id": fmt.Sprintf("%d-%d", id, j)})
				if err != nil {
					tx.Rollback()
					errs <- err
					return
				}
			}
			if err := tx.Commit(); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()

	select {
	case err := <-errs:
		t.Fatalf("transaction error: %v", err)
	default:
	}

	n, err := db.Collection("conc").CountDocuments()
	assert(err == nil, "count: %s", err)
	assert(n == 80, "exp 80 docs, saw %d", n)
}

// Test encryption verification
func TestEncryptionVerification(t *testing.T) {
	assert := newAsserter(t)

	fn := path.Join(getTmpdir(t), "encrypt.db")

	db1, err := openDB(fn, "key0")
	assert(err == nil, "open db1: %s", err)

	secret := "highly confidential information"
	_, err = db1.Collection("secrets").InsertOne(docdb.Document{"_id": "identifier-alpha", "v": secret})
	assert(err == nil, "insert: %s", err)
	db1.Close()

	db2, err := openDB(fn, "other key")
	assert(err == nil, "open db2: %s", err)
	_, err = db2.Collection("secrets").Find(docdb.Document{}, docdb.FindOptions{})
	assert(err != nil, "encryption failed: data readable with wrong key")
	db2.Close()

	db3, err := openDB(fn, "key0")
	assert(err == nil, "reopen db: %s", err)
	defer db3.Close()

	doc, err := db3.Collection("secrets").FindOne(docdb.Document{"_id": "identifier-alpha"})
	assert(err == nil, "find with correct key: %s", err)
	assert(doc != nil && doc["v"] == secret, "value mismatch with correct key: %v", doc)

	// updates and deletes find the hashed keys
	_, err = db3.Collection("secrets").UpdateOne(docdb.Document{"_id": "identifier-alpha"}, docdb.Document{"$set": bson.M{"w": 1}}, docdb.UpdateOptions{})
	assert(err == nil, "update: %s", err)
	n, _ := db3.Collection("secrets").CountDocuments()
	assert(n == 1, "update duplicated the doc: %d", n)

	fileData, err := os.ReadFile(fn)
	assert(err == nil, "read file: %s", err)
	assert(!bytes.Contains(fileData, []byte(secret)), "plaintext found in database file")
	assert(!bytes.Contains(fileData, []byte("identifier-alpha")), "plaintext id found in database file")

	_, err = docdb.Open(path.Join(getTmpdir(t), "short.db"), &docdb.Options{Key: randbytes(16)})
	assert(err != nil, "short key accepted")
}

// Test backup and restore
func TestBackupRestore(t *testing.T) {
	assert := newAsserter(t)

	tmp := getTmpdir(t)
	srcFn := path.Join(tmp, "source.db")
	backupFn := path.Join(tmp, "backup.db")

	db, err := openDB(srcFn, "Password")
	assert(err == nil, "open source db: %s", err)

	c := db.Collection("backup")
	for i := 0; i < 3; i++ {
		_, err := c.InsertOne(docdb.Document{"_id": i, "blob": randbytes(64)})
		assert(err == nil, "insert %d: %s", i, err)
	}

	// an open transaction does not block the backup
	tx, err := db.Begin()
	assert(err == nil, "begin: %s", err)
	_, err = tx.Collection("backup").InsertOne(docdb.Document{"_id": 99})
	assert(err == nil, "tx insert: %s", err)

	backupFile, err := os.Create(backupFn)
	assert(err == nil, "create backup file: %s", err)

	nw, err := db.Backup(backupFile)
	assert(err == nil, "backup: %s", err)
	assert(nw > 0, "backup wrote 0 bytes")
	backupFile.Close()

	err = tx.Commit()
	assert(err == nil, "tx commit: %s", err)
	db.Close()

	bdb, err := openDB(backupFn, "Password")
	assert(err == nil, "open backup db: %s", err)
	defer bdb.Close()

	n, err := bdb.Collection("backup").CountDocuments()
	assert(err == nil, "count backup: %s", err)
	assert(n == 3, "backup: exp 3 docs, saw %d", n)
}

// Test using a closed database
func TestClosedDB(t *testing.T) {
	assert := newAsserter(t)

	fn := path.Join(getTmpdir(t), "closed.db")
	db, err := openDB(fn, "")
	assert(err == nil, "open db: %s", err)

	tx, err := db.Begin()
	assert(err == nil, "begin: %s", err)

	err = db.Close()
	assert(err == nil, "close: %s", err)

	_, err = db.Collection("c").CountDocuments()
	assert(err != nil, "count on closed db should error")

	_, err = db.Collection("c").InsertOne(docdb.Document{"a": 1})
	assert(err != nil, "insert on closed db should error")

	_, err = tx.Collection("c").Find(docdb.Document{}, docdb.FindOptions{})
	assert(err != nil, "tx find on closed db should error")
}

// Benchmark basic operations
func BenchmarkBasicOperations(b *testing.B) {
	assert := newAsserter(b)

	fn := path.Join(b.TempDir(), "bench.db")
	db, err := openDB(fn, "")
	assert(err == nil, "open db: %s", err)
	defer db.Close()

	c := db.Collection("bench")
	value := randbytes(1024)

	b.Run("Insert", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := c.UpdateOne(docdb.Document{"_id": i % 100}, docdb.Document{"v": value}, docdb.UpdateOptions{Upsert: true})
			if err != nil {
				b.Fatalf("upsert: %s", err)
			}
		}
	})

	b.Run("FindOne", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, err := c.FindOne(docdb.Document{"_id": i % 100})
			if err != nil {
				b.Fatalf("find: %s", err)
			}
		}
	})
}
