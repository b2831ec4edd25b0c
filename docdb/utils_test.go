// utils_test.go -- shared helpers for the docdb tests

package docdb_test

import (
	crand "crypto/rand"
	"flag"
	"fmt"
	"golang.org/x/crypto/sha3"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/opencoff/persist/docdb"
)

// newAsserter returns a closure that fails tb, naming the caller's line,
// when cond is false.
func newAsserter(tb testing.TB) func(cond bool, msg string, args ...interface{}) {
	return func(cond bool, msg string, args ...interface{}) {
		if cond {
			return
		}

		_, file, line, ok := runtime.Caller(1)
		if !ok {
			file = "???"
			line = 0
		}

		s := fmt.Sprintf(msg, args...)
		tb.Fatalf("\n%s: %d: Assertion failed: %s\n", file, line, s)
	}
}

var testDir = flag.String("testdir", "", "Keep test databases under this dir")

// getTmpdir returns a per-test directory; with -testdir the databases of
// failed tests are kept for inspection.
func getTmpdir(t *testing.T) string {
	if len(*testDir) == 0 {
		return t.TempDir()
	}

	dir := filepath.Join(*testDir, t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir %s: %s", dir, err)
	}
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("preserving %s ..\n", dir)
			return
		}
		os.RemoveAll(dir)
	})
	return dir
}

// newDB opens a fresh database that is closed when the test ends.
func newDB(t *testing.T, pw string) docdb.DB {
	assert := newAsserter(t)

	fn := filepath.Join(getTmpdir(t), "t.db")
	db, err := openDB(fn, pw)
	assert(err == nil, "docdb: %s", err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// openDB opens fn; an empty pw means no encryption.
func openDB(fn string, pw string) (docdb.DB, error) {
	if len(pw) == 0 {
		return docdb.Open(fn, nil)
	}

	key := sha3.Sum256([]byte(pw))
	return docdb.Open(fn, &docdb.Options{Key: key[:]})
}

// people fills the "people" collection with four documents:
// ann 31 [x y] oslo, bob 25 [y], cat 42 rome, dan 25.5.
func people(t *testing.T, db docdb.DB) docdb.Collection {
	assert := newAsserter(t)

	c := db.Collection("people")
	_, err := c.InsertMany([]docdb.Document{
		{"_id": 1, "name": "ann", "age": 31, "tags": bson.A{"x", "y"}, "addr": bson.M{"city": "oslo"}},
		{"_id": 2, "name": "bob", "age": 25, "tags": bson.A{"y"}},
		{"_id": 3, "name": "cat", "age": 42, "addr": bson.M{"city": "rome"}},
		{"_id": 4, "name": "dan", "age": 25.5},
	})
	assert(err == nil, "insert-many: %s", err)
	return c
}

func randbytes(n int) []byte {
	b := make([]byte, n)
	crand.Read(b)
	return b
}

// num flattens the numeric types bson may decode to.
func num(v any) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}
