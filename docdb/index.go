// index.go -- unique index enforcement

package docdb

import (
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson"
)

// checkUnique verifies that no two documents of v share the key tuple of
// any unique index. Missing fields take part in the tuple as null.
func checkUnique(v *view) error {
	names := make([]string, 0, len(v.indexes))
	for nm, idx := range v.indexes {
		if idx.Unique {
			names = append(names, nm)
		}
	}
	sort.Strings(names)

	for _, nm := range names {
		idx := v.indexes[nm]
		seen := make(map[[32]byte]struct{}, len(v.entries))
		for _, e := range v.entries {
			h, err := tupleHash(e.doc, idx.Keys)
			if err != nil {
				return &StorageError{"unique", v.name, err}
			}
			if _, dup := seen[h]; dup {
				return &StorageError{"unique", v.name, fmt.Errorf("%w: index %s", ErrDuplicateKey, nm)}
			}
			seen[h] = struct{}{}
		}
	}
	return nil
}

// tupleHash hashes the indexed values of doc. Values are normalized
// first so that 1 and 1.0 collide.
func tupleHash(doc Document, keys bson.D) ([32]byte, error) {
	tuple := make(bson.A, 0, len(keys))
	for _, k := range keys {
		val, _ := lookup(doc, k.Key)
		tuple = append(tuple, canonical(val))
	}

	raw, err := bson.Marshal(bson.D{{Key: "k", Value: tuple}})
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(raw), nil
}

// canonical maps equal values to one representation.
func canonical(v any) any {
	switch classOf(v) {
	case classNull:
		return nil
	case classNumber:
		if i, ok := toInt64(v); ok {
			return float64(i)
		}
		f, _ := toFloat(v)
		return f
	case classDocument:
		d := sortedD(asD(v))
		out := make(bson.D, len(d))
		for i, e := range d {
			out[i] = bson.E{Key: e.Key, Value: canonical(e.Value)}
		}
		return out
	case classArray:
		arr := asArray(v)
		out := make(bson.A, len(arr))
		for i := range arr {
			out[i] = canonical(arr[i])
		}
		return out
	}
	return v
}
