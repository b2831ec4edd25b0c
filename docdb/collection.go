// collection.go -- collection operations on a transaction view

package docdb

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// txCollection runs every operation against the view of one xact. Plain
// collections wrap it in an implicit transaction.
type txCollection struct {
	t    *xact
	name string
}

var _ Collection = &txCollection{}

func (c *txCollection) Name() string {
	return c.name
}

// begin checks that the transaction is usable and loads the view.
func (c *txCollection) begin() (*view, error) {
	if c.t.done {
		return nil, ErrTxDone
	}
	if len(c.name) == 0 {
		return nil, &StorageError{"collection", c.name, ErrInvalidName}
	}
	return c.t.load(c.name)
}

func (c *txCollection) CountDocuments() (int64, error) {
	v, err := c.begin()
	if err != nil {
		return 0, err
	}
	return int64(len(v.entries)), nil
}

func (c *txCollection) UpdateOne(filter, update Document, opt UpdateOptions) (UpdateResult, error) {
	return c.update(filter, update, opt, false)
}

func (c *txCollection) UpdateMany(filter, update Document, opt UpdateOptions) (UpdateResult, error) {
	return c.update(filter, update, opt, true)
}

func (c *txCollection) update(filter, update Document, opt UpdateOptions, many bool) (UpdateResult, error) {
	var r UpdateResult

	v, err := c.begin()
	if err != nil {
		return r, err
	}

	f, err := normalize(filter)
	if err != nil {
		return r, &StorageError{"update", c.name, err}
	}
	u, err := normalize(update)
	if err != nil {
		return r, &StorageError{"update", c.name, err}
	}
	if _, err := isOperatorUpdate(u); err != nil {
		return r, &StorageError{"update", c.name, err}
	}

	var changed []int
	upserted := ""
	for i := range v.entries {
		e := &v.entries[i]
		ok, err := match(e.doc, f)
		if err != nil {
			return r, &StorageError{"update", c.name, err}
		}
		if !ok {
			continue
		}

		r.Matched++
		nd, err := applyUpdate(e.doc, u)
		if err != nil {
			return r, &StorageError{"update", c.name, err}
		}
		if !equalValues(nd, e.doc) {
			e.doc = nd
			changed = append(changed, i)
			r.Modified++
		}
		if !many {
			break
		}
	}

	if r.Matched == 0 && opt.Upsert {
		nd, err := applyUpdate(upsertSeed(f), u)
		if err != nil {
			return r, &StorageError{"upsert", c.name, err}
		}
		if _, ok := nd["_id"]; !ok {
			nd["_id"] = primitive.NewObjectID()
		}
		key, err := idKey(nd["_id"])
		if err != nil {
			return r, &StorageError{"upsert", c.name, err}
		}
		if v.has(key) {
			return r, &StorageError{"upsert", c.name, fmt.Errorf("%w: _id %v", ErrDuplicateKey, nd["_id"])}
		}
		v.add(key, nd)
		changed = append(changed, len(v.entries)-1)
		r.UpsertedID = nd["_id"]
		upserted = key
	}

	if len(changed) == 0 {
		return r, nil
	}
	if err := checkUnique(v); err != nil {
		return r, err
	}
	if len(upserted) > 0 {
		c.t.markInserted(c.name, upserted)
	}
	for _, i := range changed {
		e := &v.entries[i]
		if err := c.t.putDoc(c.name, e.key, e.doc); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (c *txCollection) DeleteOne(filter Document) (DeleteResult, error) {
	return c.delete(filter, false)
}

func (c *txCollection) DeleteMany(filter Document) (DeleteResult, error) {
	return c.delete(filter, true)
}

func (c *txCollection) delete(filter Document, many bool) (DeleteResult, error) {
	var r DeleteResult

	v, err := c.begin()
	if err != nil {
		return r, err
	}
	f, err := normalize(filter)
	if err != nil {
		return r, &StorageError{"delete", c.name, err}
	}

	var keys []string
	for _, e := range v.entries {
		ok, err := match(e.doc, f)
		if err != nil {
			return r, &StorageError{"delete", c.name, err}
		}
		if !ok {
			continue
		}
		keys = append(keys, e.key)
		if !many {
			break
		}
	}

	for _, k := range keys {
		c.t.delDoc(c.name, k)
	}
	r.Deleted = int64(len(keys))
	return r, nil
}

func (c *txCollection) CreateIndex(idx IndexModel) error {
	v, err := c.begin()
	if err != nil {
		return err
	}
	if len(idx.Keys) == 0 {
		return &StorageError{"create-index", c.name, fmt.Errorf("%w: no keys", ErrInvalidName)}
	}

	keys, err := normalizeD(idx.Keys)
	if err != nil {
		return &StorageError{"create-index", c.name, err}
	}
	idx.Keys = keys
	if len(idx.Name) == 0 {
		idx.Name = indexName(keys)
	}

	if old, ok := v.indexes[idx.Name]; ok {
		if old.Unique == idx.Unique && equalValues(old.Keys, idx.Keys) {
			return nil
		}
		return &StorageError{"create-index", c.name, fmt.Errorf("%w: %s", ErrIndexExists, idx.Name)}
	}

	v.indexes[idx.Name] = idx
	if idx.Unique {
		if err := checkUnique(v); err != nil {
			return err
		}
	}
	c.t.putIndex(c.name, idx)
	return nil
}

func (c *txCollection) DropIndex(name string) error {
	v, err := c.begin()
	if err != nil {
		return err
	}
	if _, ok := v.indexes[name]; !ok {
		return &StorageError{"drop-index", c.name, fmt.Errorf("%w: %s", ErrIndexNotFound, name)}
	}
	c.t.delIndex(c.name, name)
	return nil
}

func (c *txCollection) Drop() error {
	if _, err := c.begin(); err != nil {
		return err
	}
	c.t.drop(c.name)
	return nil
}

func (c *txCollection) InsertOne(doc Document) (any, error) {
	r, err := c.InsertMany([]Document{doc})
	if err != nil {
		return nil, err
	}
	return r.InsertedIDs[0], nil
}

func (c *txCollection) InsertMany(docs []Document) (InsertManyResult, error) {
	r := InsertManyResult{InsertedIDs: make(map[int]any, len(docs))}

	v, err := c.begin()
	if err != nil {
		return r, err
	}

	first := len(v.entries)
	for i, d := range docs {
		nd, err := normalize(d)
		if err != nil {
			return r, &StorageError{"insert", c.name, err}
		}
		if _, ok := nd["_id"]; !ok {
			nd["_id"] = primitive.NewObjectID()
		}
		key, err := idKey(nd["_id"])
		if err != nil {
			return r, &StorageError{"insert", c.name, err}
		}
		if v.has(key) {
			return r, &StorageError{"insert", c.name, fmt.Errorf("%w: _id %v", ErrDuplicateKey, nd["_id"])}
		}
		v.add(key, nd)
		r.InsertedIDs[i] = nd["_id"]
	}

	if err := checkUnique(v); err != nil {
		return r, err
	}
	for _, e := range v.entries[first:] {
		c.t.markInserted(c.name, e.key)
		if err := c.t.putDoc(c.name, e.key, e.doc); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (c *txCollection) Find(filter Document, opt FindOptions) ([]Document, error) {
	v, err := c.begin()
	if err != nil {
		return nil, err
	}
	f, err := normalize(filter)
	if err != nil {
		return nil, &StorageError{"find", c.name, err}
	}

	var out []Document
	for _, e := range v.entries {
		ok, err := match(e.doc, f)
		if err != nil {
			return nil, &StorageError{"find", c.name, err}
		}
		if ok {
			out = append(out, e.doc)
		}
	}

	if len(opt.Sort) > 0 {
		spec, err := normalizeD(opt.Sort)
		if err != nil {
			return nil, &StorageError{"find", c.name, err}
		}
		sortDocs(out, spec)
	}

	if opt.Skip != nil && *opt.Skip > 0 {
		if *opt.Skip >= int64(len(out)) {
			out = nil
		} else {
			out = out[*opt.Skip:]
		}
	}
	if opt.Limit != nil && *opt.Limit > 0 && *opt.Limit < int64(len(out)) {
		out = out[:*opt.Limit]
	}
	return out, nil
}

func (c *txCollection) FindOne(filter Document) (Document, error) {
	v, err := c.begin()
	if err != nil {
		return nil, err
	}
	f, err := normalize(filter)
	if err != nil {
		return nil, &StorageError{"find", c.name, err}
	}

	for _, e := range v.entries {
		ok, err := match(e.doc, f)
		if err != nil {
			return nil, &StorageError{"find", c.name, err}
		}
		if ok {
			return e.doc, nil
		}
	}
	return nil, nil
}

func (v *view) has(key string) bool {
	if v.keys == nil {
		v.keys = make(map[string]struct{}, len(v.entries))
		for i := range v.entries {
			v.keys[v.entries[i].key] = struct{}{}
		}
	}
	_, ok := v.keys[key]
	return ok
}

func (v *view) add(key string, doc Document) {
	v.entries = append(v.entries, entry{key, doc})
	if v.keys != nil {
		v.keys[key] = struct{}{}
	}
}

// idKey encodes an "_id" as its bson type byte followed by its bson
// value, so ids of different types never collide.
func idKey(id any) (string, error) {
	typ, data, err := bson.MarshalValue(id)
	if err != nil {
		return "", fmt.Errorf("_id: %w", err)
	}
	var sb strings.Builder
	sb.WriteByte(byte(typ))
	sb.Write(data)
	return sb.String(), nil
}

// indexName builds the default name of an index: "a_1_b_-1".
func indexName(keys bson.D) string {
	parts := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		parts = append(parts, k.Key, fmt.Sprint(direction(k.Value)))
	}
	return strings.Join(parts, "_")
}

// normalize round-trips doc through bson so that every value has the
// type the decoder would produce. The result shares nothing with doc.
func normalize(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func normalizeD(d bson.D) (bson.D, error) {
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out bson.D
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sortDocs orders docs by spec; missing fields sort as null.
func sortDocs(docs []Document, spec bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range spec {
			a, _ := lookup(docs[i], k.Key)
			b, _ := lookup(docs[j], k.Key)
			if c := compareValues(a, b); c != 0 {
				return c*direction(k.Value) < 0
			}
		}
		return false
	})
}

// direction maps a sort or index value to 1 or -1.
func direction(v any) int {
	if f, ok := toFloat(v); ok && f < 0 {
		return -1
	}
	return 1
}
