// update.go -- update documents

package docdb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// isOperatorUpdate reports whether u is an operator update ($set ...)
// rather than a replacement document. Mixing both forms is an error.
func isOperatorUpdate(u Document) (bool, error) {
	ops, plain := 0, 0
	for k := range u {
		if strings.HasPrefix(k, "$") {
			ops++
		} else {
			plain++
		}
	}
	if ops > 0 && plain > 0 {
		return false, fmt.Errorf("%w: update mixes operators and fields", ErrBadOperator)
	}
	return ops > 0, nil
}

// applyUpdate returns a new document; doc is not modified.
func applyUpdate(doc, u Document) (Document, error) {
	isOps, err := isOperatorUpdate(u)
	if err != nil {
		return nil, err
	}

	if !isOps {
		return replace(doc, u)
	}

	nd, err := clone(doc)
	if err != nil {
		return nil, err
	}

	// apply operators in a fixed order so results do not depend on map
	// iteration
	ops := make([]string, 0, len(u))
	for k := range u {
		ops = append(ops, k)
	}
	sort.Strings(ops)

	for _, op := range ops {
		fields, ok := asDocument(u[op])
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a document", ErrBadOperator, op)
		}
		for _, path := range sortedKeys(fields) {
			if path == "_id" || strings.HasPrefix(path, "_id.") {
				if op == "$set" {
					if old, had := nd["_id"]; had && equalValues(old, fields[path]) {
						continue
					}
				}
				return nil, ErrImmutableID
			}
			if err := applyOp(nd, op, path, fields[path]); err != nil {
				return nil, err
			}
		}
	}
	return nd, nil
}

// replace keeps the "_id" of doc and takes every other field from u.
func replace(doc, u Document) (Document, error) {
	nd, err := clone(u)
	if err != nil {
		return nil, err
	}

	old, had := doc["_id"]
	if id, ok := nd["_id"]; ok {
		if had && !equalValues(old, id) {
			return nil, ErrImmutableID
		}
	} else if had {
		nd["_id"] = old
	}
	return nd, nil
}

func applyOp(doc Document, op, path string, arg any) error {
	switch op {
	case "$set":
		return setPath(doc, path, arg)

	case "$unset":
		unsetPath(doc, path)
		return nil

	case "$inc":
		if _, ok := toFloat(arg); !ok {
			return fmt.Errorf("%w: $inc %s: not a number", ErrBadOperator, path)
		}
		cur, found := lookup(doc, path)
		if !found {
			return setPath(doc, path, arg)
		}
		sum, ok := addNumbers(cur, arg)
		if !ok {
			return fmt.Errorf("%w: $inc %s: field is not a number", ErrBadOperator, path)
		}
		return setPath(doc, path, sum)

	case "$push":
		items := []any{arg}
		if d, ok := asDocument(arg); ok {
			if each, has := d["$each"]; has {
				items = asArray(each)
				if items == nil {
					return fmt.Errorf("%w: $each needs an array", ErrBadOperator)
				}
			}
		}
		cur, found := lookup(doc, path)
		var arr bson.A
		if found {
			a := asArray(cur)
			if a == nil {
				return fmt.Errorf("%w: $push %s: field is not an array", ErrBadOperator, path)
			}
			arr = append(arr, a...)
		}
		arr = append(arr, items...)
		return setPath(doc, path, arr)

	case "$rename":
		to, ok := arg.(string)
		if !ok || len(to) == 0 {
			return fmt.Errorf("%w: $rename %s needs a field name", ErrBadOperator, path)
		}
		if to == "_id" || strings.HasPrefix(to, "_id.") {
			return ErrImmutableID
		}
		cur, found := lookup(doc, path)
		if !found {
			return nil
		}
		unsetPath(doc, path)
		return setPath(doc, to, cur)
	}
	return fmt.Errorf("%w: %s", ErrBadOperator, op)
}

// setPath stores val at a dotted path, creating intermediate documents.
func setPath(doc Document, path string, val any) error {
	parts := strings.Split(path, ".")
	cur := any(doc)
	for i, p := range parts {
		last := i == len(parts)-1
		switch c := cur.(type) {
		case bson.M:
			if last {
				c[p] = val
				return nil
			}
			next, ok := c[p]
			if !ok || next == nil {
				next = bson.M{}
				c[p] = next
			}
			cur = next
		case bson.A:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(c) {
				return fmt.Errorf("%w: cannot set %s", ErrBadOperator, path)
			}
			if last {
				c[idx] = val
				return nil
			}
			if c[idx] == nil {
				c[idx] = bson.M{}
			}
			cur = c[idx]
		default:
			return fmt.Errorf("%w: cannot set %s: %s is not a document", ErrBadOperator, path, strings.Join(parts[:i], "."))
		}
	}
	return nil
}

func unsetPath(doc Document, path string) {
	parts := strings.Split(path, ".")
	cur := any(doc)
	for i, p := range parts {
		last := i == len(parts)-1
		switch c := cur.(type) {
		case bson.M:
			if last {
				delete(c, p)
				return
			}
			cur = c[p]
		case bson.A:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(c) {
				return
			}
			if last {
				c[idx] = nil
				return
			}
			cur = c[idx]
		default:
			return
		}
	}
}

// addNumbers keeps integer arithmetic when both operands are integers.
func addNumbers(a, b any) (any, bool) {
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)
	if aInt && bInt {
		sum := ai + bi
		_, a32 := a.(int32)
		_, b32 := b.(int32)
		if a32 && b32 && sum == int64(int32(sum)) {
			return int32(sum), true
		}
		return sum, true
	}
	af, ok := toFloat(a)
	if !ok {
		return nil, false
	}
	bf, ok := toFloat(b)
	if !ok {
		return nil, false
	}
	return af + bf, true
}

// upsertSeed returns the equality fields of a filter; they form the base
// of a document inserted by an upsert.
func upsertSeed(f Document) Document {
	seed := Document{}
	for k, v := range f {
		if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			continue
		}
		if _, isOps := operatorDoc(v); isOps {
			if d, ok := asDocument(v); ok {
				if eq, has := d["$eq"]; has && len(d) == 1 {
					seed[k] = eq
				}
			}
			continue
		}
		seed[k] = v
	}
	return seed
}

// clone deep-copies doc through bson.
func clone(doc Document) (Document, error) {
	return normalize(doc)
}

func sortedKeys(m Document) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
