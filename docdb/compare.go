// compare.go -- ordering and equality of bson values

package docdb

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// value classes in bson comparison order
const (
	classNull = iota
	classNumber
	classString
	classDocument
	classArray
	classBinary
	classObjectID
	classBool
	classDate
	classTimestamp
	classRegex
	classOther
)

func classOf(v any) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return classNull
	case int, int32, int64, float32, float64, uint32:
		return classNumber
	case string, primitive.Symbol:
		return classString
	case bson.M, bson.D, map[string]any:
		return classDocument
	case bson.A, []any:
		return classArray
	case primitive.Binary, []byte:
		return classBinary
	case primitive.ObjectID:
		return classObjectID
	case bool:
		return classBool
	case primitive.DateTime, time.Time:
		return classDate
	case primitive.Timestamp:
		return classTimestamp
	case primitive.Regex:
		return classRegex
	}
	return classOther
}

// compareValues orders any two bson values. Values of different classes
// order by class.
func compareValues(a, b any) int {
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		return cmpInt(ca, cb)
	}

	switch ca {
	case classNull:
		return 0

	case classNumber:
		ai, aInt := toInt64(a)
		bi, bInt := toInt64(b)
		if aInt && bInt {
			return cmpInt64(ai, bi)
		}
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return cmpFloat(af, bf)

	case classString:
		return strings.Compare(toString(a), toString(b))

	case classDocument:
		return compareDocs(asD(a), asD(b))

	case classArray:
		aa, ba := asArray(a), asArray(b)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := compareValues(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(ba))

	case classBinary:
		return bytes.Compare(toBytes(a), toBytes(b))

	case classObjectID:
		x, y := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(x[:], y[:])

	case classBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1

	case classDate:
		return cmpInt64(toMillis(a), toMillis(b))

	case classTimestamp:
		x, y := a.(primitive.Timestamp), b.(primitive.Timestamp)
		if x.T != y.T {
			return cmpInt64(int64(x.T), int64(y.T))
		}
		return cmpInt64(int64(x.I), int64(y.I))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// equalValues reports whether a and b are the same value. Documents are
// equal when they hold the same fields regardless of field order.
func equalValues(a, b any) bool {
	return classOf(a) == classOf(b) && compareValues(a, b) == 0
}

// compareDocs compares two documents field by field in key order.
func compareDocs(a, b bson.D) int {
	a, b = sortedD(a), sortedD(b)
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := compareValues(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return cmpInt(len(a), len(b))
}

func sortedD(d bson.D) bson.D {
	out := make(bson.D, len(d))
	copy(out, d)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// asD returns the fields of any document type.
func asD(v any) bson.D {
	switch d := v.(type) {
	case bson.D:
		return d
	case bson.M:
		return mapToD(d)
	case map[string]any:
		return mapToD(d)
	}
	return nil
}

func mapToD(m map[string]any) bson.D {
	out := make(bson.D, 0, len(m))
	for k, v := range m {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

func asArray(v any) []any {
	switch a := v.(type) {
	case bson.A:
		return a
	case []any:
		return a
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(primitive.Symbol); ok {
		return string(s)
	}
	s, _ := v.(string)
	return s
}

func toBytes(v any) []byte {
	if b, ok := v.(primitive.Binary); ok {
		return b.Data
	}
	b, _ := v.([]byte)
	return b
}

func toMillis(v any) int64 {
	switch t := v.(type) {
	case primitive.DateTime:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	}
	return 0
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// NaN orders before every other number.
func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
