// filter.go -- query filter evaluation

package docdb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// match reports whether doc satisfies the filter f. An empty filter
// matches every document.
func match(doc, f Document) (bool, error) {
	for k, cond := range f {
		ok, err := matchKey(doc, k, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(doc Document, k string, cond any) (bool, error) {
	switch k {
	case "$and", "$or", "$nor":
		subs, err := subFilters(k, cond)
		if err != nil {
			return false, err
		}
		return matchLogical(doc, k, subs)
	}
	if strings.HasPrefix(k, "$") {
		return false, fmt.Errorf("%w: %s", ErrBadOperator, k)
	}
	return matchField(doc, k, cond)
}

func subFilters(op string, cond any) ([]Document, error) {
	arr := asArray(cond)
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: %s needs a non-empty array", ErrBadOperator, op)
	}
	subs := make([]Document, 0, len(arr))
	for _, a := range arr {
		d, ok := asDocument(a)
		if !ok {
			return nil, fmt.Errorf("%w: %s element is not a document", ErrBadOperator, op)
		}
		subs = append(subs, d)
	}
	return subs, nil
}

func matchLogical(doc Document, op string, subs []Document) (bool, error) {
	for _, s := range subs {
		ok, err := match(doc, s)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !ok:
			return false, nil
		case op == "$or" && ok:
			return true, nil
		case op == "$nor" && ok:
			return false, nil
		}
	}
	return op != "$or", nil
}

// matchField evaluates the condition on one (possibly dotted) field.
func matchField(doc Document, path string, cond any) (bool, error) {
	val, found := lookup(doc, path)

	ops, isOps := operatorDoc(cond)
	if !isOps {
		return matchEq(val, found, cond), nil
	}

	for _, op := range ops {
		ok, err := matchOp(val, found, op.Key, op.Value, ops)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// matchEq is implicit equality: an array field also matches when any
// element equals cond. A nil cond matches missing fields.
func matchEq(val any, found bool, cond any) bool {
	if !found {
		return cond == nil
	}
	if equalValues(val, cond) {
		return true
	}
	if arr := asArray(val); arr != nil {
		for _, a := range arr {
			if equalValues(a, cond) {
				return true
			}
		}
	}
	return false
}

// matchAny applies fn to val, or to each element when val is an array.
func matchAny(val any, fn func(v any) bool) bool {
	if fn(val) {
		return true
	}
	if arr := asArray(val); arr != nil {
		for _, a := range arr {
			if fn(a) {
				return true
			}
		}
	}
	return false
}

func matchOp(val any, found bool, op string, arg any, all bson.D) (bool, error) {
	switch op {
	case "$eq":
		return matchEq(val, found, arg), nil

	case "$ne":
		return !matchEq(val, found, arg), nil

	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false, nil
		}
		return matchAny(val, func(v any) bool {
			if classOf(v) != classOf(arg) {
				return false
			}
			c := compareValues(v, arg)
			switch op {
			case "$gt":
				return c > 0
			case "$gte":
				return c >= 0
			case "$lt":
				return c < 0
			}
			return c <= 0
		}), nil

	case "$in", "$nin":
		arr := asArray(arg)
		if arr == nil {
			return false, fmt.Errorf("%w: %s needs an array", ErrBadOperator, op)
		}
		in := false
		for _, a := range arr {
			if matchEq(val, found, a) {
				in = true
				break
			}
		}
		if op == "$in" {
			return in, nil
		}
		return !in, nil

	case "$exists":
		return found == truthy(arg), nil

	case "$size":
		n, ok := toInt64(arg)
		if !ok {
			if f, isF := toFloat(arg); isF && f == float64(int64(f)) {
				n, ok = int64(f), true
			}
		}
		if !ok {
			return false, fmt.Errorf("%w: $size needs an integer", ErrBadOperator)
		}
		arr := asArray(val)
		return found && arr != nil && int64(len(arr)) == n, nil

	case "$regex":
		re, err := compileRegex(arg, all)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		return matchAny(val, func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}), nil

	case "$options":
		// consumed by $regex
		return true, nil

	case "$not":
		sub, ok := operatorDoc(arg)
		if !ok {
			if r, isRe := arg.(primitive.Regex); isRe {
				sub = bson.D{{Key: "$regex", Value: r}}
			} else {
				return false, fmt.Errorf("%w: $not needs an operator document", ErrBadOperator)
			}
		}
		for _, o := range sub {
			ok, err := matchOp(val, found, o.Key, o.Value, sub)
			if err != nil {
				return false, err
			}
			if !ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", ErrBadOperator, op)
}

// compileRegex builds the pattern of a $regex condition; flags come from
// a sibling $options or from a bson regex value.
func compileRegex(arg any, all bson.D) (*regexp.Regexp, error) {
	var pat, opts string
	switch r := arg.(type) {
	case string:
		pat = r
	case primitive.Regex:
		pat, opts = r.Pattern, r.Options
	default:
		return nil, fmt.Errorf("%w: $regex needs a string", ErrBadOperator)
	}
	for _, e := range all {
		if e.Key == "$options" {
			s, ok := e.Value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: $options needs a string", ErrBadOperator)
			}
			opts = s
		}
	}

	var flags strings.Builder
	for _, o := range opts {
		switch o {
		case 'i', 'm', 's':
			flags.WriteRune(o)
		case 'x', 'u':
		default:
			return nil, fmt.Errorf("%w: unknown regex option %q", ErrBadOperator, o)
		}
	}
	if flags.Len() > 0 {
		pat = "(?" + flags.String() + ")" + pat
	}

	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("%w: $regex: %s", ErrBadOperator, err)
	}
	return re, nil
}

// operatorDoc returns cond as an ordered list when it is a document whose
// keys are all operators.
func operatorDoc(cond any) (bson.D, bool) {
	d := asD(cond)
	if len(d) == 0 {
		return nil, false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, false
		}
	}
	if _, ordered := cond.(bson.D); !ordered {
		d = sortedD(d)
	}
	return d, true
}

// lookup resolves a dotted path. Numeric components index into arrays.
func lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, p := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case bson.M:
			v, ok := c[p]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := c[p]
			if !ok {
				return nil, false
			}
			cur = v
		case bson.D:
			found := false
			for _, e := range c {
				if e.Key == p {
					cur, found = e.Value, true
					break
				}
			}
			if !found {
				return nil, false
			}
		case bson.A, []any:
			arr := asArray(c)
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(arr) {
				return nil, false
			}
			cur = arr[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func asDocument(v any) (Document, bool) {
	switch d := v.(type) {
	case bson.M:
		return d, true
	case map[string]any:
		return Document(d), true
	case bson.D:
		m := make(Document, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, true
	}
	return nil, false
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case nil:
		return false
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
