package matcher

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"composedb/src/helpers"
	"composedb/src/models"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

/*
	Brute force evaluation of a query against a document. Used by the
	memory and file storage engines and by link field resolution, which
	has to filter a referenced collection on the client side.

	Semantics follow the document store the rest of the system talks to:
	a dotted path walks nested documents and fans out over arrays, and an
	equality against an array field matches when any element matches.
*/

var regexCache sync.Map

// Match reports whether doc satisfies every condition of query.
func Match(doc map[string]interface{}, query models.Query) (bool, error) {
	for key, condition := range query {
		ok, err := matchKey(doc, key, condition)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Filter returns the documents of docs matching query.
func Filter(docs []models.Document, query models.Query) ([]models.Document, error) {
	var result []models.Document
	for _, doc := range docs {
		ok, err := Match(doc, query)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, doc)
		}
	}
	return result, nil
}

// MatchValue reports whether a single value satisfies a match expression.
func MatchValue(value interface{}, condition interface{}) (bool, error) {
	return matchCondition([]interface{}{value}, true, condition)
}

func matchKey(doc map[string]interface{}, key string, condition interface{}) (bool, error) {
	switch key {
	case models.OpAnd, models.OpOr:
		clauses, ok := helpers.AsSlice(condition)
		if !ok {
			return false, fmt.Errorf("%w: %s expects an array", models.ErrBadQuery, key)
		}
		for _, clause := range clauses {
			sub, ok := helpers.AsMap(clause)
			if !ok {
				return false, fmt.Errorf("%w: %s expects documents", models.ErrBadQuery, key)
			}
			matched, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			if key == models.OpOr && matched {
				return true, nil
			}
			if key == models.OpAnd && !matched {
				return false, nil
			}
		}
		return key == models.OpAnd, nil
	}

	values, exists := resolvePath(doc, helpers.SplitPath(key))
	return matchCondition(values, exists, condition)
}

// resolvePath collects the values found at path, fanning out over arrays of
// documents along the way.
func resolvePath(current interface{}, path []string) ([]interface{}, bool) {
	if len(path) == 0 {
		return []interface{}{current}, true
	}
	if m, ok := helpers.AsMap(current); ok {
		next, ok := m[path[0]]
		if !ok {
			return nil, false
		}
		return resolvePath(next, path[1:])
	}
	if items, ok := helpers.AsSlice(current); ok {
		var values []interface{}
		found := false
		for _, item := range items {
			v, ok := resolvePath(item, path)
			if ok {
				found = true
				values = append(values, v...)
			}
		}
		return values, found
	}
	return nil, false
}

// IsOperatorObject reports whether v is a document whose keys are all
// query operators.
func IsOperatorObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := helpers.AsMap(v)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchCondition(values []interface{}, exists bool, condition interface{}) (bool, error) {
	if ops, ok := IsOperatorObject(condition); ok {
		for op, operand := range ops {
			if op == models.OpOptions {
				continue
			}
			matched, err := matchOperator(values, exists, op, operand, ops)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil
	}
	return matchEquals(values, exists, condition)
}

func matchOperator(values []interface{}, exists bool, op string, operand interface{}, ops map[string]interface{}) (bool, error) {
	switch op {
	case models.OpEq:
		return matchEquals(values, exists, operand)
	case models.OpNe:
		matched, err := matchEquals(values, exists, operand)
		return !matched, err
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		for _, v := range expand(values) {
			c, ok := compareOrdered(v, operand)
			if !ok {
				continue
			}
			if (op == models.OpGt && c > 0) || (op == models.OpGte && c >= 0) ||
				(op == models.OpLt && c < 0) || (op == models.OpLte && c <= 0) {
				return true, nil
			}
		}
		return false, nil
	case models.OpIn, models.OpContainsAny:
		return matchIn(values, exists, op, operand)
	case models.OpNin:
		matched, err := matchIn(values, exists, op, operand)
		return !matched, err
	case models.OpRegex:
		options, _ := ops[models.OpOptions].(string)
		re, err := compileRegex(operand, options)
		if err != nil {
			return false, err
		}
		return matchRegex(values, re), nil
	case models.OpExists:
		want, err := cast.ToBoolE(operand)
		if err != nil {
			return false, fmt.Errorf("%w: $exists expects a boolean", models.ErrBadQuery)
		}
		return exists == want, nil
	default:
		return false, fmt.Errorf("%w: unsupported operator %s", models.ErrBadQuery, op)
	}
}

func matchIn(values []interface{}, exists bool, op string, operand interface{}) (bool, error) {
	candidates, ok := helpers.AsSlice(operand)
	if !ok {
		return false, fmt.Errorf("%w: %s expects an array", models.ErrBadQuery, op)
	}
	for _, candidate := range candidates {
		matched, err := matchEquals(values, exists, candidate)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func matchEquals(values []interface{}, exists bool, expected interface{}) (bool, error) {
	if re, ok := expected.(primitive.Regex); ok {
		compiled, err := compileRegex(re.Pattern, re.Options)
		if err != nil {
			return false, err
		}
		return matchRegex(values, compiled), nil
	}
	if expected == nil {
		if !exists {
			return true, nil
		}
	}
	for _, v := range values {
		if Equal(v, expected) {
			return true, nil
		}
		if items, ok := helpers.AsSlice(v); ok {
			for _, item := range items {
				if Equal(item, expected) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func matchRegex(values []interface{}, re *regexp.Regexp) bool {
	for _, v := range expand(values) {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true
		}
	}
	return false
}

// expand flattens one level of arrays so operators see each element.
func expand(values []interface{}) []interface{} {
	var out []interface{}
	for _, v := range values {
		if items, ok := helpers.AsSlice(v); ok {
			out = append(out, items...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func compileRegex(pattern interface{}, options string) (*regexp.Regexp, error) {
	var expr string
	switch p := pattern.(type) {
	case string:
		expr = p
	case primitive.Regex:
		expr = p.Pattern
		if options == "" {
			options = p.Options
		}
	default:
		return nil, fmt.Errorf("%w: $regex expects a string", models.ErrBadQuery)
	}

	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		expr = "(?" + flags + ")" + expr
	}

	if cached, ok := regexCache.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid regular expression %q: %v", models.ErrBadQuery, expr, err)
	}
	regexCache.Store(expr, re)
	return re, nil
}

// Equal compares two stored values. Numbers compare by value regardless of
// their Go type and object ids compare with their hex form.
func Equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
		return false
	}
	if oid, ok := a.(primitive.ObjectID); ok {
		s, _ := helpers.IDString(b)
		return oid.Hex() == s
	}
	if oid, ok := b.(primitive.ObjectID); ok {
		s, _ := helpers.IDString(a)
		return oid.Hex() == s
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Equal(bt)
		}
		return false
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v interface{}) interface{} {
	if m, ok := helpers.AsMap(v); ok {
		out := make(map[string]interface{}, len(m))
		for k, e := range m {
			out[k] = normalize(e)
		}
		return out
	}
	if items, ok := helpers.AsSlice(v); ok {
		out := make([]interface{}, len(items))
		for i, e := range items {
			out[i] = normalize(e)
		}
		return out
	}
	if f, ok := toNumber(v); ok {
		return f
	}
	return v
}

// compareOrdered returns -1, 0 or 1 when a and b are of comparable kinds.
func compareOrdered(a, b interface{}) (int, bool) {
	if af, ok := toNumber(a); ok {
		bf, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, ok := toTime(a); ok {
		bt, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	return 0, false
}

func toNumber(v interface{}) (float64, bool) {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	}
	return 0, false
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}
