package helpers

import (
	"reflect"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Storage backends hand documents back in several shapes: bson.M from the
// driver and the BSON files, map[string]interface{} from JSON and YAML,
// bson.D for ordered documents and primitive.A for arrays. The helpers
// below let the engine treat them uniformly.

// AsMap returns v as a map if it is a document.
func AsMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return m, true
	case bson.D:
		out := make(map[string]interface{}, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// AsSlice returns v as a slice if it is an array. Byte slices are scalars.
func AsSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []interface{}:
		return s, true
	case primitive.A:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []bson.M:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []byte:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// IDString converts an identifier value to its string form.
func IDString(v interface{}) (string, bool) {
	switch id := v.(type) {
	case nil:
		return "", false
	case string:
		return id, id != ""
	case primitive.ObjectID:
		return id.Hex(), true
	case bool, primitive.Regex:
		return "", false
	}
	if _, ok := AsMap(v); ok {
		return "", false
	}
	if _, ok := AsSlice(v); ok {
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

// CloneDocument copies a document, including nested documents and arrays.
func CloneDocument(doc map[string]interface{}) bson.M {
	if doc == nil {
		return nil
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies documents and arrays; scalars are returned as-is.
func CloneValue(v interface{}) interface{} {
	if m, ok := AsMap(v); ok {
		return CloneDocument(m)
	}
	switch s := v.(type) {
	case []interface{}, primitive.A:
		src, _ := AsSlice(s)
		out := make([]interface{}, len(src))
		for i, e := range src {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), s...)
	}
	return v
}

// Lookup follows a dotted path through nested documents.
func Lookup(doc map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = doc
	for _, segment := range path {
		m, ok := AsMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
