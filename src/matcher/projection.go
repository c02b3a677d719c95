package matcher

import (
	"sort"

	"composedb/src/helpers"
	"composedb/src/models"

	"go.mongodb.org/mongo-driver/bson"
)

// Project applies a projection map to a copy of doc. A projection made of
// 1s keeps only those paths (plus _id unless it is set to 0); one made of
// 0s drops them.
func Project(doc map[string]interface{}, fields map[string]int) bson.M {
	if len(fields) == 0 {
		return helpers.CloneDocument(doc)
	}

	include := false
	for name, v := range fields {
		if v != 0 && name != models.IDField {
			include = true
			break
		}
	}

	if !include {
		out := helpers.CloneDocument(doc)
		for name := range fields {
			unsetPath(out, helpers.SplitPath(name))
		}
		return out
	}

	out := bson.M{}
	if v, ok := fields[models.IDField]; !ok || v != 0 {
		if id, ok := doc[models.IDField]; ok {
			out[models.IDField] = id
		}
	}
	for name, v := range fields {
		if v == 0 || name == models.IDField {
			continue
		}
		path := helpers.SplitPath(name)
		if value, ok := helpers.Lookup(doc, path); ok {
			setPath(out, path, helpers.CloneValue(value))
		}
	}
	return out
}

func setPath(doc bson.M, path []string, value interface{}) {
	current := doc
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment].(bson.M)
		if !ok {
			next = bson.M{}
			current[segment] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func unsetPath(doc map[string]interface{}, path []string) {
	current := doc
	for _, segment := range path[:len(path)-1] {
		next, ok := helpers.AsMap(current[segment])
		if !ok {
			return
		}
		current = next
	}
	delete(current, path[len(path)-1])
}

// Sort orders docs in place. Documents missing a sort field come first in
// ascending order.
func Sort(docs []models.Document, fields []models.SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, aok := helpers.Lookup(docs[i], helpers.SplitPath(f.Field))
			b, bok := helpers.Lookup(docs[j], helpers.SplitPath(f.Field))
			c := 0
			switch {
			case !aok && !bok:
				c = 0
			case !aok:
				c = -1
			case !bok:
				c = 1
			default:
				c, _ = compareOrdered(a, b)
			}
			if c == 0 {
				continue
			}
			if f.Order < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
