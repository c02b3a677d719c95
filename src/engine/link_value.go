package engine

import (
	"sort"
	"strings"

	"composedb/src/helpers"
	"composedb/src/models"

	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

// LinkKind tags how a stored value carries the identifier it points at.
type LinkKind int

const (
	LinkNone LinkKind = iota
	// LinkID is a bare identifier.
	LinkID
	// LinkEmbedded is an object with an _id, possibly with inline properties.
	LinkEmbedded
	// LinkStringified is the JSON text of an object with an _id.
	LinkStringified
)

func (k LinkKind) String() string {
	switch k {
	case LinkID:
		return "id"
	case LinkEmbedded:
		return "embedded"
	case LinkStringified:
		return "stringified"
	}
	return "none"
}

// LinkValue is one identifier read from a stored reference value.
type LinkValue struct {
	Kind LinkKind

	// ID is the string form of the identifier, used as a lookup key.
	ID string

	// Value is the identifier as stored, in its original type, for use in
	// queries.
	Value interface{}

	Raw interface{}

	// Inline holds the properties of an embedded object other than _id.
	Inline map[string]interface{}
}

// ParseLinkValue reads a single stored value. An embedded object is taken
// by its _id field as-is, even when that _id is itself text that looks like
// a stringified object: the embedded form wins. Text is only decoded as a
// stringified object when it is a JSON document carrying an _id; any other
// text is a bare identifier.
func ParseLinkValue(v interface{}) LinkValue {
	if obj, ok := helpers.AsMap(v); ok {
		id, ok := helpers.IDString(obj[models.IDField])
		if !ok {
			return LinkValue{Kind: LinkNone, Raw: v}
		}
		inline := make(map[string]interface{}, len(obj))
		for k, val := range obj {
			if k != models.IDField {
				inline[k] = val
			}
		}
		return LinkValue{Kind: LinkEmbedded, ID: id, Value: obj[models.IDField], Raw: obj[models.IDField], Inline: inline}
	}

	if s, ok := v.(string); ok && strings.HasPrefix(strings.TrimSpace(s), "{") {
		var decoded bson.M
		if err := bson.UnmarshalExtJSON([]byte(s), false, &decoded); err == nil {
			if id, ok := helpers.IDString(decoded[models.IDField]); ok {
				return LinkValue{Kind: LinkStringified, ID: id, Value: decoded[models.IDField], Raw: v}
			}
		}
	}

	if id, ok := helpers.IDString(v); ok {
		return LinkValue{Kind: LinkID, ID: id, Value: v, Raw: v}
	}
	return LinkValue{Kind: LinkNone, Raw: v}
}

// ParseLinkValues reads every identifier held by a stored value. Arrays are
// a set of link values; entries that carry no identifier are dropped.
func ParseLinkValues(v interface{}) []LinkValue {
	items, ok := helpers.AsSlice(v)
	if !ok {
		items = []interface{}{v}
	}
	links := make([]LinkValue, 0, len(items))
	for _, item := range items {
		if link := ParseLinkValue(item); link.Kind != LinkNone {
			links = append(links, link)
		}
	}
	return links
}

// uniqueIDs drops identifier values sharing a string form and orders the
// rest by it. Values keep their stored type: a numeric or ObjectID _id only
// matches itself, not its text.
func uniqueIDs(values []interface{}) []interface{} {
	byKey := make(map[string]interface{}, len(values))
	for _, v := range values {
		key, ok := helpers.IDString(v)
		if !ok {
			continue
		}
		if _, seen := byKey[key]; !seen {
			byKey[key] = v
		}
	}
	keys := lo.Keys(byKey)
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, key := range keys {
		out[i] = byKey[key]
	}
	return out
}

// intersectIDs keeps the identifiers of a whose string form is also in b.
func intersectIDs(a, b []interface{}) []interface{} {
	keys := make(map[string]struct{}, len(b))
	for _, v := range b {
		if key, ok := helpers.IDString(v); ok {
			keys[key] = struct{}{}
		}
	}
	out := make([]interface{}, 0, len(a))
	for _, v := range a {
		if key, ok := helpers.IDString(v); ok {
			if _, found := keys[key]; found {
				out = append(out, v)
			}
		}
	}
	return out
}
