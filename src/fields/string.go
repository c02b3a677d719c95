package fields

import (
	"regexp"

	"composedb/src/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StringType matches literal strings as anchored patterns. The default is
// case-insensitive; matchType "exact" disables the conversion and any other
// matchType keeps the anchors but matches case-sensitively.
type StringType struct{}

func (StringType) BeforeQuery(in QueryInput) (interface{}, error) {
	return anchoredPattern(in.Input, in.Definition.MatchType), nil
}

// ObjectType stores documents verbatim. Dotted paths into it match strings
// the same way String fields do unless matchType is "exact".
type ObjectType struct{}

func (ObjectType) BeforeQuery(in QueryInput) (interface{}, error) {
	if in.Path == in.Definition.Name {
		return in.Input, nil
	}
	return anchoredPattern(in.Input, in.Definition.MatchType), nil
}

func anchoredPattern(input interface{}, matchType string) interface{} {
	s, ok := input.(string)
	if !ok || matchType == models.MatchTypeExact {
		return input
	}
	options := "i"
	if matchType != "" {
		options = ""
	}
	return primitive.Regex{Pattern: "^" + regexp.QuoteMeta(s) + "$", Options: options}
}
