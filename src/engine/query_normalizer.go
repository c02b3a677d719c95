package engine

import (
	"fmt"

	"composedb/src/fields"
	"composedb/src/helpers"
	"composedb/src/models"

	"go.uber.org/zap"
)

// QueryNormalizer turns a raw client filter into a storage ready query by
// running each field's BeforeQuery hook.
type QueryNormalizer struct {
	registry *fields.Registry
	logger   *zap.SugaredLogger
}

func NewQueryNormalizer(registry *fields.Registry, logger *zap.SugaredLogger) *QueryNormalizer {
	if registry == nil {
		registry = fields.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &QueryNormalizer{registry: registry, logger: logger}
}

// Normalize returns a normalized copy of query. Keys that cross into a
// reference field are copied untouched; the resolver normalizes them
// against the referenced schema. The first hook error aborts the query.
func (n *QueryNormalizer) Normalize(query models.Query, schema *models.Schema) (models.Query, error) {
	out := make(models.Query, len(query))
	for key, value := range query {
		normalized, err := n.normalizeKey(key, value, schema)
		if err != nil {
			return nil, err
		}
		out[key] = normalized
	}
	return out, nil
}

func (n *QueryNormalizer) normalizeKey(key string, value interface{}, schema *models.Schema) (interface{}, error) {
	switch key {
	case models.OpAnd, models.OpOr:
		clauses, ok := helpers.AsSlice(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an array", models.ErrBadQuery, key)
		}
		out := make([]interface{}, 0, len(clauses))
		for _, clause := range clauses {
			sub, ok := helpers.AsMap(clause)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects documents", models.ErrBadQuery, key)
			}
			normalized, err := n.Normalize(sub, schema)
			if err != nil {
				return nil, err
			}
			out = append(out, normalized)
		}
		return out, nil
	case models.IDField:
		return value, nil
	}

	segments := helpers.SplitPath(key)
	def, ok := schema.Field(segments[0])
	if !ok || def.IsReference() {
		return value, nil
	}
	if len(segments) > 1 {
		switch def.Kind() {
		case models.FieldTypeObject, models.FieldTypeMixed:
		default:
			return value, nil
		}
	}

	normalized, err := n.registry.BeforeQuery(fields.QueryInput{
		Path:       key,
		Definition: def,
		Input:      value,
		Schema:     schema,
	})
	if err != nil {
		n.logger.Debugw("Query normalization failed", "collection", schema.Collection, "field", key, "error", err)
		return nil, err
	}
	return normalized, nil
}
