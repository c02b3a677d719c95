package fields

import (
	"context"
	"fmt"

	"composedb/src/helpers"
	"composedb/src/matcher"
	"composedb/src/models"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"
)

// NumberType coerces numeric strings.
type NumberType struct{}

func (NumberType) BeforeQuery(in QueryInput) (interface{}, error) {
	return mapOperands(in.Input, func(v interface{}) (interface{}, error) {
		return toNumber(in.Definition.Name, v)
	})
}

func (NumberType) BeforeSave(_ context.Context, in SaveInput) (interface{}, error) {
	if in.Input == nil {
		return nil, nil
	}
	return toNumber(in.Definition.Name, in.Input)
}

func toNumber(field string, v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int, int32, int64, float32, float64:
		return n, nil
	case string:
		if i, err := cast.ToInt64E(n); err == nil {
			return i, nil
		}
		f, err := cast.ToFloat64E(n)
		if err != nil {
			return nil, models.NewParseError(field, v, models.ErrInvalidValue)
		}
		return f, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, models.NewParseError(field, v, models.ErrInvalidValue)
	}
	return f, nil
}

// BooleanType coerces "true"/"false" and turns a match on false into
// {$ne: true}, so documents that never set the field also match.
type BooleanType struct{}

func (BooleanType) BeforeQuery(in QueryInput) (interface{}, error) {
	if _, ok := matcher.IsOperatorObject(in.Input); ok {
		return mapOperands(in.Input, func(v interface{}) (interface{}, error) {
			return toBool(in.Definition.Name, v)
		})
	}
	b, err := toBool(in.Definition.Name, in.Input)
	if err != nil {
		return nil, err
	}
	if !b {
		return bson.M{models.OpNe: true}, nil
	}
	return true, nil
}

func (BooleanType) BeforeSave(_ context.Context, in SaveInput) (interface{}, error) {
	if in.Input == nil {
		return nil, nil
	}
	return toBool(in.Definition.Name, in.Input)
}

func toBool(field string, v interface{}) (bool, error) {
	switch v.(type) {
	case bool, string, int, int32, int64:
		b, err := cast.ToBoolE(v)
		if err == nil {
			return b, nil
		}
	}
	return false, models.NewParseError(field, v, models.ErrInvalidValue)
}

// mapOperands applies convert to a literal, or to every operand of an
// operator object including the elements of $in and $nin.
func mapOperands(input interface{}, convert func(interface{}) (interface{}, error)) (interface{}, error) {
	ops, ok := matcher.IsOperatorObject(input)
	if !ok {
		return convert(input)
	}
	out := bson.M{}
	for op, operand := range ops {
		switch op {
		case models.OpIn, models.OpNin:
			items, ok := helpers.AsSlice(operand)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects an array", models.ErrBadQuery, op)
			}
			converted := make([]interface{}, len(items))
			for i, item := range items {
				c, err := convert(item)
				if err != nil {
					return nil, err
				}
				converted[i] = c
			}
			out[op] = converted
		case models.OpEq, models.OpNe, models.OpGt, models.OpGte, models.OpLt, models.OpLte:
			c, err := convert(operand)
			if err != nil {
				return nil, err
			}
			out[op] = c
		default:
			out[op] = operand
		}
	}
	return out, nil
}
