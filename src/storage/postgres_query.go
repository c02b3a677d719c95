package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"composedb/src/helpers"
	"composedb/src/matcher"
	"composedb/src/models"

	"github.com/Masterminds/squirrel"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Documents live in tables of two columns: the identifier as text and
// the whole document as jsonb. Field paths are passed to the #> and #>>
// operators as text[] arguments, never spliced into the statement.
const (
	idColumn   = "id"
	dataColumn = "data"
)

var (
	sqlTrue  = squirrel.Expr("TRUE")
	sqlFalse = squirrel.Expr("FALSE")
)

// PostgresWhere translates a query into a WHERE predicate.
func PostgresWhere(query models.Query) (squirrel.Sqlizer, error) {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clauses := squirrel.And{}
	for _, key := range keys {
		clause, err := postgresKey(key, query[key])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func postgresKey(key string, value interface{}) (squirrel.Sqlizer, error) {
	switch key {
	case models.OpAnd, models.OpOr:
		items, ok := helpers.AsSlice(value)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an array", models.ErrBadQuery, key)
		}
		parts := make([]squirrel.Sqlizer, 0, len(items))
		for _, item := range items {
			sub, ok := helpers.AsMap(item)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects documents", models.ErrBadQuery, key)
			}
			clause, err := PostgresWhere(sub)
			if err != nil {
				return nil, err
			}
			parts = append(parts, clause)
		}
		if key == models.OpAnd {
			return squirrel.And(parts), nil
		}
		return squirrel.Or(parts), nil
	}

	column := columnFor(key)
	ops, isOperator := matcher.IsOperatorObject(value)
	if !isOperator {
		return column.equals(value)
	}

	opNames := make([]string, 0, len(ops))
	for op := range ops {
		opNames = append(opNames, op)
	}
	sort.Strings(opNames)

	clauses := squirrel.And{}
	for _, op := range opNames {
		operand := ops[op]
		var (
			clause squirrel.Sqlizer
			err    error
		)
		switch op {
		case models.OpEq:
			clause, err = column.equals(operand)
		case models.OpNe:
			clause, err = column.equals(operand)
			clause = negate(clause)
		case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
			clause, err = column.compare(op, operand)
		case models.OpIn:
			clause, err = column.in(operand)
		case models.OpNin:
			clause, err = column.in(operand)
			clause = negate(clause)
		case models.OpContainsAny:
			clause, err = column.containsAny(operand)
		case models.OpRegex:
			options, _ := ops[models.OpOptions].(string)
			clause, err = column.regex(operand, options)
		case models.OpOptions:
			continue
		case models.OpExists:
			clause = column.exists(operand)
		default:
			return nil, fmt.Errorf("%w: unsupported operator %s on %s", models.ErrBadQuery, op, key)
		}
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

// negate inverts a predicate, treating NULL as false first so a missing
// field satisfies $ne and $nin.
func negate(clause squirrel.Sqlizer) squirrel.Sqlizer {
	if clause == nil {
		return nil
	}
	return notClause{clause}
}

type notClause struct {
	inner squirrel.Sqlizer
}

func (n notClause) ToSql() (string, []interface{}, error) {
	sql, args, err := n.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT COALESCE(" + sql + ", FALSE)", args, nil
}

// pgColumn is either the identifier column or a path into the document.
type pgColumn struct {
	id   bool
	path []string
}

func columnFor(key string) pgColumn {
	if key == models.IDField {
		return pgColumn{id: true}
	}
	return pgColumn{path: helpers.SplitPath(key)}
}

func (c pgColumn) equals(value interface{}) (squirrel.Sqlizer, error) {
	if re, ok := value.(primitive.Regex); ok {
		return c.regex(re.Pattern, re.Options)
	}
	if c.id {
		id, ok := helpers.IDString(value)
		if !ok {
			return sqlFalse, nil
		}
		return squirrel.Eq{idColumn: id}, nil
	}
	if value == nil {
		return squirrel.Expr("(data #> ? IS NULL OR data #> ? = 'null'::jsonb)", c.path, c.path), nil
	}
	single, err := jsonText(value)
	if err != nil {
		return nil, err
	}
	wrapped, err := jsonText([]interface{}{value})
	if err != nil {
		return nil, err
	}
	return squirrel.Expr("(data #> ? = ?::text::jsonb OR data #> ? @> ?::text::jsonb)", c.path, single, c.path, wrapped), nil
}

var comparisonSQL = map[string]string{
	models.OpGt:  ">",
	models.OpGte: ">=",
	models.OpLt:  "<",
	models.OpLte: "<=",
}

func (c pgColumn) compare(op string, operand interface{}) (squirrel.Sqlizer, error) {
	symbol := comparisonSQL[op]
	if c.id {
		id, ok := helpers.IDString(operand)
		if !ok {
			return nil, fmt.Errorf("%w: %s on _id expects an identifier", models.ErrBadQuery, op)
		}
		return squirrel.Expr(idColumn+" "+symbol+" ?", id), nil
	}
	value, err := jsonText(operand)
	if err != nil {
		return nil, err
	}
	return squirrel.Expr("data #> ? "+symbol+" ?::text::jsonb", c.path, value), nil
}

func (c pgColumn) in(operand interface{}) (squirrel.Sqlizer, error) {
	items, ok := helpers.AsSlice(operand)
	if !ok {
		return nil, fmt.Errorf("%w: $in expects an array", models.ErrBadQuery)
	}
	if len(items) == 0 {
		return sqlFalse, nil
	}
	if c.id {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			if id, ok := helpers.IDString(item); ok {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return sqlFalse, nil
		}
		return squirrel.Eq{idColumn: ids}, nil
	}
	parts := squirrel.Or{}
	for _, item := range items {
		clause, err := c.equals(item)
		if err != nil {
			return nil, err
		}
		parts = append(parts, clause)
	}
	return parts, nil
}

func (c pgColumn) containsAny(operand interface{}) (squirrel.Sqlizer, error) {
	if c.id {
		return c.in(operand)
	}
	items, ok := helpers.AsSlice(operand)
	if !ok {
		return nil, fmt.Errorf("%w: $containsAny expects an array", models.ErrBadQuery)
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := helpers.IDString(item); ok {
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		return sqlFalse, nil
	}
	return squirrel.Expr("jsonb_exists_any(data #> ?, ?)", c.path, values), nil
}

func (c pgColumn) regex(pattern interface{}, options string) (squirrel.Sqlizer, error) {
	var source string
	switch p := pattern.(type) {
	case string:
		source = p
	case primitive.Regex:
		source = p.Pattern
		if options == "" {
			options = p.Options
		}
	default:
		return nil, fmt.Errorf("%w: $regex expects a string", models.ErrBadQuery)
	}
	operator := "~"
	if strings.Contains(options, "i") {
		operator = "~*"
	}
	if c.id {
		return squirrel.Expr(idColumn+" "+operator+" ?", source), nil
	}
	return squirrel.Expr("data #>> ? "+operator+" ?", c.path, source), nil
}

func (c pgColumn) exists(operand interface{}) squirrel.Sqlizer {
	want := operand != false && operand != nil && operand != 0
	if c.id {
		if want {
			return sqlTrue
		}
		return sqlFalse
	}
	if want {
		return squirrel.Expr("data #> ? IS NOT NULL", c.path)
	}
	return squirrel.Expr("data #> ? IS NULL", c.path)
}

// postgresOrder returns the ORDER BY expression for one sort field.
func postgresOrder(field models.SortField) (string, []interface{}) {
	direction := "ASC"
	if field.Order < 0 {
		direction = "DESC"
	}
	if field.Field == models.IDField {
		return idColumn + " " + direction, nil
	}
	return dataColumn + " #> ? " + direction, []interface{}{helpers.SplitPath(field.Field)}
}

// jsonText encodes a query operand as jsonb text. Operands are scalars
// or arrays of scalars once field normalization has run.
func jsonText(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: cannot encode %v: %v", models.ErrBadQuery, value, err)
	}
	return string(raw), nil
}
