// Package fields maps declared schema field types to the hooks that
// transform values at each pipeline stage: before a query is issued,
// before a value is saved and before it is returned to a client.
package fields

import (
	"context"

	"composedb/src/models"
)

// QueryInput is handed to BeforeQuery hooks.
type QueryInput struct {
	// Path is the full query key, which may be a dotted path into the field.
	Path       string
	Definition models.FieldDefinition
	Input      interface{}
	Schema     *models.Schema
}

// SaveInput is handed to BeforeSave hooks.
type SaveInput struct {
	Definition  models.FieldDefinition
	Input       interface{}
	Schema      *models.Schema
	Catalog     models.Catalog
	Registry    *Registry
	MediaBucket string
}

// OutputInput is handed to BeforeOutput hooks.
type OutputInput struct {
	Definition models.FieldDefinition
	Input      interface{}
	Schema     *models.Schema
}

// QueryHook transforms a match expression before it reaches storage.
type QueryHook interface {
	BeforeQuery(in QueryInput) (interface{}, error)
}

// SaveHook transforms a value before it is stored. It may read or write
// other collections through the catalog.
type SaveHook interface {
	BeforeSave(ctx context.Context, in SaveInput) (interface{}, error)
}

// OutputHook transforms a stored value before it is returned.
type OutputHook interface {
	BeforeOutput(ctx context.Context, in OutputInput) (interface{}, error)
}

// Registry dispatches hooks by field type tag. A type without a given hook
// passes values through unchanged.
type Registry struct {
	types map[models.FieldType]interface{}
}

// NewRegistry returns a registry populated with the built-in field types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[models.FieldType]interface{})}
	r.Register(models.FieldTypeString, StringType{})
	r.Register(models.FieldTypeNumber, NumberType{})
	r.Register(models.FieldTypeBoolean, BooleanType{})
	r.Register(models.FieldTypeDateTime, DateTimeType{})
	r.Register(models.FieldTypeObject, ObjectType{})
	r.Register(models.FieldTypeMixed, ObjectType{})
	r.Register(models.FieldTypeReference, ReferenceType{})
	r.Register(models.FieldTypeMedia, ReferenceType{})
	return r
}

// Register installs the handler for a type tag. The handler implements any
// subset of QueryHook, SaveHook and OutputHook. Registration must happen
// before the registry is shared.
func (r *Registry) Register(tag models.FieldType, handler interface{}) {
	r.types[tag] = handler
}

// BeforeQuery runs the field type's query hook.
func (r *Registry) BeforeQuery(in QueryInput) (interface{}, error) {
	if hook, ok := r.types[in.Definition.Kind()].(QueryHook); ok {
		return hook.BeforeQuery(in)
	}
	return in.Input, nil
}

// BeforeSave runs the field type's save hook.
func (r *Registry) BeforeSave(ctx context.Context, in SaveInput) (interface{}, error) {
	if in.Registry == nil {
		in.Registry = r
	}
	if hook, ok := r.types[in.Definition.Kind()].(SaveHook); ok {
		return hook.BeforeSave(ctx, in)
	}
	return in.Input, nil
}

// BeforeOutput runs the field type's output hook.
func (r *Registry) BeforeOutput(ctx context.Context, in OutputInput) (interface{}, error) {
	if hook, ok := r.types[in.Definition.Kind()].(OutputHook); ok {
		return hook.BeforeOutput(ctx, in)
	}
	return in.Input, nil
}
