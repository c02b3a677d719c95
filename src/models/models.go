package models

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	// IDField is the identifier key every stored document carries.
	IDField = "_id"

	// ComposedField records, per reference field, the raw identifier(s)
	// that composition replaced with sub-documents.
	ComposedField = "composed"
)

// Query operators understood by every accessor. $containsAny matches when
// an array field shares at least one element with the operand.
const (
	OpEq          = "$eq"
	OpNe          = "$ne"
	OpGt          = "$gt"
	OpGte         = "$gte"
	OpLt          = "$lt"
	OpLte         = "$lte"
	OpIn          = "$in"
	OpNin         = "$nin"
	OpContainsAny = "$containsAny"
	OpRegex       = "$regex"
	OpOptions     = "$options"
	OpExists      = "$exists"
	OpAnd         = "$and"
	OpOr          = "$or"
)

// Document is a single record as stored. Composition mutates it in place.
type Document = bson.M

// Query maps a dotted field path to a match expression: a literal, a
// primitive.Regex or an operator object.
type Query = bson.M

// FieldType is the closed set of declared schema field types.
type FieldType string

const (
	FieldTypeString    FieldType = "String"
	FieldTypeNumber    FieldType = "Number"
	FieldTypeBoolean   FieldType = "Boolean"
	FieldTypeDateTime  FieldType = "DateTime"
	FieldTypeObject    FieldType = "Object"
	FieldTypeMixed     FieldType = "Mixed"
	FieldTypeReference FieldType = "Reference"
	FieldTypeMedia     FieldType = "Media"
)

var fieldTypes = []FieldType{
	FieldTypeString,
	FieldTypeNumber,
	FieldTypeBoolean,
	FieldTypeDateTime,
	FieldTypeObject,
	FieldTypeMixed,
	FieldTypeReference,
	FieldTypeMedia,
}

// ParseFieldType resolves a declared type name case-insensitively. Unknown
// names come back as-is with ok set to false.
func ParseFieldType(name string) (FieldType, bool) {
	for _, t := range fieldTypes {
		if strings.EqualFold(string(t), name) {
			return t, true
		}
	}
	return FieldType(name), false
}

// Match types for String fields.
const (
	MatchTypeExact = "exact"
)

// FieldDefinition describes one field of a collection schema.
type FieldDefinition struct {
	Name         string        `yaml:"-" json:"-"`
	Type         string        `yaml:"type" json:"type"`
	IsRequired   bool          `yaml:"required" json:"required"`
	IsUnique     bool          `yaml:"unique" json:"unique"`
	DefaultValue interface{}   `yaml:"default" json:"default"`
	MatchType    string        `yaml:"matchType" json:"matchType"`
	Settings     FieldSettings `yaml:"settings" json:"settings"`
}

// FieldSettings holds the type specific settings of a field.
type FieldSettings struct {
	// Collection referenced by a Reference or Media field. Defaults to the
	// field name.
	Collection string `yaml:"collection" json:"collection"`

	// Database of the referenced collection. Defaults to the database of
	// the referencing schema.
	Database string `yaml:"database" json:"database"`

	// Fields to project on resolved sub-documents.
	Fields []string `yaml:"fields" json:"fields"`

	// Multiple marks a field storing a list of identifiers.
	Multiple bool `yaml:"multiple" json:"multiple"`

	// Compose overrides the referenced collection's composition policy.
	Compose *bool `yaml:"compose" json:"compose"`

	// Format for DateTime fields: iso, unix or a moment style pattern.
	Format string `yaml:"format" json:"format"`
}

// Kind returns the normalized type tag of the field.
func (f FieldDefinition) Kind() FieldType {
	t, _ := ParseFieldType(f.Type)
	return t
}

// IsReference reports whether values of the field point into another
// collection.
func (f FieldDefinition) IsReference() bool {
	k := f.Kind()
	return k == FieldTypeReference || k == FieldTypeMedia
}

// TargetCollection returns the collection a reference field points at.
// Media fields without an explicit collection use mediaBucket.
func (f FieldDefinition) TargetCollection(mediaBucket string) string {
	if f.Settings.Collection != "" {
		return f.Settings.Collection
	}
	if f.Kind() == FieldTypeMedia && mediaBucket != "" {
		return mediaBucket
	}
	return f.Name
}

// TargetDatabase returns the database of the referenced collection.
func (f FieldDefinition) TargetDatabase(current string) string {
	if f.Settings.Database != "" {
		return f.Settings.Database
	}
	return current
}

// Projection converts the declared sub-document fields into a projection
// map. A nil map means all fields.
func (f FieldDefinition) Projection() map[string]int {
	if len(f.Settings.Fields) == 0 {
		return nil
	}
	projection := make(map[string]int, len(f.Settings.Fields)+1)
	for _, name := range f.Settings.Fields {
		projection[name] = 1
	}
	projection[IDField] = 1
	return projection
}

// CollectionSettings are the collection wide settings of a schema.
type CollectionSettings struct {
	// Compose is the collection's own composition policy. Unset allows it.
	Compose *bool `yaml:"compose" json:"compose"`

	// Count is the default page size for finds without a limit.
	Count int `yaml:"count" json:"count"`

	Description string `yaml:"description" json:"description"`
}

// Schema is the field layout and settings of one collection.
type Schema struct {
	Database   string                     `yaml:"-" json:"-"`
	Collection string                     `yaml:"-" json:"-"`
	Fields     map[string]FieldDefinition `yaml:"fields" json:"fields"`
	Settings   CollectionSettings         `yaml:"settings" json:"settings"`
}

// Field looks a field up by name.
func (s *Schema) Field(name string) (FieldDefinition, bool) {
	if s == nil {
		return FieldDefinition{}, false
	}
	f, ok := s.Fields[name]
	if ok && f.Name == "" {
		f.Name = name
	}
	return f, ok
}

// ReferenceFields returns the reference and media fields of the schema.
func (s *Schema) ReferenceFields() []FieldDefinition {
	if s == nil {
		return nil
	}
	var refs []FieldDefinition
	for name := range s.Fields {
		f, _ := s.Field(name)
		if f.IsReference() {
			refs = append(refs, f)
		}
	}
	return refs
}

// AllowsComposition reports the collection's own composition policy.
func (s *Schema) AllowsComposition() bool {
	if s == nil || s.Settings.Compose == nil {
		return true
	}
	return *s.Settings.Compose
}

// SortField orders find results by one field, 1 ascending, -1 descending.
type SortField struct {
	Field string
	Order int
}

// FindOptions shape a find call.
type FindOptions struct {
	Fields map[string]int
	Limit  int
	Skip   int
	Sort   []SortField
}

// Metadata describes the page a find call returned.
type Metadata struct {
	Limit      int `json:"limit"`
	Skip       int `json:"skip"`
	TotalCount int `json:"totalCount"`
}

// Result is what a find call returns.
type Result struct {
	Results  []Document `json:"results"`
	Metadata Metadata   `json:"metadata"`
}

// Accessor is the storage contract. Implementations are safe for
// concurrent use and keep no cursor state across calls.
type Accessor interface {
	Find(ctx context.Context, query Query, collection string, opts FindOptions, schema *Schema) (*Result, error)
	Insert(ctx context.Context, docs []Document, collection string, schema *Schema) ([]Document, error)
	Update(ctx context.Context, query Query, update Document, collection string, schema *Schema) (int64, error)
	Delete(ctx context.Context, query Query, collection string, schema *Schema) (int64, error)
	Close(ctx context.Context) error
}

// SchemaProvider gives synchronous access to collection schemas.
type SchemaProvider interface {
	Schema(database, collection string) (*Schema, error)
}

// Catalog resolves schemas and the accessor that stores each database.
type Catalog interface {
	SchemaProvider
	Accessor(database string) (Accessor, error)
	DefaultDatabase() string
}
