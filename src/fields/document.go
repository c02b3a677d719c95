package fields

import (
	"context"
	"fmt"

	"composedb/src/models"

	"go.uber.org/multierr"
)

// PrepareDocument runs BeforeSave for every schema field present on doc,
// fills defaults and checks required fields. Field errors are collected so
// the caller sees all of them at once; doc is only updated for fields that
// succeeded.
func (r *Registry) PrepareDocument(ctx context.Context, doc models.Document, schema *models.Schema, catalog models.Catalog, mediaBucket string) (models.Document, error) {
	var errs error
	for name := range schema.Fields {
		def, _ := schema.Field(name)

		value, present := doc[name]
		if !present && def.DefaultValue != nil {
			value, present = def.DefaultValue, true
		}
		if !present || value == nil {
			if def.IsRequired {
				errs = multierr.Append(errs, fmt.Errorf("field %q: %w", name, models.ErrRequiredField))
			}
			continue
		}

		saved, err := r.BeforeSave(ctx, SaveInput{
			Definition:  def,
			Input:       value,
			Schema:      schema,
			Catalog:     catalog,
			Registry:    r,
			MediaBucket: mediaBucket,
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		doc[name] = saved
	}
	return doc, errs
}

// OutputDocument runs BeforeOutput for every schema field present on doc,
// in place.
func (r *Registry) OutputDocument(ctx context.Context, doc models.Document, schema *models.Schema) error {
	for name := range schema.Fields {
		value, ok := doc[name]
		if !ok {
			continue
		}
		def, _ := schema.Field(name)
		out, err := r.BeforeOutput(ctx, OutputInput{Definition: def, Input: value, Schema: schema})
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		doc[name] = out
	}
	return nil
}
