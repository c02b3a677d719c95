package fields

import (
	"context"
	"fmt"

	"composedb/src/helpers"
	"composedb/src/models"
)

// ReferenceType handles Reference and Media fields. Stored values are
// identifiers, or embedded objects carrying an _id plus inline properties
// that override the referenced document on composition. Objects without an
// _id are inserted into the referenced collection on save and replaced by
// the new identifier.
type ReferenceType struct{}

func (ReferenceType) BeforeSave(ctx context.Context, in SaveInput) (interface{}, error) {
	if in.Input == nil {
		return nil, nil
	}

	if items, ok := helpers.AsSlice(in.Input); ok {
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			v, err := saveReferenceValue(ctx, in, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		if !in.Definition.Settings.Multiple && len(out) == 1 {
			return out[0], nil
		}
		return out, nil
	}

	v, err := saveReferenceValue(ctx, in, in.Input)
	if err != nil {
		return nil, err
	}
	if in.Definition.Settings.Multiple {
		return []interface{}{v}, nil
	}
	return v, nil
}

func saveReferenceValue(ctx context.Context, in SaveInput, value interface{}) (interface{}, error) {
	if id, ok := helpers.IDString(value); ok {
		return id, nil
	}

	obj, ok := helpers.AsMap(value)
	if !ok {
		return nil, models.NewParseError(in.Definition.Name, value, models.ErrInvalidReference)
	}
	if _, ok := helpers.IDString(obj[models.IDField]); ok {
		return value, nil
	}

	if in.Catalog == nil {
		return nil, models.NewParseError(in.Definition.Name, value,
			fmt.Errorf("%w: embedded document without _id needs a catalog", models.ErrInvalidReference))
	}

	database := in.Definition.TargetDatabase(schemaDatabase(in.Schema, in.Catalog))
	collection := in.Definition.TargetCollection(in.MediaBucket)

	schema, err := in.Catalog.Schema(database, collection)
	if err != nil {
		return nil, fmt.Errorf("resolving reference field %q: %w", in.Definition.Name, err)
	}
	store, err := in.Catalog.Accessor(database)
	if err != nil {
		return nil, fmt.Errorf("resolving reference field %q: %w", in.Definition.Name, err)
	}

	doc := helpers.CloneDocument(obj)
	if in.Registry != nil {
		doc, err = in.Registry.PrepareDocument(ctx, doc, schema, in.Catalog, in.MediaBucket)
		if err != nil {
			return nil, err
		}
	}

	inserted, err := store.Insert(ctx, []models.Document{doc}, collection, schema)
	if err != nil {
		return nil, fmt.Errorf("inserting referenced %s document: %w", collection, err)
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("inserting referenced %s document: no document returned", collection)
	}
	id, ok := helpers.IDString(inserted[0][models.IDField])
	if !ok {
		return nil, fmt.Errorf("inserting referenced %s document: no identifier returned", collection)
	}
	return id, nil
}

func schemaDatabase(schema *models.Schema, catalog models.Catalog) string {
	if schema != nil && schema.Database != "" {
		return schema.Database
	}
	if catalog != nil {
		return catalog.DefaultDatabase()
	}
	return ""
}
