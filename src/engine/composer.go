package engine

import (
	"context"
	"fmt"
	"sort"

	"composedb/src/helpers"
	"composedb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ComposerConfig tunes a Composer.
type ComposerConfig struct {
	// MediaBucket is the collection Media fields point at by default.
	MediaBucket string

	// MaxDepth caps the depth a caller may request.
	MaxDepth int
}

// ComposeOptions shape a single Compose call.
type ComposeOptions struct {
	// Depth is the number of hops to expand. 0 means one hop.
	Depth int
}

// Composer replaces the identifiers held by reference fields with the
// documents they point at.
type Composer struct {
	catalog models.Catalog
	logger  *zap.SugaredLogger
	config  ComposerConfig
}

func NewComposer(catalog models.Catalog, logger *zap.SugaredLogger, config ComposerConfig) *Composer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.MaxDepth < 1 {
		config.MaxDepth = DefaultMaxDepth
	}
	return &Composer{catalog: catalog, logger: logger, config: config}
}

// composePlan is the batched lookup for one reference field across the
// whole result set. ids hold the identifiers as stored; byID is keyed by
// their string form.
type composePlan struct {
	field      models.FieldDefinition
	collection string
	database   string
	schema     *models.Schema
	ids        []interface{}
	byID       map[string]models.Document
}

// Compose expands one hop of references on docs, in place, and returns
// them. Documents keep their count, order and identity.
func (c *Composer) Compose(ctx context.Context, docs []models.Document, schema *models.Schema) ([]models.Document, error) {
	return c.ComposeWithOptions(ctx, docs, schema, ComposeOptions{})
}

// ComposeWithOptions is Compose with an explicit depth. Each further hop
// only happens when the collection reached by the previous hop allows
// composition.
func (c *Composer) ComposeWithOptions(ctx context.Context, docs []models.Document, schema *models.Schema, opts ComposeOptions) ([]models.Document, error) {
	depth := opts.Depth
	if depth < 1 {
		depth = 1
	}
	if depth > c.config.MaxDepth {
		depth = c.config.MaxDepth
	}
	if err := c.compose(ctx, docs, schema, depth); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Composer) compose(ctx context.Context, docs []models.Document, schema *models.Schema, depth int) error {
	if depth < 1 || len(docs) == 0 || schema == nil {
		return nil
	}

	plans, err := c.plan(docs, schema)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return nil
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, p := range plans {
		eg.Go(func() error {
			return c.fetch(egctx, p, depth)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, doc := range docs {
		for _, p := range plans {
			substitute(doc, p)
		}
	}
	return nil
}

// plan collects, per composable reference field, the distinct identifiers
// found across docs.
func (c *Composer) plan(docs []models.Document, schema *models.Schema) ([]*composePlan, error) {
	refs := schema.ReferenceFields()
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

	var plans []*composePlan
	for _, def := range refs {
		var ids []interface{}
		for _, doc := range docs {
			value, ok := doc[def.Name]
			if !ok || value == nil {
				continue
			}
			for _, link := range ParseLinkValues(value) {
				ids = append(ids, link.Value)
			}
		}
		if len(ids) == 0 {
			continue
		}

		database := def.TargetDatabase(schema.Database)
		if database == "" {
			database = c.catalog.DefaultDatabase()
		}
		collection := def.TargetCollection(c.config.MediaBucket)
		refSchema, err := c.catalog.Schema(database, collection)
		if err != nil {
			return nil, fmt.Errorf("composing %s.%s: %w", schema.Collection, def.Name, err)
		}

		if !composable(def, refSchema) {
			c.logger.Debugw("Composition disabled for field",
				"collection", schema.Collection, "field", def.Name, "target", collection)
			continue
		}

		plans = append(plans, &composePlan{
			field:      def,
			collection: collection,
			database:   database,
			schema:     refSchema,
			ids:        uniqueIDs(ids),
		})
	}
	return plans, nil
}

// composable applies the field's own compose setting first and falls back
// to the referenced collection's policy.
func composable(def models.FieldDefinition, refSchema *models.Schema) bool {
	if def.Settings.Compose != nil {
		return *def.Settings.Compose
	}
	return refSchema.AllowsComposition()
}

func (c *Composer) fetch(ctx context.Context, p *composePlan, depth int) error {
	store, err := c.catalog.Accessor(p.database)
	if err != nil {
		return fmt.Errorf("composing %s: %w", p.field.Name, err)
	}

	query := models.Query{models.IDField: bson.M{models.OpIn: p.ids}}
	result, err := store.Find(ctx, query, p.collection, models.FindOptions{Fields: p.field.Projection()}, p.schema)
	if err != nil {
		return fmt.Errorf("composing %s from %s: %w", p.field.Name, p.collection, err)
	}

	c.logger.Debugw("Fetched referenced documents",
		"field", p.field.Name, "collection", p.collection, "requested", len(p.ids), "found", len(result.Results))

	if depth > 1 && p.schema.AllowsComposition() {
		if err := c.compose(ctx, result.Results, p.schema, depth-1); err != nil {
			return err
		}
	}

	p.byID = make(map[string]models.Document, len(result.Results))
	for _, doc := range result.Results {
		if id, ok := helpers.IDString(doc[models.IDField]); ok {
			p.byID[id] = doc
		}
	}
	return nil
}

// substitute swaps the identifiers of one field of doc for their fetched
// documents. Identifiers without a match stay as they are. Inline
// properties of embedded values win over the fetched document.
func substitute(doc models.Document, p *composePlan) {
	raw, ok := doc[p.field.Name]
	if !ok || raw == nil {
		return
	}

	values, isSlice := helpers.AsSlice(raw)
	if !isSlice {
		values = []interface{}{raw}
	}

	out := make([]interface{}, len(values))
	var replaced []interface{}
	for i, value := range values {
		out[i] = value
		link := ParseLinkValue(value)
		if link.Kind == LinkNone {
			continue
		}
		sub, found := p.byID[link.ID]
		if !found {
			continue
		}

		composed := helpers.CloneDocument(sub)
		for k, v := range link.Inline {
			composed[k] = v
		}
		out[i] = composed
		replaced = append(replaced, link.Raw)
	}

	if len(replaced) == 0 {
		return
	}

	if p.field.Settings.Multiple || (isSlice && len(out) != 1) {
		doc[p.field.Name] = out
	} else {
		doc[p.field.Name] = out[0]
	}

	record := composedRecord(doc)
	if _, exists := record[p.field.Name]; exists {
		return
	}
	if p.field.Settings.Multiple {
		record[p.field.Name] = replaced
	} else {
		record[p.field.Name] = replaced[0]
	}
}

// composedRecord returns the document's composed map, creating it when
// missing.
func composedRecord(doc models.Document) map[string]interface{} {
	if record, ok := helpers.AsMap(doc[models.ComposedField]); ok {
		return record
	}
	record := bson.M{}
	doc[models.ComposedField] = record
	return record
}
