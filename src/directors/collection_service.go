package directors

import (
	"context"
	"fmt"
	"strings"

	"composedb/src/engine"
	"composedb/src/fields"
	"composedb/src/helpers"
	"composedb/src/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ServiceConfig carries the settings shared by the resolver and composer.
type ServiceConfig struct {
	MediaBucket string
	MaxDepth    int
}

// FindOptions shape a CollectionService find.
type FindOptions struct {
	models.FindOptions

	// Compose replaces reference identifiers in the results with the
	// documents they point at.
	Compose bool

	// Depth is the number of composition hops, 1 when unset.
	Depth int
}

// CollectionService runs reads and writes against collections of a
// catalog. Reads are normalized, have their reference filters resolved
// and are optionally composed; writes go through the field save hooks.
type CollectionService struct {
	catalog    models.Catalog
	types      *fields.Registry
	normalizer *engine.QueryNormalizer
	resolver   *engine.ReferenceResolver
	composer   *engine.Composer
	config     ServiceConfig
	logger     *zap.SugaredLogger
}

func NewCollectionService(catalog models.Catalog, types *fields.Registry, config ServiceConfig, logger *zap.SugaredLogger) *CollectionService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if types == nil {
		types = fields.NewRegistry()
	}
	normalizer := engine.NewQueryNormalizer(types, logger)
	return &CollectionService{
		catalog:    catalog,
		types:      types,
		normalizer: normalizer,
		resolver: engine.NewReferenceResolver(catalog, normalizer, logger, engine.ResolverConfig{
			MediaBucket: config.MediaBucket,
			MaxDepth:    config.MaxDepth,
		}),
		composer: engine.NewComposer(catalog, logger, engine.ComposerConfig{
			MediaBucket: config.MediaBucket,
			MaxDepth:    config.MaxDepth,
		}),
		config: config,
		logger: logger,
	}
}

// SplitTarget splits "database/collection" into its parts. A bare
// collection name belongs to the default database.
func SplitTarget(target string) (string, string) {
	if database, collection, ok := strings.Cut(target, "/"); ok {
		return database, collection
	}
	return "", target
}

func (s *CollectionService) open(target string) (*models.Schema, models.Accessor, error) {
	database, collection := SplitTarget(target)
	if database == "" {
		database = s.catalog.DefaultDatabase()
	}
	schema, err := s.catalog.Schema(database, collection)
	if err != nil {
		return nil, nil, err
	}
	store, err := s.catalog.Accessor(database)
	if err != nil {
		return nil, nil, err
	}
	return schema, store, nil
}

// Query turns a client filter into the query issued against the base
// collection.
func (s *CollectionService) Query(ctx context.Context, schema *models.Schema, filter models.Query) (models.Query, error) {
	if filter == nil {
		filter = models.Query{}
	}
	normalized, err := s.normalizer.Normalize(filter, schema)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(ctx, normalized, schema)
}

func (s *CollectionService) Find(ctx context.Context, target string, filter models.Query, opts FindOptions) (*models.Result, error) {
	schema, store, err := s.open(target)
	if err != nil {
		return nil, err
	}
	query, err := s.Query(ctx, schema, filter)
	if err != nil {
		return nil, err
	}

	findOpts := opts.FindOptions
	if findOpts.Limit <= 0 && schema.Settings.Count > 0 {
		findOpts.Limit = schema.Settings.Count
	}

	result, err := store.Find(ctx, query, schema.Collection, findOpts, schema)
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("Find", "collection", schema.Collection, "returned", len(result.Results), "total", result.Metadata.TotalCount)

	if opts.Compose {
		if _, err := s.composer.ComposeWithOptions(ctx, result.Results, schema, engine.ComposeOptions{Depth: opts.Depth}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Insert prepares each document with the field save hooks and stores the
// batch. Nothing is stored when any document fails; the returned error
// lists every failing field.
func (s *CollectionService) Insert(ctx context.Context, target string, docs []models.Document) ([]models.Document, error) {
	schema, store, err := s.open(target)
	if err != nil {
		return nil, err
	}

	prepared := make([]models.Document, 0, len(docs))
	var errs error
	for i, doc := range docs {
		ready, err := s.types.PrepareDocument(ctx, helpers.CloneDocument(doc), schema, s.catalog, s.config.MediaBucket)
		if err != nil {
			for _, fieldErr := range multierr.Errors(err) {
				errs = multierr.Append(errs, fmt.Errorf("document %d: %w", i, fieldErr))
			}
			continue
		}
		prepared = append(prepared, ready)
	}
	if errs != nil {
		return nil, errs
	}
	if err := s.checkUnique(ctx, store, schema, prepared); err != nil {
		return nil, err
	}

	inserted, err := store.Insert(ctx, prepared, schema.Collection, schema)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Inserted documents", "collection", schema.Collection, "count", len(inserted))
	return inserted, nil
}

// checkUnique rejects documents whose unique fields collide with stored
// documents or with each other.
func (s *CollectionService) checkUnique(ctx context.Context, store models.Accessor, schema *models.Schema, docs []models.Document) error {
	for name, def := range schema.Fields {
		if !def.IsUnique {
			continue
		}
		seen := make(map[string]struct{})
		for _, doc := range docs {
			value, ok := doc[name]
			if !ok || value == nil {
				continue
			}
			key := fmt.Sprint(value)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: field %q must be unique, %v repeats", models.ErrInvalidValue, name, value)
			}
			seen[key] = struct{}{}

			existing, err := store.Find(ctx, models.Query{name: value}, schema.Collection, models.FindOptions{Limit: 1}, schema)
			if err != nil {
				return err
			}
			if len(existing.Results) > 0 {
				return fmt.Errorf("%w: field %q must be unique, %v exists", models.ErrInvalidValue, name, value)
			}
		}
	}
	return nil
}

// Update applies update to every document matching filter. Field values
// being set go through the save hooks first.
func (s *CollectionService) Update(ctx context.Context, target string, filter models.Query, update models.Document) (int64, error) {
	schema, store, err := s.open(target)
	if err != nil {
		return 0, err
	}
	query, err := s.Query(ctx, schema, filter)
	if err != nil {
		return 0, err
	}
	prepared, err := s.prepareUpdate(ctx, schema, update)
	if err != nil {
		return 0, err
	}
	return store.Update(ctx, query, prepared, schema.Collection, schema)
}

func (s *CollectionService) prepareUpdate(ctx context.Context, schema *models.Schema, update models.Document) (models.Document, error) {
	out := helpers.CloneDocument(update)
	sets := out
	if raw, ok := out["$set"]; ok {
		m, ok := helpers.AsMap(raw)
		if !ok {
			return nil, fmt.Errorf("%w: $set expects a document", models.ErrBadQuery)
		}
		sets = m
	}

	var errs error
	for name, value := range sets {
		def, ok := schema.Field(name)
		if !ok || value == nil {
			continue
		}
		saved, err := s.types.BeforeSave(ctx, fields.SaveInput{
			Definition:  def,
			Input:       value,
			Schema:      schema,
			Catalog:     s.catalog,
			Registry:    s.types,
			MediaBucket: s.config.MediaBucket,
		})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sets[name] = saved
	}
	return out, errs
}

func (s *CollectionService) Delete(ctx context.Context, target string, filter models.Query) (int64, error) {
	schema, store, err := s.open(target)
	if err != nil {
		return 0, err
	}
	query, err := s.Query(ctx, schema, filter)
	if err != nil {
		return 0, err
	}
	count, err := store.Delete(ctx, query, schema.Collection, schema)
	if err != nil {
		return 0, err
	}
	s.logger.Infow("Deleted documents", "collection", schema.Collection, "count", count)
	return count, nil
}

// Output runs the output hooks of the collection over docs, in place.
// Composed sub-documents are rendered with their own collection's hooks.
func (s *CollectionService) Output(ctx context.Context, target string, docs []models.Document) error {
	schema, _, err := s.open(target)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := s.output(ctx, doc, schema, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *CollectionService) output(ctx context.Context, doc models.Document, schema *models.Schema, depth int) error {
	if err := s.types.OutputDocument(ctx, doc, schema); err != nil {
		return err
	}
	if depth >= s.maxDepth() {
		return nil
	}
	for _, def := range schema.ReferenceFields() {
		value, ok := doc[def.Name]
		if !ok {
			continue
		}
		refSchema, err := s.catalog.Schema(def.TargetDatabase(schema.Database), def.TargetCollection(s.config.MediaBucket))
		if err != nil {
			continue
		}
		items, isSlice := helpers.AsSlice(value)
		if !isSlice {
			items = []interface{}{value}
		}
		for _, item := range items {
			sub, ok := item.(models.Document)
			if !ok {
				continue
			}
			if err := s.output(ctx, sub, refSchema, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *CollectionService) maxDepth() int {
	if s.config.MaxDepth < 1 {
		return engine.DefaultMaxDepth
	}
	return s.config.MaxDepth
}
