package directors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"composedb/src/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrFrozen is returned when a schema is registered after Freeze.
var ErrFrozen = errors.New("registry is frozen")

// AccessorFactory opens the accessor for a database the first time it is
// needed.
type AccessorFactory func(ctx context.Context, database string) (models.Accessor, error)

// Registry holds every collection schema and the accessor of each
// database. Schemas are registered once at startup; after Freeze the
// registry is read only and safe to share.
type Registry struct {
	defaultDatabase string
	schemas         map[string]*models.Schema
	frozen          bool

	mu        sync.Mutex
	accessors map[string]models.Accessor
	factory   AccessorFactory

	logger *zap.SugaredLogger
}

var _ models.Catalog = (*Registry)(nil)

func NewRegistry(defaultDatabase string, factory AccessorFactory, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		defaultDatabase: defaultDatabase,
		schemas:         make(map[string]*models.Schema),
		accessors:       make(map[string]models.Accessor),
		factory:         factory,
		logger:          logger,
	}
}

func schemaKey(database, collection string) string {
	return database + "/" + collection
}

// RegisterSchema adds a collection schema. A schema without a database
// belongs to the default database.
func (r *Registry) RegisterSchema(schema *models.Schema) error {
	if r.frozen {
		return ErrFrozen
	}
	if schema == nil || schema.Collection == "" {
		return fmt.Errorf("schema has no collection name")
	}
	if schema.Database == "" {
		schema.Database = r.defaultDatabase
	}
	for name, def := range schema.Fields {
		if _, ok := models.ParseFieldType(def.Type); !ok {
			return fmt.Errorf("collection %s: field %q has unknown type %q", schema.Collection, name, def.Type)
		}
	}

	key := schemaKey(schema.Database, schema.Collection)
	if _, exists := r.schemas[key]; exists {
		return fmt.Errorf("collection %s is already registered in database %s", schema.Collection, schema.Database)
	}
	r.schemas[key] = schema
	r.logger.Debugw("Registered schema", "database", schema.Database, "collection", schema.Collection, "fields", len(schema.Fields))
	return nil
}

// RegisterAccessor sets the accessor of a database, replacing the factory
// for it.
func (r *Registry) RegisterAccessor(database string, accessor models.Accessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessors[database] = accessor
}

// Freeze ends registration. It fails when a reference field points at a
// collection that has no schema.
func (r *Registry) Freeze(mediaBucket string) error {
	var errs error
	for _, schema := range r.Schemas() {
		for _, def := range schema.ReferenceFields() {
			database := def.TargetDatabase(schema.Database)
			collection := def.TargetCollection(mediaBucket)
			if _, ok := r.schemas[schemaKey(database, collection)]; !ok {
				errs = multierr.Append(errs, fmt.Errorf("collection %s: field %q references %s/%s: %w",
					schema.Collection, def.Name, database, collection, models.ErrCollectionNotFound))
			}
		}
	}
	if errs != nil {
		return errs
	}
	r.frozen = true
	return nil
}

func (r *Registry) Schema(database, collection string) (*models.Schema, error) {
	if database == "" {
		database = r.defaultDatabase
	}
	schema, ok := r.schemas[schemaKey(database, collection)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrCollectionNotFound, database, collection)
	}
	return schema, nil
}

// Schemas returns every registered schema ordered by database and name.
func (r *Registry) Schemas() []*models.Schema {
	out := make([]*models.Schema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return out[i].Collection < out[j].Collection
	})
	return out
}

// Accessor returns the accessor of database, opening it through the
// factory on first use.
func (r *Registry) Accessor(database string) (models.Accessor, error) {
	if database == "" {
		database = r.defaultDatabase
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if accessor, ok := r.accessors[database]; ok {
		return accessor, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no accessor for database %s: %w", database, models.ErrDisconnected)
	}
	accessor, err := r.factory(context.Background(), database)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", database, err)
	}
	r.accessors[database] = accessor
	r.logger.Infow("Opened database", "database", database)
	return accessor, nil
}

func (r *Registry) DefaultDatabase() string {
	return r.defaultDatabase
}

// Close closes every opened accessor.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	for database, accessor := range r.accessors {
		if err := accessor.Close(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing database %s: %w", database, err))
		}
		delete(r.accessors, database)
	}
	return errs
}
