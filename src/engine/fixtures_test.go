package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"composedb/src/models"
	"composedb/src/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testDatabase = "library"

type testCatalog struct {
	schemas map[string]*models.Schema
	stores  map[string]models.Accessor
}

func (c *testCatalog) Schema(database, collection string) (*models.Schema, error) {
	if s, ok := c.schemas[database+"/"+collection]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", models.ErrCollectionNotFound, database, collection)
}

func (c *testCatalog) Accessor(database string) (models.Accessor, error) {
	if s, ok := c.stores[database]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no storage for %s", models.ErrDisconnected, database)
}

func (c *testCatalog) DefaultDatabase() string {
	return testDatabase
}

func (c *testCatalog) add(schema *models.Schema) {
	c.schemas[schema.Database+"/"+schema.Collection] = schema
}

// countingAccessor counts the Find calls reaching the wrapped accessor.
type countingAccessor struct {
	models.Accessor
	finds atomic.Int32
}

func (c *countingAccessor) Find(ctx context.Context, query models.Query, collection string, opts models.FindOptions, schema *models.Schema) (*models.Result, error) {
	c.finds.Add(1)
	return c.Accessor.Find(ctx, query, collection, opts, schema)
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zaptest.NewLogger(t).Sugar()
}

// newLibrary returns a catalog of books, people and tags. Chekhov's mentor
// is Tolstoy.
func newLibrary(t *testing.T) (*testCatalog, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore(testLogger(t))
	catalog := &testCatalog{
		schemas: map[string]*models.Schema{},
		stores:  map[string]models.Accessor{testDatabase: store},
	}

	catalog.add(&models.Schema{
		Database:   testDatabase,
		Collection: "books",
		Fields: map[string]models.FieldDefinition{
			"title":     {Type: "String"},
			"pages":     {Type: "Number"},
			"published": {Type: "Boolean"},
			"author":    {Type: "Reference", Settings: models.FieldSettings{Collection: "people"}},
			"tags":      {Type: "Reference", Settings: models.FieldSettings{Multiple: true}},
		},
	})
	catalog.add(&models.Schema{
		Database:   testDatabase,
		Collection: "people",
		Fields: map[string]models.FieldDefinition{
			"name":   {Type: "String"},
			"mentor": {Type: "Reference", Settings: models.FieldSettings{Collection: "people"}},
		},
	})
	catalog.add(&models.Schema{
		Database:   testDatabase,
		Collection: "tags",
		Fields: map[string]models.FieldDefinition{
			"label": {Type: "String"},
		},
	})

	store.Seed("people",
		bson.M{"_id": "p1", "name": "Leo Tolstoy"},
		bson.M{"_id": "p2", "name": "Fyodor Dostoevsky"},
		bson.M{"_id": "p3", "name": "Anton Chekhov", "mentor": "p1"},
	)
	store.Seed("tags",
		bson.M{"_id": "t1", "label": "classic"},
		bson.M{"_id": "t2", "label": "russian"},
	)
	store.Seed("books",
		bson.M{"_id": "b1", "title": "War and Peace", "author": "p1", "tags": []interface{}{"t1", "t2"}},
		bson.M{"_id": "b2", "title": "Crime and Punishment", "author": "p2", "tags": []interface{}{"t2"}},
		bson.M{"_id": "b3", "title": "The Seagull", "author": "p3"},
	)
	return catalog, store
}

func (c *testCatalog) schema(t *testing.T, collection string) *models.Schema {
	t.Helper()
	s, err := c.Schema(testDatabase, collection)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// seedTypedIDs adds people whose identifiers are not strings, as imported
// JSON and MongoDB's default ids produce, and books pointing at them.
func seedTypedIDs(store *storage.MemoryStore) primitive.ObjectID {
	oid := primitive.NewObjectID()
	store.Seed("people",
		bson.M{"_id": "p1", "name": "Leo Tolstoy"},
		bson.M{"_id": 7, "name": "Nikolai Gogol"},
		bson.M{"_id": oid, "name": "Ivan Turgenev"},
		bson.M{"_id": int64(8), "name": "Mikhail Bulgakov", "mentor": 7},
	)
	store.Seed("books",
		bson.M{"_id": "b1", "title": "War and Peace", "author": "p1"},
		bson.M{"_id": "b4", "title": "Dead Souls", "author": 7},
		bson.M{"_id": "b5", "title": "Fathers and Sons", "author": oid},
		bson.M{"_id": "b6", "title": "The Master and Margarita", "author": int64(8)},
	)
	return oid
}
