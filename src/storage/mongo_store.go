package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"composedb/src/helpers"
	"composedb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopt "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore stores one database in MongoDB.
type MongoStore struct {
	client   *mongo.Client
	database string
	logger   *zap.SugaredLogger
}

var _ models.Accessor = (*MongoStore)(nil)

// NewMongoStore connects to uri and pings the server before returning.
func NewMongoStore(ctx context.Context, uri, database string, timeout time.Duration, logger *zap.SugaredLogger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := mopt.Client().ApplyURI(uri)
	opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, mongoError(err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, mongoError(err)
	}
	logger.Infow("Connected to MongoDB", "database", database)
	return &MongoStore{client: client, database: database, logger: logger}, nil
}

func (ms *MongoStore) coll(name string) *mongo.Collection {
	return ms.client.Database(ms.database).Collection(name)
}

func (ms *MongoStore) Find(ctx context.Context, query models.Query, name string, opts models.FindOptions, schema *models.Schema) (*models.Result, error) {
	filter := MongoFilter(query)
	findOpts := mopt.Find()

	if len(opts.Sort) > 0 {
		sortDoc := bson.D{}
		for _, sortItem := range opts.Sort {
			direction := 1
			if sortItem.Order < 0 {
				direction = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: sortItem.Field, Value: direction})
		}
		findOpts.SetSort(sortDoc)
	}
	if len(opts.Fields) > 0 {
		findOpts.SetProjection(opts.Fields)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}

	cursor, err := ms.coll(name).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, mongoError(err)
	}
	defer cursor.Close(ctx)

	results := []models.Document{}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, mongoError(err)
		}
		results = append(results, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, mongoError(err)
	}

	total := len(results) + opts.Skip
	if opts.Limit > 0 || opts.Skip > 0 {
		count, err := ms.coll(name).CountDocuments(ctx, filter)
		if err != nil {
			return nil, mongoError(err)
		}
		total = int(count)
	}

	ms.logger.Debugw("Mongo find", "database", ms.database, "collection", name, "returned", len(results))
	return &models.Result{
		Results:  results,
		Metadata: models.Metadata{Limit: opts.Limit, Skip: opts.Skip, TotalCount: total},
	}, nil
}

func (ms *MongoStore) Insert(ctx context.Context, docs []models.Document, name string, schema *models.Schema) ([]models.Document, error) {
	if len(docs) == 0 {
		return []models.Document{}, nil
	}
	inserted := make([]models.Document, 0, len(docs))
	documentList := make([]any, 0, len(docs))
	for _, doc := range docs {
		stored := helpers.CloneDocument(doc)
		if stored == nil {
			stored = models.Document{}
		}
		if _, ok := stored[models.IDField]; !ok {
			stored[models.IDField] = helpers.GenerateUUID()
		}
		inserted = append(inserted, stored)
		documentList = append(documentList, stored)
	}
	if _, err := ms.coll(name).InsertMany(ctx, documentList); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateID, err)
		}
		return nil, mongoError(err)
	}
	return inserted, nil
}

func (ms *MongoStore) Update(ctx context.Context, query models.Query, update models.Document, name string, schema *models.Schema) (int64, error) {
	sets, unsets, err := splitUpdate(update)
	if err != nil {
		return 0, err
	}
	change := bson.M{}
	if len(sets) > 0 {
		sets = helpers.CloneDocument(sets)
		delete(sets, models.IDField)
		change[OpSet] = sets
	}
	if len(unsets) > 0 {
		change[OpUnset] = unsets
	}
	if len(change) == 0 {
		return 0, nil
	}
	result, err := ms.coll(name).UpdateMany(ctx, MongoFilter(query), change)
	if err != nil {
		return 0, mongoError(err)
	}
	return result.MatchedCount, nil
}

func (ms *MongoStore) Delete(ctx context.Context, query models.Query, name string, schema *models.Schema) (int64, error) {
	result, err := ms.coll(name).DeleteMany(ctx, MongoFilter(query))
	if err != nil {
		return 0, mongoError(err)
	}
	return result.DeletedCount, nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	return ms.client.Disconnect(ctx)
}

// MongoFilter rewrites a query into a MongoDB filter. $containsAny has no
// server side equivalent; on an array field $in has the same meaning.
func MongoFilter(query models.Query) bson.M {
	filter := make(bson.M, len(query))
	for key, value := range query {
		filter[key] = mongoValue(value)
	}
	return filter
}

func mongoValue(value interface{}) interface{} {
	if m, ok := value.(bson.M); ok {
		out := make(bson.M, len(m))
		for k, v := range m {
			if k == models.OpContainsAny {
				k = models.OpIn
			}
			out[k] = mongoValue(v)
		}
		return out
	}
	if m, ok := value.(map[string]interface{}); ok {
		return mongoValue(bson.M(m))
	}
	if items, ok := helpers.AsSlice(value); ok {
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = mongoValue(item)
		}
		return out
	}
	return value
}

// mongoError maps connection failures to models.ErrDisconnected.
func mongoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrClientDisconnected) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", models.ErrDisconnected, err)
	}
	return err
}
