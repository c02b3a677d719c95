package engine

import (
	"context"
	"errors"
	"testing"

	"composedb/src/models"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestResolver(t *testing.T, catalog models.Catalog, maxDepth int) *ReferenceResolver {
	t.Helper()
	logger := testLogger(t)
	return NewReferenceResolver(catalog, NewQueryNormalizer(nil, logger), logger, ResolverConfig{MaxDepth: maxDepth})
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		maxDepth int
		query    models.Query
		want     models.Query
	}{
		{
			name:  "no reference fragments",
			query: models.Query{"title": "War and Peace", "author": "p1"},
			want:  models.Query{"title": "War and Peace", "author": "p1"},
		},
		{
			name:  "single valued field takes the match",
			query: models.Query{"author.name": "leo tolstoy"},
			want:  models.Query{"author": "p1"},
		},
		{
			name:  "single valued field without a match",
			query: models.Query{"author.name": "Nikolai Gogol"},
			want:  models.Query{"author": ""},
		},
		{
			name:  "multiple field",
			query: models.Query{"tags.label": "classic"},
			want:  models.Query{"tags": bson.M{"$containsAny": []interface{}{"t1"}}},
		},
		{
			name:  "multiple field without a match",
			query: models.Query{"tags.label": "poetry"},
			want:  models.Query{"tags": bson.M{"$in": []interface{}{}}},
		},
		{
			name:  "fragments of one field share a sub-query",
			query: models.Query{"author.name": bson.M{"$regex": "o"}, "author._id": bson.M{"$ne": "p1"}},
			want:  models.Query{"author": "p2"},
		},
		{
			name:  "outer constraint narrows the sub-query",
			query: models.Query{"author": "p3", "author.name": bson.M{"$regex": "o"}},
			want:  models.Query{"author": "p3"},
		},
		{
			name:  "link field",
			query: models.Query{"author.mentor.name": "Leo Tolstoy"},
			want:  models.Query{"author": bson.M{"$in": []interface{}{"p3"}}},
		},
		{
			name:  "link field without a match",
			query: models.Query{"author.mentor.name": "Anton Chekhov"},
			want:  models.Query{"author": bson.M{"$in": []interface{}{}}},
		},
		{
			name:  "link field with an outer constraint",
			query: models.Query{"author": bson.M{"$in": []interface{}{"p1", "p2"}}, "author.mentor.name": "Leo Tolstoy"},
			want:  models.Query{"author": bson.M{"$in": []interface{}{}}},
		},
		{
			name:     "nested reference below the depth limit",
			maxDepth: 2,
			query:    models.Query{"author.mentor.name": "Leo Tolstoy"},
			want:     models.Query{"author": "p3"},
		},
		{
			name: "fragments inside $or clauses",
			query: models.Query{"$or": []interface{}{
				bson.M{"author.name": "Anton Chekhov"},
				bson.M{"title": "War and Peace"},
			}},
			want: models.Query{"$or": []interface{}{
				models.Query{"author": "p3"},
				models.Query{"title": "War and Peace"},
			}},
		},
		{
			name:  "fragments inside $and clauses",
			query: models.Query{"$and": []interface{}{bson.M{"tags.label": "classic"}}},
			want: models.Query{"$and": []interface{}{
				models.Query{"tags": bson.M{"$containsAny": []interface{}{"t1"}}},
			}},
		},
		{
			name:  "fields are resolved independently",
			query: models.Query{"author.name": "Fyodor Dostoevsky", "tags.label": "russian", "title": "x"},
			want: models.Query{
				"author": "p2",
				"tags":   bson.M{"$containsAny": []interface{}{"t2"}},
				"title":  "x",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, _ := newLibrary(t)
			r := newTestResolver(t, catalog, tt.maxDepth)

			got, err := r.Resolve(context.Background(), tt.query, catalog.schema(t, "books"))
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveResultFilters(t *testing.T) {
	catalog, store := newLibrary(t)
	books := catalog.schema(t, "books")
	r := newTestResolver(t, catalog, 1)
	ctx := context.Background()

	query, err := r.Resolve(ctx, models.Query{"author.name": "Leo Tolstoy"}, books)
	if err != nil {
		t.Fatal(err)
	}
	result, err := store.Find(ctx, query, "books", models.FindOptions{}, books)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 1 || result.Results[0]["_id"] != "b1" {
		t.Errorf("expected only b1, got %v", result.Results)
	}

	query, err = r.Resolve(ctx, models.Query{"tags.label": "russian"}, books)
	if err != nil {
		t.Fatal(err)
	}
	result, err = store.Find(ctx, query, "books", models.FindOptions{}, books)
	if err != nil {
		t.Fatal(err)
	}
	if result.Metadata.TotalCount != 2 {
		t.Errorf("expected 2 russian books, got %d", result.Metadata.TotalCount)
	}

	query, err = r.Resolve(ctx, models.Query{"$or": []interface{}{
		bson.M{"author.name": "Anton Chekhov"},
		bson.M{"tags.label": "classic"},
	}}, books)
	if err != nil {
		t.Fatal(err)
	}
	result, err = store.Find(ctx, query, "books", models.FindOptions{Sort: []models.SortField{{Field: "_id", Order: 1}}}, books)
	if err != nil {
		t.Fatal(err)
	}
	var ids []interface{}
	for _, doc := range result.Results {
		ids = append(ids, doc["_id"])
	}
	if diff := cmp.Diff([]interface{}{"b1", "b3"}, ids); diff != "" {
		t.Errorf("$or results mismatch (-want +got):\n%s", diff)
	}

	query, err = r.Resolve(ctx, models.Query{"author.name": "Nikolai Gogol"}, books)
	if err != nil {
		t.Fatal(err)
	}
	result, err = store.Find(ctx, query, "books", models.FindOptions{}, books)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 0 {
		t.Errorf("a fragment without matches must match nothing, got %v", result.Results)
	}
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown referenced collection", func(t *testing.T) {
		catalog, _ := newLibrary(t)
		catalog.add(&models.Schema{
			Database:   testDatabase,
			Collection: "shelves",
			Fields: map[string]models.FieldDefinition{
				"ghost": {Type: "Reference"},
			},
		})
		r := newTestResolver(t, catalog, 1)
		_, err := r.Resolve(ctx, models.Query{"ghost.name": "x"}, catalog.schema(t, "shelves"))
		if !errors.Is(err, models.ErrBadQuery) {
			t.Errorf("expected ErrBadQuery, got %v", err)
		}
		if models.IsRetryable(err) {
			t.Error("a bad query must not be retryable")
		}
	})

	t.Run("path crossing two references", func(t *testing.T) {
		catalog, _ := newLibrary(t)
		r := newTestResolver(t, catalog, 1)
		_, err := r.Resolve(ctx, models.Query{"author.mentor.name.first": "Leo"}, catalog.schema(t, "books"))
		if !errors.Is(err, models.ErrBadQuery) {
			t.Errorf("expected ErrBadQuery, got %v", err)
		}
	})

	t.Run("invalid value in a fragment", func(t *testing.T) {
		catalog, _ := newLibrary(t)
		catalog.add(&models.Schema{
			Database:   testDatabase,
			Collection: "people",
			Fields: map[string]models.FieldDefinition{
				"born": {Type: "Number"},
			},
		})
		r := newTestResolver(t, catalog, 1)
		_, err := r.Resolve(ctx, models.Query{"author.born": "long ago"}, catalog.schema(t, "books"))
		if !models.IsBadQuery(err) {
			t.Errorf("expected a client error, got %v", err)
		}
	})

	t.Run("$or that is not an array of documents", func(t *testing.T) {
		catalog, _ := newLibrary(t)
		r := newTestResolver(t, catalog, 1)
		for _, value := range []interface{}{"author.name", []interface{}{"author.name"}} {
			_, err := r.Resolve(ctx, models.Query{"$or": value}, catalog.schema(t, "books"))
			if !errors.Is(err, models.ErrBadQuery) {
				t.Errorf("$or %v: expected ErrBadQuery, got %v", value, err)
			}
		}
	})

	t.Run("disconnected storage", func(t *testing.T) {
		catalog, store := newLibrary(t)
		if err := store.Close(ctx); err != nil {
			t.Fatal(err)
		}
		r := newTestResolver(t, catalog, 1)
		got, err := r.Resolve(ctx, models.Query{"author.name": "Leo Tolstoy"}, catalog.schema(t, "books"))
		if !errors.Is(err, models.ErrDisconnected) {
			t.Errorf("expected ErrDisconnected, got %v", err)
		}
		if !models.IsRetryable(err) {
			t.Error("a disconnected store should be retryable")
		}
		if got != nil {
			t.Errorf("no query should be returned on failure, got %v", got)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		catalog, _ := newLibrary(t)
		r := newTestResolver(t, catalog, 1)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := r.Resolve(cancelled, models.Query{"author.name": "Leo Tolstoy"}, catalog.schema(t, "books"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestResolveKeepsIdentifierTypes(t *testing.T) {
	catalog, store := newLibrary(t)
	oid := seedTypedIDs(store)
	books := catalog.schema(t, "books")
	r := newTestResolver(t, catalog, 1)
	ctx := context.Background()

	tests := []struct {
		name  string
		query models.Query
		want  models.Query
		book  string
	}{
		{
			name:  "numeric id",
			query: models.Query{"author.name": "Nikolai Gogol"},
			want:  models.Query{"author": 7},
			book:  "b4",
		},
		{
			name:  "object id",
			query: models.Query{"author.name": "Ivan Turgenev"},
			want:  models.Query{"author": oid},
			book:  "b5",
		},
		{
			name:  "link field with numeric ids",
			query: models.Query{"author.mentor.name": "Nikolai Gogol"},
			want:  models.Query{"author": bson.M{"$in": []interface{}{int64(8)}}},
			book:  "b6",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.query, books)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
			}

			result, err := store.Find(ctx, got, "books", models.FindOptions{}, books)
			if err != nil {
				t.Fatal(err)
			}
			if len(result.Results) != 1 || result.Results[0]["_id"] != tt.book {
				t.Errorf("expected only %s, got %v", tt.book, result.Results)
			}
		})
	}
}

func TestResolveOrdersIdentifiers(t *testing.T) {
	catalog, store := newLibrary(t)
	store.Seed("people",
		bson.M{"_id": "p3", "name": "Anton Chekhov"},
		bson.M{"_id": "p2", "name": "Fyodor Dostoevsky"},
		bson.M{"_id": "p1", "name": "Leo Tolstoy"},
	)
	store.Seed("tags",
		bson.M{"_id": "t2", "label": "russian"},
		bson.M{"_id": "t1", "label": "classic"},
		bson.M{"_id": "t0", "label": "classic"},
	)
	r := newTestResolver(t, catalog, 1)

	got, err := r.Resolve(context.Background(), models.Query{
		"author.name": bson.M{"$regex": "o"},
		"tags.label":  bson.M{"$regex": "s"},
	}, catalog.schema(t, "books"))
	if err != nil {
		t.Fatal(err)
	}
	want := models.Query{
		"author": "p1",
		"tags":   bson.M{"$containsAny": []interface{}{"t0", "t1", "t2"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}
