package directors

import (
	"context"
	"errors"
	"testing"
	"time"

	"composedb/src/fields"
	"composedb/src/models"
	"composedb/src/storage"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

var published = time.Date(1869, 1, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T, maxDepth int) (*CollectionService, *storage.MemoryStore) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	store := storage.NewMemoryStore(logger)
	registry := NewRegistry("library", nil, logger)
	registry.RegisterAccessor("library", store)

	schemas := []*models.Schema{
		{
			Collection: "books",
			Fields: map[string]models.FieldDefinition{
				"title":     {Type: "String", IsRequired: true},
				"pages":     {Type: "Number"},
				"published": {Type: "DateTime", Settings: models.FieldSettings{Format: "YYYY"}},
				"author":    {Type: "Reference", Settings: models.FieldSettings{Collection: "people"}},
				"tags":      {Type: "Reference", Settings: models.FieldSettings{Multiple: true}},
			},
			Settings: models.CollectionSettings{Count: 2},
		},
		{
			Collection: "people",
			Fields: map[string]models.FieldDefinition{
				"name":   {Type: "String", IsRequired: true, IsUnique: true},
				"born":   {Type: "DateTime", Settings: models.FieldSettings{Format: "YYYY-MM-DD"}},
				"mentor": {Type: "Reference", Settings: models.FieldSettings{Collection: "people"}},
			},
		},
		{
			Collection: "tags",
			Fields: map[string]models.FieldDefinition{
				"label": {Type: "String"},
			},
		},
	}
	for _, s := range schemas {
		if err := registry.RegisterSchema(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := registry.Freeze(""); err != nil {
		t.Fatal(err)
	}

	types := fields.NewRegistry()
	types.Register(models.FieldTypeDateTime, fields.DateTimeType{Clock: func() time.Time { return published }})

	store.Seed("people",
		bson.M{"_id": "p1", "name": "Leo Tolstoy", "born": time.Date(1828, 9, 9, 0, 0, 0, 0, time.UTC).UnixMilli()},
		bson.M{"_id": "p2", "name": "Fyodor Dostoevsky"},
		bson.M{"_id": "p3", "name": "Anton Chekhov", "mentor": "p1"},
	)
	store.Seed("tags",
		bson.M{"_id": "t1", "label": "classic"},
		bson.M{"_id": "t2", "label": "russian"},
	)
	store.Seed("books",
		bson.M{"_id": "b1", "title": "War and Peace", "author": "p1", "tags": []interface{}{"t1", "t2"}, "published": published.UnixMilli()},
		bson.M{"_id": "b2", "title": "Anna Karenina", "author": "p1", "tags": []interface{}{"t2"}},
		bson.M{"_id": "b3", "title": "Crime and Punishment", "author": "p2"},
		bson.M{"_id": "b4", "title": "The Seagull", "author": "p3"},
	)

	return NewCollectionService(registry, types, ServiceConfig{MaxDepth: maxDepth}, logger), store
}

func TestSplitTarget(t *testing.T) {
	tests := map[string][2]string{
		"books":         {"", "books"},
		"archive/books": {"archive", "books"},
	}
	for target, want := range tests {
		database, collection := SplitTarget(target)
		if database != want[0] || collection != want[1] {
			t.Errorf("SplitTarget(%q) = %q, %q", target, database, collection)
		}
	}
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, 1)

	result, err := s.Find(ctx, "books", models.Query{"author.name": "leo tolstoy"}, FindOptions{
		FindOptions: models.FindOptions{Sort: []models.SortField{{Field: "_id", Order: 1}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	var titles []interface{}
	for _, doc := range result.Results {
		titles = append(titles, doc["title"])
	}
	if diff := cmp.Diff([]interface{}{"War and Peace", "Anna Karenina"}, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}

	// the collection count setting is the default page size
	all, err := s.Find(ctx, "library/books", models.Query{}, FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Results) != 2 || all.Metadata.TotalCount != 4 || all.Metadata.Limit != 2 {
		t.Errorf("default page = %d results, metadata %+v", len(all.Results), all.Metadata)
	}

	none, err := s.Find(ctx, "books", models.Query{"tags.label": "poetry"}, FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(none.Results) != 0 {
		t.Errorf("expected no results, got %v", none.Results)
	}

	if _, err := s.Find(ctx, "films", models.Query{}, FindOptions{}); !models.IsBadQuery(err) {
		t.Errorf("expected a bad query for an unknown collection, got %v", err)
	}
	if _, err := s.Find(ctx, "books", models.Query{"pages": "lots"}, FindOptions{}); !errors.Is(err, models.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestFindCompose(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, 2)

	result, err := s.Find(ctx, "books", models.Query{"_id": "b4"}, FindOptions{Compose: true, Depth: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("expected one book, got %d", len(result.Results))
	}
	book := result.Results[0]
	author, ok := book["author"].(models.Document)
	if !ok {
		t.Fatalf("author not composed: %v", book["author"])
	}
	mentor, ok := author["mentor"].(models.Document)
	if !ok || mentor["name"] != "Leo Tolstoy" {
		t.Errorf("mentor not composed: %v", author["mentor"])
	}
	if diff := cmp.Diff(bson.M{"author": "p3"}, book["composed"]); diff != "" {
		t.Errorf("composed record mismatch (-want +got):\n%s", diff)
	}

	if err := s.Output(ctx, "books", result.Results); err != nil {
		t.Fatal(err)
	}
	if mentor["born"] != "1828-09-09" {
		t.Errorf("nested output hooks did not run, born = %v", mentor["born"])
	}
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t, 1)

	inserted, err := s.Insert(ctx, "books", []models.Document{{
		"title":     "Resurrection",
		"pages":     "483",
		"published": "1899",
		"author":    bson.M{"name": "Count Tolstoy's secretary"},
		"tags":      "t1",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 {
		t.Fatalf("expected one document, got %d", len(inserted))
	}
	doc := inserted[0]
	if doc["pages"] != int64(483) {
		t.Errorf("pages = %#v", doc["pages"])
	}
	if doc["published"] != time.Date(1899, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("published = %#v", doc["published"])
	}
	if diff := cmp.Diff([]interface{}{"t1"}, doc["tags"]); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	authorID, ok := doc["author"].(string)
	if !ok {
		t.Fatalf("new author should be stored as an identifier, got %v", doc["author"])
	}
	people, err := store.Find(ctx, models.Query{"_id": authorID}, "people", models.FindOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(people.Results) != 1 {
		t.Errorf("new author was not stored")
	}

	found, err := s.Find(ctx, "books", models.Query{"author.name": "count tolstoy's secretary"}, FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(found.Results) != 1 || found.Results[0]["title"] != "Resurrection" {
		t.Errorf("inserted book not found through its author: %v", found.Results)
	}
}

func TestInsertValidation(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t, 1)

	_, err := s.Insert(ctx, "books", []models.Document{
		{"title": "Valid"},
		{"pages": "many"},
	})
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("expected 2 errors, got %d: %v", n, err)
	}
	if !errors.Is(err, models.ErrRequiredField) || !errors.Is(err, models.ErrInvalidValue) {
		t.Errorf("expected ErrRequiredField and ErrInvalidValue, got %v", err)
	}
	result, err := store.Find(ctx, models.Query{"title": "Valid"}, "books", models.FindOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 0 {
		t.Error("no document of a failing batch may be stored")
	}

	if _, err := s.Insert(ctx, "people", []models.Document{{"name": "Leo Tolstoy"}}); !errors.Is(err, models.ErrInvalidValue) {
		t.Errorf("expected a unique violation, got %v", err)
	}
	if _, err := s.Insert(ctx, "people", []models.Document{{"name": "Ivan Bunin"}, {"name": "Ivan Bunin"}}); !errors.Is(err, models.ErrInvalidValue) {
		t.Errorf("expected a unique violation within the batch, got %v", err)
	}
	if _, err := s.Insert(ctx, "books", []models.Document{{"title": "Bad", "author": true}}); !errors.Is(err, models.ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
}

func TestUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s, store := newService(t, 1)

	count, err := s.Update(ctx, "books", models.Query{"author.name": "leo tolstoy"}, models.Document{
		"$set": bson.M{"pages": "1000"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("updated %d books, want 2", count)
	}
	result, err := store.Find(ctx, models.Query{"pages": int64(1000)}, "books", models.FindOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Metadata.TotalCount != 2 {
		t.Errorf("pages were not coerced before saving: %v", result.Results)
	}

	if _, err := s.Update(ctx, "books", models.Query{}, models.Document{"pages": "some"}); !errors.Is(err, models.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}

	deleted, err := s.Delete(ctx, "books", models.Query{"tags.label": "russian"})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d books, want 2", deleted)
	}
	remaining, err := store.Find(ctx, models.Query{}, "books", models.FindOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if remaining.Metadata.TotalCount != 2 {
		t.Errorf("%d books remain, want 2", remaining.Metadata.TotalCount)
	}
}

func TestOutput(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, 1)

	result, err := s.Find(ctx, "books", models.Query{"_id": "b1"}, FindOptions{Compose: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Output(ctx, "books", result.Results); err != nil {
		t.Fatal(err)
	}
	book := result.Results[0]
	if book["published"] != "1869" {
		t.Errorf("published = %v, want 1869", book["published"])
	}
	author := book["author"].(models.Document)
	if author["born"] != "1828-09-09" {
		t.Errorf("author born = %v, want 1828-09-09", author["born"])
	}
}
