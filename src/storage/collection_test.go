package storage

import (
	"errors"
	"testing"

	"composedb/src/models"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

func TestApplyUpdate(t *testing.T) {
	tests := []struct {
		name   string
		update models.Document
		want   models.Document
	}{
		{
			name:   "plain document sets fields",
			update: models.Document{"title": "Resurrection", "_id": "other"},
			want:   models.Document{"_id": "b1", "title": "Resurrection", "meta": bson.M{"pages": 483}},
		},
		{
			name:   "$set with a dotted path",
			update: models.Document{"$set": bson.M{"meta.pages": 500, "meta.isbn": "x"}},
			want:   models.Document{"_id": "b1", "title": "War", "meta": bson.M{"pages": 500, "isbn": "x"}},
		},
		{
			name:   "$set creates intermediate documents",
			update: models.Document{"$set": bson.M{"series.name": "Epics"}},
			want: models.Document{"_id": "b1", "title": "War", "meta": bson.M{"pages": 483},
				"series": models.Document{"name": "Epics"}},
		},
		{
			name:   "$unset",
			update: models.Document{"$unset": bson.M{"meta.pages": "", "missing.path": "", "_id": ""}},
			want:   models.Document{"_id": "b1", "title": "War", "meta": bson.M{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := models.Document{"_id": "b1", "title": "War", "meta": bson.M{"pages": 483}}
			if err := ApplyUpdate(doc, tt.update); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, doc); diff != "" {
				t.Errorf("ApplyUpdate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyUpdateErrors(t *testing.T) {
	doc := models.Document{"_id": "b1"}
	if err := ApplyUpdate(doc, models.Document{"$inc": bson.M{"n": 1}}); !errors.Is(err, models.ErrBadQuery) {
		t.Errorf("expected ErrBadQuery for $inc, got %v", err)
	}
	if err := ApplyUpdate(doc, models.Document{"$set": "x"}); !errors.Is(err, models.ErrBadQuery) {
		t.Errorf("expected ErrBadQuery for a scalar $set, got %v", err)
	}
}

func TestNewCollectionSkipsDocumentsWithoutID(t *testing.T) {
	c := newCollection([]models.Document{{"_id": "a"}, {"name": "no id"}, {"_id": "b"}})
	if len(c.docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(c.docs))
	}
	if c.ids["b"] != 1 {
		t.Errorf("index of b = %d, want 1", c.ids["b"])
	}
}
