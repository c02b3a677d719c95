package matcher

import (
	"testing"

	"composedb/src/models"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
)

func TestProject(t *testing.T) {
	doc := bson.M{
		"_id":   "p1",
		"name":  "Leo Tolstoy",
		"born":  1828,
		"about": bson.M{"country": "Russia", "language": "Russian"},
	}

	tests := []struct {
		name   string
		fields map[string]int
		want   bson.M
	}{
		{
			name:   "no projection copies everything",
			fields: nil,
			want:   doc,
		},
		{
			name:   "inclusion keeps _id",
			fields: map[string]int{"name": 1},
			want:   bson.M{"_id": "p1", "name": "Leo Tolstoy"},
		},
		{
			name:   "inclusion without _id",
			fields: map[string]int{"name": 1, "_id": 0},
			want:   bson.M{"name": "Leo Tolstoy"},
		},
		{
			name:   "nested inclusion",
			fields: map[string]int{"about.country": 1},
			want:   bson.M{"_id": "p1", "about": bson.M{"country": "Russia"}},
		},
		{
			name:   "exclusion",
			fields: map[string]int{"born": 0, "about.language": 0},
			want:   bson.M{"_id": "p1", "name": "Leo Tolstoy", "about": bson.M{"country": "Russia"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(doc, tt.fields)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Project mismatch (-want +got):\n%s", diff)
			}
		})
	}

	// the source document is never modified
	if _, ok := doc["born"]; !ok {
		t.Error("Project modified its input")
	}
}

func TestSort(t *testing.T) {
	docs := []models.Document{
		{"_id": "a", "year": 1869},
		{"_id": "b"},
		{"_id": "c", "year": 1877},
		{"_id": "d", "year": 1869, "title": "B"},
	}

	Sort(docs, []models.SortField{{Field: "year", Order: -1}, {Field: "_id", Order: 1}})

	var got []string
	for _, doc := range docs {
		got = append(got, doc["_id"].(string))
	}
	want := []string{"c", "a", "d", "b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sort order mismatch (-want +got):\n%s", diff)
	}
}
