package storage

import (
	"errors"
	"fmt"
	"strings"

	"composedb/src/helpers"
	"composedb/src/matcher"
	"composedb/src/models"
)

// ErrDuplicateID is returned when an insert reuses an existing _id.
var ErrDuplicateID = errors.New("duplicate _id")

// Update operators. An update document without operator keys is treated
// as a $set of its fields.
const (
	OpSet   = "$set"
	OpUnset = "$unset"
)

// collection is an ordered set of documents evaluated client side. The
// memory and file engines both keep their data in this shape.
type collection struct {
	docs []models.Document
	ids  map[string]int
}

func newCollection(docs []models.Document) *collection {
	c := &collection{ids: make(map[string]int, len(docs))}
	for _, doc := range docs {
		id, ok := helpers.IDString(doc[models.IDField])
		if !ok {
			continue
		}
		c.ids[id] = len(c.docs)
		c.docs = append(c.docs, doc)
	}
	return c
}

func (c *collection) find(query models.Query, opts models.FindOptions) (*models.Result, error) {
	matched, err := matcher.Filter(c.docs, query)
	if err != nil {
		return nil, err
	}
	return page(matched, opts), nil
}

// page sorts, slices and projects matched documents into a Result. The
// returned documents are copies.
func page(matched []models.Document, opts models.FindOptions) *models.Result {
	total := len(matched)
	if len(opts.Sort) > 0 {
		sorted := make([]models.Document, len(matched))
		copy(sorted, matched)
		matcher.Sort(sorted, opts.Sort)
		matched = sorted
	}

	start := min(max(opts.Skip, 0), len(matched))
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	results := make([]models.Document, 0, end-start)
	for _, doc := range matched[start:end] {
		results = append(results, matcher.Project(doc, opts.Fields))
	}
	return &models.Result{
		Results: results,
		Metadata: models.Metadata{
			Limit:      opts.Limit,
			Skip:       opts.Skip,
			TotalCount: total,
		},
	}
}

func (c *collection) insert(docs []models.Document) ([]models.Document, error) {
	prepared := make([]models.Document, 0, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		stored := helpers.CloneDocument(doc)
		if stored == nil {
			stored = models.Document{}
		}
		id, ok := helpers.IDString(stored[models.IDField])
		if !ok || id == "" {
			id = helpers.GenerateUUID()
			stored[models.IDField] = id
		}
		if _, exists := c.ids[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
		prepared = append(prepared, stored)
	}

	inserted := make([]models.Document, 0, len(prepared))
	for _, doc := range prepared {
		id, _ := helpers.IDString(doc[models.IDField])
		c.ids[id] = len(c.docs)
		c.docs = append(c.docs, doc)
		inserted = append(inserted, helpers.CloneDocument(doc))
	}
	return inserted, nil
}

func (c *collection) update(query models.Query, update models.Document) (int64, error) {
	var count int64
	for _, doc := range c.docs {
		ok, err := matcher.Match(doc, query)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		if err := ApplyUpdate(doc, update); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (c *collection) delete(query models.Query) (int64, error) {
	kept := c.docs[:0]
	var count int64
	for _, doc := range c.docs {
		ok, err := matcher.Match(doc, query)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
			continue
		}
		kept = append(kept, doc)
	}
	for i := len(kept); i < len(c.docs); i++ {
		c.docs[i] = nil
	}
	c.docs = kept
	c.reindex()
	return count, nil
}

func (c *collection) reindex() {
	c.ids = make(map[string]int, len(c.docs))
	for i, doc := range c.docs {
		if id, ok := helpers.IDString(doc[models.IDField]); ok {
			c.ids[id] = i
		}
	}
}

// ApplyUpdate applies an update document to doc in place. Supported forms
// are {$set: {...}}, {$unset: {...}} and a plain document of fields to
// set. The _id of a document cannot be changed.
func ApplyUpdate(doc models.Document, update models.Document) error {
	sets, unsets, err := splitUpdate(update)
	if err != nil {
		return err
	}
	for path, value := range sets {
		if path == models.IDField {
			continue
		}
		setPath(doc, helpers.SplitPath(path), helpers.CloneValue(value))
	}
	for path := range unsets {
		if path == models.IDField {
			continue
		}
		unsetPath(doc, helpers.SplitPath(path))
	}
	return nil
}

func splitUpdate(update models.Document) (map[string]interface{}, map[string]interface{}, error) {
	hasOperator := false
	for key := range update {
		if strings.HasPrefix(key, "$") {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		return update, nil, nil
	}

	var sets, unsets map[string]interface{}
	for key, value := range update {
		switch key {
		case OpSet:
			m, ok := helpers.AsMap(value)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s expects a document", models.ErrBadQuery, key)
			}
			sets = m
		case OpUnset:
			m, ok := helpers.AsMap(value)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s expects a document", models.ErrBadQuery, key)
			}
			unsets = m
		default:
			return nil, nil, fmt.Errorf("%w: unsupported update operator %s", models.ErrBadQuery, key)
		}
	}
	return sets, unsets, nil
}

func setPath(doc map[string]interface{}, path []string, value interface{}) {
	current := doc
	for _, segment := range path[:len(path)-1] {
		next, ok := helpers.AsMap(current[segment])
		if !ok {
			next = models.Document{}
			current[segment] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func unsetPath(doc map[string]interface{}, path []string) {
	current := doc
	for _, segment := range path[:len(path)-1] {
		next, ok := helpers.AsMap(current[segment])
		if !ok {
			return
		}
		current = next
	}
	delete(current, path[len(path)-1])
}
