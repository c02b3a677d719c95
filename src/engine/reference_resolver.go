package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"composedb/src/helpers"
	"composedb/src/matcher"
	"composedb/src/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxDepth is the number of reference hops a query or composition
// may cross unless configured otherwise.
const DefaultMaxDepth = 1

// ResolverConfig tunes a ReferenceResolver.
type ResolverConfig struct {
	// MediaBucket is the collection Media fields point at by default.
	MediaBucket string

	// MaxDepth caps nested reference resolution. At the default of 1 a
	// two segment sub-path is always a link field lookup.
	MaxDepth int
}

// ReferenceResolver rewrites queries that filter on fields of referenced
// collections, such as {"author.name": "Tolstoy"}, into queries on the
// base collection's identifiers.
type ReferenceResolver struct {
	catalog    models.Catalog
	normalizer *QueryNormalizer
	logger     *zap.SugaredLogger
	config     ResolverConfig
}

func NewReferenceResolver(catalog models.Catalog, normalizer *QueryNormalizer, logger *zap.SugaredLogger, config ResolverConfig) *ReferenceResolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if normalizer == nil {
		normalizer = NewQueryNormalizer(nil, logger)
	}
	if config.MaxDepth < 1 {
		config.MaxDepth = DefaultMaxDepth
	}
	return &ReferenceResolver{
		catalog:    catalog,
		normalizer: normalizer,
		logger:     logger,
		config:     config,
	}
}

// fragmentGroup collects the query keys that cross one reference field.
// Each group owns exactly one key of the base query.
type fragmentGroup struct {
	field     models.FieldDefinition
	subpaths  [][]string
	values    []interface{}
	existing  interface{}
	hasOuter  bool
	resolved  interface{}
	fragments []string
}

// Resolve returns query with every reference fragment replaced by a
// constraint on the base collection's reference field. A fragment that
// matches nothing becomes a constraint that matches nothing. If any
// fragment fails no query is returned.
func (r *ReferenceResolver) Resolve(ctx context.Context, query models.Query, schema *models.Schema) (models.Query, error) {
	return r.resolve(ctx, query, schema, 0)
}

func (r *ReferenceResolver) resolve(ctx context.Context, query models.Query, schema *models.Schema, depth int) (models.Query, error) {
	base := make(models.Query, len(query))
	groups := make(map[string]*fragmentGroup)

	for key, value := range query {
		if key == models.OpAnd || key == models.OpOr {
			clauses, err := r.resolveClauses(ctx, key, value, schema, depth)
			if err != nil {
				return nil, err
			}
			base[key] = clauses
			continue
		}
		segments := helpers.SplitPath(key)
		def, ok := schema.Field(segments[0])
		if !ok || !def.IsReference() || len(segments) == 1 {
			base[key] = value
			continue
		}
		g, ok := groups[def.Name]
		if !ok {
			g = &fragmentGroup{field: def}
			groups[def.Name] = g
		}
		g.subpaths = append(g.subpaths, segments[1:])
		g.values = append(g.values, value)
		g.fragments = append(g.fragments, key)
	}

	if len(groups) == 0 {
		return base, nil
	}

	names := make([]string, 0, len(groups))
	for name, g := range groups {
		if existing, ok := base[name]; ok {
			g.existing = existing
			g.hasOuter = true
		}
		names = append(names, name)
	}
	sort.Strings(names)

	eg, egctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g := groups[name]
		eg.Go(func() error {
			resolved, err := r.resolveGroup(egctx, g, schema, depth)
			if err != nil {
				return err
			}
			g.resolved = resolved
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, name := range names {
		base[name] = groups[name].resolved
	}
	return base, nil
}

// resolveClauses resolves the reference fragments inside each clause of an
// $and or $or. Each clause is resolved on its own, so an outer constraint
// only narrows fragments of the same clause.
func (r *ReferenceResolver) resolveClauses(ctx context.Context, op string, value interface{}, schema *models.Schema, depth int) ([]interface{}, error) {
	clauses, ok := helpers.AsSlice(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects an array", models.ErrBadQuery, op)
	}
	out := make([]interface{}, 0, len(clauses))
	for _, clause := range clauses {
		sub, ok := helpers.AsMap(clause)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects documents", models.ErrBadQuery, op)
		}
		resolved, err := r.resolve(ctx, sub, schema, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// resolveGroup resolves every fragment of one reference field into the
// constraint substituted for that field.
func (r *ReferenceResolver) resolveGroup(ctx context.Context, g *fragmentGroup, schema *models.Schema, depth int) (interface{}, error) {
	database := g.field.TargetDatabase(r.databaseOf(schema))
	collection := g.field.TargetCollection(r.config.MediaBucket)

	refSchema, err := r.catalog.Schema(database, collection)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", strings.Join(g.fragments, ", "), err)
	}
	store, err := r.catalog.Accessor(database)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", strings.Join(g.fragments, ", "), err)
	}

	direct := models.Query{}
	var links []linkFragment
	for i, sub := range g.subpaths {
		value := g.values[i]
		switch {
		case len(sub) == 1:
			direct[sub[0]] = value
		case depth+1 < r.config.MaxDepth && isReferenceField(refSchema, sub[0]):
			direct[strings.Join(sub, ".")] = value
		case len(sub) == 2:
			links = append(links, linkFragment{linkKey: sub[0], queryKey: sub[1], value: value})
		default:
			return nil, fmt.Errorf("%w: %q crosses more than one reference", models.ErrBadQuery, g.fragments[i])
		}
	}

	var linkIDs []interface{}
	for i, link := range links {
		ids, err := r.resolveLink(ctx, store, refSchema, collection, link)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			linkIDs = ids
		} else {
			linkIDs = intersectIDs(linkIDs, ids)
		}
	}

	if len(direct) == 0 {
		if g.hasOuter {
			linkIDs, err = filterIDs(linkIDs, idConstraint(g.existing))
			if err != nil {
				return nil, err
			}
		}
		r.logger.Debugw("Resolved link field fragment",
			"field", g.field.Name, "collection", collection, "matches", len(linkIDs))
		return bson.M{models.OpIn: linkIDs}, nil
	}

	subQuery, err := r.normalizer.Normalize(direct, refSchema)
	if err != nil {
		return nil, err
	}
	if depth+1 < r.config.MaxDepth {
		subQuery, err = r.resolve(ctx, subQuery, refSchema, depth+1)
		if err != nil {
			return nil, err
		}
	}

	var idClauses []interface{}
	if g.hasOuter {
		idClauses = append(idClauses, bson.M{models.IDField: idConstraint(g.existing)})
	}
	if len(links) > 0 {
		idClauses = append(idClauses, bson.M{models.IDField: bson.M{models.OpIn: linkIDs}})
	}
	if own, ok := subQuery[models.IDField]; ok && len(idClauses) > 0 {
		idClauses = append(idClauses, bson.M{models.IDField: own})
		delete(subQuery, models.IDField)
	}
	switch len(idClauses) {
	case 0:
	case 1:
		subQuery[models.IDField] = idClauses[0].(bson.M)[models.IDField]
	default:
		if own, ok := helpers.AsSlice(subQuery[models.OpAnd]); ok {
			idClauses = append(own, idClauses...)
		}
		subQuery[models.OpAnd] = idClauses
	}

	r.logger.Debugw("Dispatching reference fragment",
		"field", g.field.Name, "collection", collection, "database", database, "depth", depth)

	result, err := store.Find(ctx, subQuery, collection, models.FindOptions{Fields: g.field.Projection()}, refSchema)
	if err != nil {
		return nil, fmt.Errorf("resolving %s against %s: %w", strings.Join(g.fragments, ", "), collection, err)
	}

	ids := resultIDs(result.Results)
	r.logger.Debugw("Resolved reference fragment",
		"field", g.field.Name, "collection", collection, "matches", len(ids))

	return substitution(g.field, ids), nil
}

// substitution builds the constraint for a reference field from the
// identifiers its fragments matched. A single valued field takes the first
// match. No identifiers yields a constraint that matches nothing.
func substitution(field models.FieldDefinition, ids []interface{}) interface{} {
	if field.Settings.Multiple {
		if len(ids) == 0 {
			return bson.M{models.OpIn: []interface{}{}}
		}
		return bson.M{models.OpContainsAny: ids}
	}
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

type linkFragment struct {
	linkKey  string
	queryKey string
	value    interface{}
}

// resolveLink handles a linkKey.queryKey fragment: the referenced
// collection is read in full, parents matching queryKey are selected, and
// the identifiers of the records whose linkKey points at a parent are
// returned.
func (r *ReferenceResolver) resolveLink(ctx context.Context, store models.Accessor, refSchema *models.Schema, collection string, link linkFragment) ([]interface{}, error) {
	condition, err := r.normalizer.Normalize(models.Query{link.queryKey: link.value}, refSchema)
	if err != nil {
		return nil, err
	}

	all, err := store.Find(ctx, models.Query{}, collection, models.FindOptions{}, refSchema)
	if err != nil {
		return nil, fmt.Errorf("resolving link field %s.%s against %s: %w", link.linkKey, link.queryKey, collection, err)
	}

	parents := make(map[string]struct{})
	for _, doc := range all.Results {
		ok, err := matcher.Match(doc, condition)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if id, ok := helpers.IDString(doc[models.IDField]); ok {
			parents[id] = struct{}{}
		}
	}

	var children []interface{}
	for _, doc := range all.Results {
		value, ok := doc[link.linkKey]
		if !ok {
			continue
		}
		for _, lv := range ParseLinkValues(value) {
			if _, isParent := parents[lv.ID]; !isParent {
				continue
			}
			children = append(children, doc[models.IDField])
			break
		}
	}
	return uniqueIDs(children), nil
}

func (r *ReferenceResolver) databaseOf(schema *models.Schema) string {
	if schema != nil && schema.Database != "" {
		return schema.Database
	}
	return r.catalog.DefaultDatabase()
}

func isReferenceField(schema *models.Schema, name string) bool {
	def, ok := schema.Field(name)
	return ok && def.IsReference()
}

// idConstraint turns an outer constraint on a reference field into one on
// the referenced collection's _id.
func idConstraint(existing interface{}) interface{} {
	if ops, ok := matcher.IsOperatorObject(existing); ok {
		out := bson.M{}
		for op, operand := range ops {
			if op == models.OpContainsAny {
				op = models.OpIn
			}
			out[op] = operand
		}
		return out
	}
	if items, ok := helpers.AsSlice(existing); ok {
		return bson.M{models.OpIn: items}
	}
	if link := ParseLinkValue(existing); link.Kind != LinkNone {
		return link.Value
	}
	return existing
}

func filterIDs(ids []interface{}, condition interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		ok, err := matcher.MatchValue(id, condition)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// resultIDs returns the stored _id values of docs, deduplicated.
func resultIDs(docs []models.Document) []interface{} {
	ids := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc[models.IDField])
	}
	return uniqueIDs(ids)
}
