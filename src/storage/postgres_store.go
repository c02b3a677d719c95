package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"composedb/src/helpers"
	"composedb/src/matcher"
	"composedb/src/models"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const (
	pgUndefinedTable  = "42P01"
	pgUniqueViolation = "23505"
)

// PostgresStore stores one database as a Postgres schema holding one
// jsonb table per collection.
type PostgresStore struct {
	pool     *pgxpool.Pool
	database string
	sq       squirrel.StatementBuilderType
	logger   *zap.SugaredLogger

	ensured sync.Map
}

var _ models.Accessor = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, connString, database string, logger *zap.SugaredLogger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, postgresError(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, postgresError(err)
	}
	logger.Infow("Connected to Postgres", "database", database)
	return &PostgresStore{
		pool:     pool,
		database: database,
		sq:       squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		logger:   logger,
	}, nil
}

func (ps *PostgresStore) table(name string) string {
	return pgx.Identifier{ps.database, name}.Sanitize()
}

func (ps *PostgresStore) selectStatement(query models.Query, name string, opts models.FindOptions) (string, []interface{}, error) {
	return buildFindSQL(ps.sq, ps.table(name), query, opts)
}

// BuildFindSQL returns the statement and arguments a find on table runs.
func BuildFindSQL(table string, query models.Query, opts models.FindOptions) (string, []interface{}, error) {
	return buildFindSQL(squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar), table, query, opts)
}

func buildFindSQL(sq squirrel.StatementBuilderType, table string, query models.Query, opts models.FindOptions) (string, []interface{}, error) {
	where, err := PostgresWhere(query)
	if err != nil {
		return "", nil, err
	}
	selectQuery := sq.Select(idColumn, dataColumn+"::text").From(table).Where(where)
	for _, field := range opts.Sort {
		clause, args := postgresOrder(field)
		selectQuery = selectQuery.OrderByClause(clause, args...)
	}
	if opts.Limit > 0 {
		selectQuery = selectQuery.Limit(uint64(opts.Limit))
	}
	if opts.Skip > 0 {
		selectQuery = selectQuery.Offset(uint64(opts.Skip))
	}
	return selectQuery.ToSql()
}

func (ps *PostgresStore) Find(ctx context.Context, query models.Query, name string, opts models.FindOptions, schema *models.Schema) (*models.Result, error) {
	empty := &models.Result{Results: []models.Document{}, Metadata: models.Metadata{Limit: opts.Limit, Skip: opts.Skip}}

	sqlQuery, args, err := ps.selectStatement(query, name, opts)
	if err != nil {
		return nil, err
	}
	rows, err := ps.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return empty, nil
		}
		return nil, postgresError(err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		if isUndefinedTable(err) {
			return empty, nil
		}
		return nil, postgresError(err)
	}

	results := make([]models.Document, 0, len(docs))
	for _, doc := range docs {
		results = append(results, matcher.Project(doc, opts.Fields))
	}

	total := len(results) + opts.Skip
	if opts.Limit > 0 || opts.Skip > 0 {
		where, err := PostgresWhere(query)
		if err != nil {
			return nil, err
		}
		countSQL, countArgs, err := ps.sq.Select("COUNT(*)").From(ps.table(name)).Where(where).ToSql()
		if err != nil {
			return nil, err
		}
		var count int64
		if err := ps.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&count); err != nil {
			return nil, postgresError(err)
		}
		total = int(count)
	}

	ps.logger.Debugw("Postgres find", "database", ps.database, "collection", name, "returned", len(results))
	return &models.Result{
		Results:  results,
		Metadata: models.Metadata{Limit: opts.Limit, Skip: opts.Skip, TotalCount: total},
	}, nil
}

func (ps *PostgresStore) Insert(ctx context.Context, docs []models.Document, name string, schema *models.Schema) ([]models.Document, error) {
	if len(docs) == 0 {
		return []models.Document{}, nil
	}
	if err := ps.ensureTable(ctx, name); err != nil {
		return nil, err
	}

	insert := ps.sq.Insert(ps.table(name)).Columns(idColumn, dataColumn)
	inserted := make([]models.Document, 0, len(docs))
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
		data, err := bson.MarshalExtJSON(stored, false, false)
		if err != nil {
			return nil, fmt.Errorf("error encoding document %s: %w", id, err)
		}
		insert = insert.Values(id, squirrel.Expr("?::text::jsonb", string(data)))
		inserted = append(inserted, stored)
	}

	sqlQuery, args, err := insert.ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := ps.pool.Exec(ctx, sqlQuery, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, pgErr.Detail)
		}
		return nil, postgresError(err)
	}
	return inserted, nil
}

// Update reads the matching rows inside a transaction, applies the update
// to each document and writes them back.
func (ps *PostgresStore) Update(ctx context.Context, query models.Query, update models.Document, name string, schema *models.Schema) (int64, error) {
	sqlQuery, args, err := ps.selectStatement(query, name, models.FindOptions{})
	if err != nil {
		return 0, err
	}

	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return 0, postgresError(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sqlQuery+" FOR UPDATE", args...)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, postgresError(err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, postgresError(err)
	}

	for _, doc := range docs {
		if err := ApplyUpdate(doc, update); err != nil {
			return 0, err
		}
		id, _ := helpers.IDString(doc[models.IDField])
		data, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return 0, fmt.Errorf("error encoding document %s: %w", id, err)
		}
		updateSQL, updateArgs, err := ps.sq.Update(ps.table(name)).
			Set(dataColumn, squirrel.Expr("?::text::jsonb", string(data))).
			Where(squirrel.Eq{idColumn: id}).
			ToSql()
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, updateSQL, updateArgs...); err != nil {
			return 0, postgresError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, postgresError(err)
	}
	return int64(len(docs)), nil
}

func (ps *PostgresStore) Delete(ctx context.Context, query models.Query, name string, schema *models.Schema) (int64, error) {
	where, err := PostgresWhere(query)
	if err != nil {
		return 0, err
	}
	sqlQuery, args, err := ps.sq.Delete(ps.table(name)).Where(where).ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := ps.pool.Exec(ctx, sqlQuery, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, postgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (ps *PostgresStore) Close(ctx context.Context) error {
	ps.pool.Close()
	return nil
}

func (ps *PostgresStore) ensureTable(ctx context.Context, name string) error {
	if _, ok := ps.ensured.Load(name); ok {
		return nil
	}
	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{ps.database}.Sanitize(),
		"CREATE TABLE IF NOT EXISTS " + ps.table(name) + " (" + idColumn + " text PRIMARY KEY, " + dataColumn + " jsonb NOT NULL)",
	}
	for _, statement := range statements {
		if _, err := ps.pool.Exec(ctx, statement); err != nil {
			return postgresError(err)
		}
	}
	ps.ensured.Store(name, struct{}{})
	return nil
}

func scanDocuments(rows pgx.Rows) ([]models.Document, error) {
	defer rows.Close()
	var docs []models.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var doc bson.M
		if err := bson.UnmarshalExtJSON([]byte(data), false, &doc); err != nil {
			return nil, fmt.Errorf("error decoding document %s: %w", id, err)
		}
		doc[models.IDField] = id
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

// postgresError maps connection failures to models.ErrDisconnected.
func postgresError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", models.ErrDisconnected, err)
	}
	if errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrDisconnected, err)
	}
	return err
}
