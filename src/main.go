package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"composedb/src/directors"
	"composedb/src/fields"
	"composedb/src/models"
	"composedb/src/settings"
	"composedb/src/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "composedb",
	Short: "composedb - schema driven document queries across referenced collections",
	Long: `composedb runs document queries whose filters may reach into referenced
collections, and composes reference fields into the documents they point at.

Configuration sources, in order of precedence:
  1. Command line flags
  2. Environment variables (COMPOSEDB_*)
  3. A config file given with --config
  4. Defaults

Examples:
  composedb schemas
  composedb find books --filter '{"author.name": "Tolstoy"}' --compose
  composedb insert people --doc '{"name": "Leo Tolstoy"}'
  composedb import books ./books.yaml`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to config file")
	flags.String("datadir", "./datafiles", "Directory to store data files")
	flags.String("schemadir", "./schemas", "Directory of collection schema files")
	flags.String("logdir", "", "Directory to store log files (default: stderr only)")
	flags.String("backend", settings.BackendFile, "Storage backend: memory|file|mongo|postgres")
	flags.String("mongo-uri", "", "MongoDB connection string")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	flags.String("database", "default", "Database of collections named without one")
	flags.Int("compose-depth", 1, "Maximum number of reference hops")
	flags.String("media-bucket", "media", "Collection Media fields point at by default")
	flags.Duration("connect-timeout", 0, "Timeout for connecting to the storage backend")
	flags.Bool("debug", false, "Enable debug logging")
	flags.Bool("verbose", false, "Enable verbose logging")

	rootCmd.AddCommand(newFindCmd(), newInsertCmd(), newImportCmd(), newSchemasCmd())
}

// app is the wiring shared by every command.
type app struct {
	args     *settings.Arguments
	logger   *zap.SugaredLogger
	registry *directors.Registry
	service  *directors.CollectionService
}

func newApp(cmd *cobra.Command) (*app, error) {
	args, err := settings.Load(viper.New(), cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, err := settings.NewLogger(args)
	if err != nil {
		return nil, err
	}

	if args.Verbose {
		logger.Infow("composedb starting",
			"backend", args.Backend,
			"dataDir", args.DataDir,
			"schemaDir", args.SchemaDir,
			"database", args.Database,
			"composeDepth", args.ComposeDepth)
	}

	registry := directors.NewRegistry(args.Database, accessorFactory(args, logger), logger)
	if _, err := os.Stat(args.SchemaDir); err == nil {
		if _, err := directors.LoadSchemas(args.SchemaDir, registry, logger); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read schema directory: %w", err)
	}
	if err := registry.Freeze(args.MediaBucket); err != nil {
		return nil, err
	}

	service := directors.NewCollectionService(registry, fields.NewRegistry(), directors.ServiceConfig{
		MediaBucket: args.MediaBucket,
		MaxDepth:    args.ComposeDepth,
	}, logger)

	return &app{args: args, logger: logger, registry: registry, service: service}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.registry.Close(ctx); err != nil {
		a.logger.Warnw("Error closing storage", "error", err)
	}
	_ = a.logger.Sync()
}

// accessorFactory opens the configured backend for one database.
func accessorFactory(args *settings.Arguments, logger *zap.SugaredLogger) directors.AccessorFactory {
	return func(ctx context.Context, database string) (models.Accessor, error) {
		switch args.Backend {
		case settings.BackendMemory:
			return storage.NewMemoryStore(logger), nil
		case settings.BackendFile:
			return storage.NewFileStore(args.DataDir, database, logger)
		case settings.BackendMongo:
			ctx, cancel := context.WithTimeout(ctx, args.ConnectTimeout)
			defer cancel()
			return storage.NewMongoStore(ctx, args.MongoURI, database, args.ConnectTimeout, logger)
		case settings.BackendPostgres:
			ctx, cancel := context.WithTimeout(ctx, args.ConnectTimeout)
			defer cancel()
			return storage.NewPostgresStore(ctx, args.PostgresDSN, database, logger)
		}
		return nil, fmt.Errorf("unknown backend %q", args.Backend)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if models.IsBadQuery(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
