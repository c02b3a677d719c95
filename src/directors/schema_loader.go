package directors

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"composedb/src/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var schemaExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".json": true,
}

// LoadSchemas registers every schema file found under dir. Files directly
// in dir belong to the default database; files in a subdirectory belong
// to the database named after it. The collection is the file name without
// its extension.
func LoadSchemas(dir string, registry *Registry, logger *zap.SugaredLogger) (int, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if !entry.IsDir() {
			n, err := loadSchemaFile(path, registry.DefaultDatabase(), registry)
			if err != nil {
				return loaded, err
			}
			loaded += n
			continue
		}

		files, err := os.ReadDir(path)
		if err != nil {
			return loaded, fmt.Errorf("failed to read schema directory %s: %w", path, err)
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			n, err := loadSchemaFile(filepath.Join(path, file.Name()), entry.Name(), registry)
			if err != nil {
				return loaded, err
			}
			loaded += n
		}
	}

	logger.Infow("Loaded schemas", "directory", dir, "count", loaded)
	return loaded, nil
}

func loadSchemaFile(path, database string, registry *Registry) (int, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !schemaExtensions[ext] {
		return 0, nil
	}

	schema, err := ParseSchema(path)
	if err != nil {
		return 0, err
	}
	schema.Database = database
	schema.Collection = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := registry.RegisterSchema(schema); err != nil {
		return 0, err
	}
	return 1, nil
}

// ParseSchema reads one schema definition. JSON files are read with the
// YAML decoder, which accepts them as-is.
func ParseSchema(path string) (*models.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading schema file %s: %w", path, err)
	}
	var schema models.Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("error decoding schema file %s: %w", path, err)
	}
	if schema.Fields == nil {
		schema.Fields = make(map[string]models.FieldDefinition)
	}
	return &schema, nil
}
