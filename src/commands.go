package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"composedb/src/directors"
	"composedb/src/helpers"
	"composedb/src/models"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"
)

func newFindCmd() *cobra.Command {
	var (
		filter  string
		compose bool
		depth   int
		fields  []string
		sortBy  []string
		limit   int
		skip    int
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Find documents in a collection",
		Long: `Find documents matching an extended JSON filter. Keys may reach into
referenced collections with dotted paths, e.g. "author.name".

Examples:
  composedb find books --filter '{"author.name": "Tolstoy"}'
  composedb find books --filter '{"series.title": "War"}' --compose --depth 2
  composedb find library/books --fields title,author --sort -published --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			query, err := parseDocument(filter)
			if err != nil {
				return fmt.Errorf("%w: invalid filter: %v", models.ErrBadQuery, err)
			}

			opts := directors.FindOptions{
				FindOptions: models.FindOptions{
					Fields: projection(fields),
					Limit:  limit,
					Skip:   skip,
					Sort:   sortFields(sortBy),
				},
				Compose: compose,
				Depth:   depth,
			}
			result, err := a.service.Find(cmd.Context(), args[0], query, opts)
			if err != nil {
				return err
			}
			if !raw {
				if err := a.service.Output(cmd.Context(), args[0], result.Results); err != nil {
					return err
				}
			}
			return writeExtJSON(cmd.OutOrStdout(), bson.M{
				"results": result.Results,
				"metadata": bson.M{
					"limit":      result.Metadata.Limit,
					"skip":       result.Metadata.Skip,
					"totalCount": result.Metadata.TotalCount,
				},
			})
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "{}", "Extended JSON filter")
	cmd.Flags().BoolVar(&compose, "compose", false, "Replace reference identifiers with the documents they point at")
	cmd.Flags().IntVar(&depth, "depth", 1, "Number of composition hops")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to return")
	cmd.Flags().StringSliceVar(&sortBy, "sort", nil, "Sort fields, prefix with - for descending")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of documents")
	cmd.Flags().IntVar(&skip, "skip", 0, "Number of documents to skip")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print stored values without output formatting")
	return cmd
}

func newInsertCmd() *cobra.Command {
	var doc string
	cmd := &cobra.Command{
		Use:   "insert <collection>",
		Short: "Insert one document",
		Long: `Insert one extended JSON document. Reference fields may hold an
identifier, an object with an _id, or a new object which is inserted into
the referenced collection first.

Examples:
  composedb insert books --doc '{"title": "Anna Karenina", "author": {"name": "Leo Tolstoy"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			parsed, err := parseDocument(doc)
			if err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}
			inserted, err := a.service.Insert(cmd.Context(), args[0], []models.Document{parsed})
			if err != nil {
				return err
			}
			return writeExtJSON(cmd.OutOrStdout(), bson.M{"inserted": inserted})
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "Extended JSON document")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <collection> <file>",
		Short: "Insert every document of a JSON or YAML file",
		Long: `Insert the documents of a file. JSON files hold extended JSON, either
one document or an array of them. YAML files hold one document or a list.

Examples:
  composedb import people ./people.json
  composedb import library/books ./books.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			docs, err := readDocuments(args[1])
			if err != nil {
				return err
			}
			inserted, err := a.service.Insert(cmd.Context(), args[0], docs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d documents into %s\n", len(inserted), args[0])
			return nil
		},
	}
}

func newSchemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List registered collection schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			schemas := a.registry.Schemas()
			out := cmd.OutOrStdout()
			if len(schemas) == 0 {
				fmt.Fprintf(out, "No schemas found in %s\n", a.args.SchemaDir)
				return nil
			}
			for _, schema := range schemas {
				fmt.Fprintf(out, "%s/%s\n", schema.Database, schema.Collection)
				encoded, err := yaml.Marshal(schema)
				if err != nil {
					return err
				}
				for _, line := range strings.Split(strings.TrimRight(string(encoded), "\n"), "\n") {
					fmt.Fprintf(out, "  %s\n", line)
				}
			}
			return nil
		},
	}
}

// parseDocument reads one relaxed extended JSON document.
func parseDocument(text string) (models.Document, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Document{}, nil
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON([]byte(text), false, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func readDocuments(path string) ([]models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var decoded interface{}
		if err := yaml.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", path, err)
		}
		return toDocuments(decoded)
	}

	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var wrapper struct {
			Documents []bson.M `bson:"documents"`
		}
		wrapped := append(append([]byte(`{"documents":`), trimmed...), '}')
		if err := bson.UnmarshalExtJSON(wrapped, false, &wrapper); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", path, err)
		}
		docs := make([]models.Document, len(wrapper.Documents))
		for i, doc := range wrapper.Documents {
			docs[i] = doc
		}
		return docs, nil
	}

	doc, err := parseDocument(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", path, err)
	}
	return []models.Document{doc}, nil
}

func toDocuments(decoded interface{}) ([]models.Document, error) {
	if m, ok := helpers.AsMap(decoded); ok {
		return []models.Document{models.Document(m)}, nil
	}
	items, ok := helpers.AsSlice(decoded)
	if !ok {
		return nil, fmt.Errorf("expected a document or a list of documents")
	}
	docs := make([]models.Document, 0, len(items))
	for i, item := range items {
		m, ok := helpers.AsMap(item)
		if !ok {
			return nil, fmt.Errorf("entry %d is not a document", i)
		}
		docs = append(docs, models.Document(m))
	}
	return docs, nil
}

func projection(fields []string) map[string]int {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]int, len(fields))
	for _, field := range fields {
		out[strings.TrimSpace(field)] = 1
	}
	return out
}

func sortFields(keys []string) []models.SortField {
	var out []models.SortField
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, "-") {
			out = append(out, models.SortField{Field: key[1:], Order: -1})
			continue
		}
		out = append(out, models.SortField{Field: strings.TrimPrefix(key, "+"), Order: 1})
	}
	return out
}

func writeExtJSON(w io.Writer, doc bson.M) error {
	encoded, err := bson.MarshalExtJSONIndent(doc, false, false, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}
