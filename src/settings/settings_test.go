package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Arguments)
		wantErr bool
	}{
		{"defaults", func(*Arguments) {}, false},
		{"memory", func(a *Arguments) { a.Backend = BackendMemory }, false},
		{"unknown backend", func(a *Arguments) { a.Backend = "cassandra" }, true},
		{"mongo without uri", func(a *Arguments) { a.Backend = BackendMongo }, true},
		{"mongo", func(a *Arguments) { a.Backend = BackendMongo; a.MongoURI = "mongodb://localhost" }, false},
		{"postgres without dsn", func(a *Arguments) { a.Backend = BackendPostgres }, true},
		{"zero depth", func(a *Arguments) { a.ComposeDepth = 0 }, true},
		{"empty database", func(a *Arguments) { a.Database = "" }, true},
		{"file backend without datadir", func(a *Arguments) { a.DataDir = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := Defaults()
			tt.modify(args)
			err := Validate(args)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func testFlags(t *testing.T) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.String("backend", BackendFile, "")
	flags.Int("compose-depth", 1, "")
	flags.String("database", "default", "")
	return flags
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "composedb.yaml")
	config := "backend: memory\ndatabase: fromfile\ncompose-depth: 2\nmedia-bucket: uploads\n"
	if err := os.WriteFile(configFile, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COMPOSEDB_DATABASE", "fromenv")
	t.Setenv("COMPOSEDB_CONNECT_TIMEOUT", "3s")

	flags := testFlags(t)
	if err := flags.Parse([]string{"--config", configFile, "--compose-depth", "3"}); err != nil {
		t.Fatal(err)
	}

	args, err := Load(viper.New(), flags)
	if err != nil {
		t.Fatal(err)
	}
	if args.Backend != BackendMemory {
		t.Errorf("Backend = %q, want the config file value", args.Backend)
	}
	if args.Database != "fromenv" {
		t.Errorf("Database = %q, want the environment value", args.Database)
	}
	if args.ComposeDepth != 3 {
		t.Errorf("ComposeDepth = %d, want the flag value", args.ComposeDepth)
	}
	if args.MediaBucket != "uploads" {
		t.Errorf("MediaBucket = %q", args.MediaBucket)
	}
	if args.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v", args.ConnectTimeout)
	}
	if args.SchemaDir != "./schemas" {
		t.Errorf("SchemaDir = %q, want the default", args.SchemaDir)
	}
	if GetSettings() != args {
		t.Error("GetSettings should return the loaded arguments")
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("COMPOSEDB_BACKEND", "postgres")
	if _, err := Load(viper.New(), nil); err == nil {
		t.Error("expected an error for postgres without a dsn")
	}

	if _, err := Load(viper.New(), testFlags(t)); err == nil {
		t.Error("environment values should apply over flag defaults")
	}
}

func TestNewLogger(t *testing.T) {
	args := Defaults()
	args.LogDir = t.TempDir()
	args.Verbose = true

	logger, err := NewLogger(args)
	if err != nil {
		t.Fatal(err)
	}
	logger.Infow("written to the log file", "test", t.Name())
	_ = logger.Sync()

	entries, err := os.ReadDir(args.LogDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(args.LogDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}
