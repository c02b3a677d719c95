package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COMPOSEDB"

type Arguments struct {
	// The file path to the datafiles
	DataDir string `mapstructure:"datadir"`

	// Directory of collection schema files
	SchemaDir string `mapstructure:"schemadir"`

	// Directory for log files. Empty logs to stderr only.
	LogDir string `mapstructure:"logdir"`

	ConfigFile string `mapstructure:"config"`

	// memory, file, mongo or postgres
	Backend string `mapstructure:"backend"`

	MongoURI    string `mapstructure:"mongo-uri"`
	PostgresDSN string `mapstructure:"postgres-dsn"`

	// Database used when a collection names none
	Database string `mapstructure:"database"`

	// Maximum number of reference hops for filters and composition
	ComposeDepth int `mapstructure:"compose-depth"`

	// Collection Media fields point at by default
	MediaBucket string `mapstructure:"media-bucket"`

	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`

	Debug bool `mapstructure:"debug"`

	// Strongly verbose logging
	Verbose bool `mapstructure:"verbose"`
}

var (
	instance *Arguments
	mu       sync.RWMutex
)

// GetSettings returns the arguments the process was started with. Before
// Load it returns the defaults.
func GetSettings() *Arguments {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		return Defaults()
	}
	return instance
}

func setSettings(args *Arguments) {
	mu.Lock()
	defer mu.Unlock()
	instance = args
}

// Defaults returns the arguments used when nothing else is configured.
func Defaults() *Arguments {
	return &Arguments{
		DataDir:        "./datafiles",
		SchemaDir:      "./schemas",
		Backend:        BackendFile,
		Database:       "default",
		ComposeDepth:   1,
		MediaBucket:    "media",
		ConnectTimeout: 10 * time.Second,
	}
}

// Load reads the arguments from, in increasing precedence, the defaults,
// the config file, COMPOSEDB_* environment variables and flags.
func Load(v *viper.Viper, flags *pflag.FlagSet) (*Arguments, error) {
	if v == nil {
		v = viper.New()
	}
	defaults := Defaults()
	v.SetDefault("datadir", defaults.DataDir)
	v.SetDefault("schemadir", defaults.SchemaDir)
	v.SetDefault("backend", defaults.Backend)
	v.SetDefault("database", defaults.Database)
	v.SetDefault("compose-depth", defaults.ComposeDepth)
	v.SetDefault("media-bucket", defaults.MediaBucket)
	v.SetDefault("connect-timeout", defaults.ConnectTimeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	args := &Arguments{}
	if err := v.Unmarshal(args); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := Validate(args); err != nil {
		return nil, err
	}
	setSettings(args)
	return args, nil
}

// Validate checks that the arguments describe a usable configuration.
func Validate(args *Arguments) error {
	switch args.Backend {
	case BackendMemory, BackendFile:
	case BackendMongo:
		if args.MongoURI == "" {
			return fmt.Errorf("backend %s requires mongo-uri", args.Backend)
		}
	case BackendPostgres:
		if args.PostgresDSN == "" {
			return fmt.Errorf("backend %s requires postgres-dsn", args.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", args.Backend)
	}
	if args.ComposeDepth < 1 {
		return fmt.Errorf("compose-depth must be at least 1, got %d", args.ComposeDepth)
	}
	if args.Database == "" {
		return fmt.Errorf("database must not be empty")
	}
	if args.Backend == BackendFile && args.DataDir == "" {
		return fmt.Errorf("backend %s requires datadir", args.Backend)
	}
	return nil
}

// NewLogger builds the process logger: development config when Debug is
// set, production otherwise. With a LogDir the output also goes to a
// timestamped file in it.
func NewLogger(args *Arguments) (*zap.SugaredLogger, error) {
	var config zap.Config
	if args.Debug {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		if !args.Verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
	}
	config.OutputPaths = []string{"stderr"}

	if args.LogDir != "" {
		if err := os.MkdirAll(args.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(args.LogDir, fmt.Sprintf("%s_composedb.log", timestamp))
		config.OutputPaths = append(config.OutputPaths, logFile)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}
