// Package config defines the settings threaded through every pipeline
// component. Values come from defaults, an optional YAML file and
// LAKEHOUSE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Relational configures the relational (MySQL) source.
type Relational struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// Document configures the document (MongoDB) source.
type Document struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// Artifacts configures where bronze and silver artifacts are written.
type Artifacts struct {
	Root string `yaml:"root"`
}

// Gold configures the embedded analytical store.
type Gold struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// Mirror optionally copies artifacts to a GCS bucket.
type Mirror struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// Enabled reports whether a bucket is configured.
func (m Mirror) Enabled() bool {
	return m.Bucket != ""
}

// Pipeline configures orchestration.
type Pipeline struct {
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Interval   time.Duration `yaml:"interval"`
	// Mapping selects how the document source's columns are aligned to the
	// relational source's: "name" or "positional".
	Mapping string            `yaml:"mapping"`
	Renames map[string]string `yaml:"renames"`
}

// Log configures zap.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the complete pipeline configuration.
type Config struct {
	Relational Relational `yaml:"relational"`
	Document   Document   `yaml:"document"`
	Artifacts  Artifacts  `yaml:"artifacts"`
	Gold       Gold       `yaml:"gold"`
	Mirror     Mirror     `yaml:"mirror"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Log        Log        `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	root := "data_lakehouse"
	return Config{
		Relational: Relational{
			Host:     "127.0.0.1",
			Port:     3306,
			User:     "root",
			Database: "fraud_detection",
			Table:    "transactions_mysql",
		},
		Document: Document{
			URI:        "mongodb://127.0.0.1:27017",
			Database:   "fraude_nosql",
			Collection: "transactions_mongo",
		},
		Artifacts: Artifacts{Root: root},
		Gold: Gold{
			Path:  filepath.Join(root, "gold", "fraud_analysis.sqlite"),
			Table: "final_transactions",
		},
		Pipeline: Pipeline{
			Retries:    1,
			RetryDelay: time.Minute,
			Interval:   24 * time.Hour,
			Mapping:    "name",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LAKEHOUSE_MYSQL_HOST":       &c.Relational.Host,
		"LAKEHOUSE_MYSQL_USER":       &c.Relational.User,
		"LAKEHOUSE_MYSQL_PASSWORD":   &c.Relational.Password,
		"LAKEHOUSE_MYSQL_DATABASE":   &c.Relational.Database,
		"LAKEHOUSE_MYSQL_TABLE":      &c.Relational.Table,
		"LAKEHOUSE_MONGO_URI":        &c.Document.URI,
		"LAKEHOUSE_MONGO_DATABASE":   &c.Document.Database,
		"LAKEHOUSE_MONGO_COLLECTION": &c.Document.Collection,
		"LAKEHOUSE_ARTIFACT_ROOT":    &c.Artifacts.Root,
		"LAKEHOUSE_GOLD_PATH":        &c.Gold.Path,
		"LAKEHOUSE_GOLD_TABLE":       &c.Gold.Table,
		"LAKEHOUSE_MIRROR_BUCKET":    &c.Mirror.Bucket,
		"LAKEHOUSE_MIRROR_PREFIX":    &c.Mirror.Prefix,
		"LAKEHOUSE_MIRROR_ENDPOINT":  &c.Mirror.Endpoint,
		"LAKEHOUSE_PIPELINE_MAPPING": &c.Pipeline.Mapping,
		"LAKEHOUSE_LOG_LEVEL":        &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("LAKEHOUSE_MYSQL_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LAKEHOUSE_MYSQL_PORT %q: %w", v, err)
		}
		c.Relational.Port = port
	}
	if v, ok := lookup("LAKEHOUSE_PIPELINE_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LAKEHOUSE_PIPELINE_RETRIES %q: %w", v, err)
		}
		c.Pipeline.Retries = n
	}
	durations := map[string]*time.Duration{
		"LAKEHOUSE_PIPELINE_RETRY_DELAY": &c.Pipeline.RetryDelay,
		"LAKEHOUSE_PIPELINE_INTERVAL":    &c.Pipeline.Interval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks that every required option is present.
func (c Config) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"relational.host", c.Relational.Host},
		{"relational.database", c.Relational.Database},
		{"relational.table", c.Relational.Table},
		{"document.uri", c.Document.URI},
		{"document.database", c.Document.Database},
		{"document.collection", c.Document.Collection},
		{"artifacts.root", c.Artifacts.Root},
		{"gold.path", c.Gold.Path},
		{"gold.table", c.Gold.Table},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if c.Pipeline.Retries < 0 {
		errs = append(errs, errors.New("pipeline.retries must not be negative"))
	}
	if c.Pipeline.RetryDelay < 0 {
		errs = append(errs, errors.New("pipeline.retry_delay must not be negative"))
	}
	if c.Pipeline.Interval <= 0 {
		errs = append(errs, errors.New("pipeline.interval must be positive"))
	}
	switch c.Pipeline.Mapping {
	case "name", "positional":
	default:
		errs = append(errs, fmt.Errorf("pipeline.mapping must be \"name\" or \"positional\", got %q", c.Pipeline.Mapping))
	}
	return errors.Join(errs...)
}

// MySQLAddr returns host:port for the relational source.
func (r Relational) MySQLAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
