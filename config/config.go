package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gigapi/gigapi-lakehouse/optimize"
	"github.com/gigapi/gigapi-lakehouse/table"
	"github.com/gigapi/gigapi-lakehouse/txn"
)

// Config aggregates configuration for the application.
type Config struct {
	// Root is the warehouse directory. DATA_DIR takes precedence when set.
	Root            string `mapstructure:"root"`
	CatalogDSN      string `mapstructure:"catalog_dsn"`
	Port            int    `mapstructure:"port"`
	FlightSQLPort   int    `mapstructure:"flightsql_port"`
	LogLevel        string `mapstructure:"log_level"`
	DefaultDatabase string `mapstructure:"default_database"`
	// Mode is the gigapi node mode; the module serves queries in readonly and aio.
	Mode     string         `mapstructure:"mode"`
	Table    TableConfig    `mapstructure:"table"`
	Optimize OptimizeConfig `mapstructure:"optimize"`
	Vacuum   VacuumConfig   `mapstructure:"vacuum"`
}

type TableConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	CheckpointInterval int64         `mapstructure:"checkpoint_interval"`
	MaxRowsPerFile     int           `mapstructure:"max_rows_per_file"`
	SnapshotCacheTTL   time.Duration `mapstructure:"snapshot_cache_ttl"`
	SnapshotCacheSize  int           `mapstructure:"snapshot_cache_size"`
}

type OptimizeConfig struct {
	TargetFileSize int64 `mapstructure:"target_file_size"`
	MinInputFiles  int   `mapstructure:"min_input_files"`
	Parallelism    int   `mapstructure:"parallelism"`
}

type VacuumConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	// MinRetention rejects shorter VACUUM retentions; 0 disables the check.
	MinRetention time.Duration `mapstructure:"min_retention"`
}

func Default() *Config {
	commit := txn.DefaultOptions()
	tbl := table.DefaultOptions()
	opt := optimize.DefaultOptions()
	return &Config{
		Root:            "./data",
		Port:            7972,
		FlightSQLPort:   8082,
		LogLevel:        "info",
		DefaultDatabase: "default",
		Mode:            "aio",
		Table: TableConfig{
			MaxRetries:         commit.MaxRetries,
			BaseBackoff:        commit.BaseBackoff,
			MaxBackoff:         commit.MaxBackoff,
			CheckpointInterval: tbl.CheckpointInterval,
			MaxRowsPerFile:     tbl.MaxRowsPerFile,
			SnapshotCacheTTL:   tbl.SnapshotCacheTTL,
			SnapshotCacheSize:  tbl.SnapshotCacheSize,
		},
		Optimize: OptimizeConfig{
			TargetFileSize: opt.TargetFileSize,
			MinInputFiles:  opt.MinInputFiles,
			Parallelism:    opt.Parallelism,
		},
		Vacuum: VacuumConfig{
			Retention:    table.DefaultRetention,
			MinRetention: tbl.MinVacuumRetention,
		},
	}
}

// Load reads configuration from a file and environment variables.
// Environment variables use the prefix "LAKEHOUSE" and the dot character
// in keys is replaced by an underscore, so "table.max_retries" becomes
// "LAKEHOUSE_TABLE_MAX_RETRIES". Without an explicit path an optional
// config.yaml in the working directory is read.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("LAKEHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.Root = dataDir
	}
	if cfg.CatalogDSN == "" {
		cfg.CatalogDSN = filepath.Join(cfg.Root, catalogFile)
	}
	return cfg, nil
}

const catalogFile = "_catalog.db"

// Node holds the settings a gigapi host node passes to its modules.
type Node struct {
	Mode          string
	Root          string
	Port          int
	FlightSQLPort int
}

// ApplyNode takes mode, root and ports from the host node. DATA_DIR still
// wins over the node root, and a catalog DSN derived from the old root
// moves along with it.
func (c *Config) ApplyNode(n Node) {
	if n.Mode != "" {
		c.Mode = n.Mode
	}
	if n.Root != "" && os.Getenv("DATA_DIR") == "" {
		if c.CatalogDSN == filepath.Join(c.Root, catalogFile) {
			c.CatalogDSN = filepath.Join(n.Root, catalogFile)
		}
		c.Root = n.Root
	}
	if n.Port > 0 {
		c.Port = n.Port
	}
	if n.FlightSQLPort > 0 {
		c.FlightSQLPort = n.FlightSQLPort
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

func (c *Config) TableOptions() table.Options {
	return table.Options{
		Commit: txn.Options{
			MaxRetries:  c.Table.MaxRetries,
			BaseBackoff: c.Table.BaseBackoff,
			MaxBackoff:  c.Table.MaxBackoff,
		},
		CheckpointInterval: c.Table.CheckpointInterval,
		MaxRowsPerFile:     c.Table.MaxRowsPerFile,
		SnapshotCacheTTL:   c.Table.SnapshotCacheTTL,
		SnapshotCacheSize:  c.Table.SnapshotCacheSize,
		MinVacuumRetention: c.Vacuum.MinRetention,
	}
}

func (c *Config) OptimizeOptions() optimize.Options {
	return optimize.Options{
		TargetFileSize: c.Optimize.TargetFileSize,
		MinInputFiles:  c.Optimize.MinInputFiles,
		Parallelism:    c.Optimize.Parallelism,
	}
}
