// Package catalog maps database and table names to table locations. The
// mapping is kept in a SQLite metastore; table state itself lives in each
// table's log.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/table"
)

// DefaultDatabase always exists.
const DefaultDatabase = "default"

var (
	ErrDatabaseExists   = errors.New("database already exists")
	ErrDatabaseNotFound = errors.New("database not found")
	ErrTableNotFound    = errors.New("table not found")
	ErrSchemaMismatch   = errors.New("schema does not match the existing table")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS databases (
	name       TEXT PRIMARY KEY,
	location   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tables (
	db_name    TEXT NOT NULL REFERENCES databases(name),
	name       TEXT NOT NULL,
	location   TEXT NOT NULL,
	managed    INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (db_name, name)
);`

type Config struct {
	// DSN of the SQLite metastore, usually a file path.
	DSN string
	// Warehouse is the root directory of managed databases.
	Warehouse string
	FS        afero.Fs
	Table     table.Options
}

type Database struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"createdAt"`
}

type TableInfo struct {
	Database  string    `json:"database"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Managed   bool      `json:"managed"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableSpec describes a CREATE TABLE. An empty Location makes a managed table
// under the database directory. With no schema the table must already exist
// at Location and is adopted as is.
type TableSpec struct {
	Database         string
	Name             string
	Schema           datafile.Schema
	PartitionColumns []string
	Location         string
	Description      string
	Properties       map[string]string
	IfNotExists      bool
}

type Catalog struct {
	db        *sql.DB
	fs        afero.Fs
	warehouse string
	opts      table.Options

	mu     sync.Mutex
	loaded map[string]*table.Table
}

func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if err := cfg.FS.MkdirAll(cfg.Warehouse, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create warehouse %s: %w", cfg.Warehouse, err)
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON", schemaSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize catalog: %w", err)
		}
	}
	c := &Catalog{
		db:        db,
		fs:        cfg.FS,
		warehouse: cfg.Warehouse,
		opts:      cfg.Table,
		loaded:    make(map[string]*table.Table),
	}
	if err := c.CreateDatabase(ctx, DefaultDatabase, true); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) Warehouse() string {
	return c.warehouse
}

func normalizeName(kind, name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid %s name %q", kind, name)
	}
	return strings.ToLower(name), nil
}

func (c *Catalog) CreateDatabase(ctx context.Context, name string, ifNotExists bool) error {
	name, err := normalizeName("database", name)
	if err != nil {
		return err
	}
	location := filepath.Join(c.warehouse, name)
	if err := c.fs.MkdirAll(location, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO databases (name, location, created_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, location, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 && !ifNotExists {
		return fmt.Errorf("%w: %s", ErrDatabaseExists, name)
	}
	return nil
}

func (c *Catalog) ListDatabases(ctx context.Context) ([]Database, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, location, created_at FROM databases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()
	var out []Database
	for rows.Next() {
		var (
			d  Database
			ts int64
		)
		if err := rows.Scan(&d.Name, &d.Location, &ts); err != nil {
			return nil, err
		}
		d.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *Catalog) GetDatabase(ctx context.Context, name string) (Database, error) {
	name, err := normalizeName("database", name)
	if err != nil {
		return Database{}, err
	}
	d := Database{Name: name}
	var ts int64
	err = c.db.QueryRowContext(ctx, `SELECT location, created_at FROM databases WHERE name = ?`, name).Scan(&d.Location, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Database{}, fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}
	if err != nil {
		return Database{}, err
	}
	d.CreatedAt = time.UnixMilli(ts).UTC()
	return d, nil
}

// CreateTable registers a table, creating its log when the location holds
// none yet.
func (c *Catalog) CreateTable(ctx context.Context, spec TableSpec) (*table.Table, error) {
	dbName, err := normalizeName("database", spec.Database)
	if err != nil {
		return nil, err
	}
	name, err := normalizeName("table", spec.Name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	d, err := c.GetDatabase(ctx, dbName)
	if err != nil {
		return nil, err
	}
	if _, err := c.getTable(ctx, dbName, name); err == nil {
		if spec.IfNotExists {
			return c.loadLocked(ctx, dbName, name)
		}
		return nil, fmt.Errorf("%w: %s.%s", table.ErrTableExists, dbName, name)
	} else if !errors.Is(err, ErrTableNotFound) {
		return nil, err
	}

	managed := spec.Location == ""
	location := spec.Location
	if managed {
		location = filepath.Join(d.Location, name)
	}
	tbl, err := c.openOrCreate(ctx, location, name, spec)
	if err != nil {
		return nil, err
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO tables (db_name, name, location, managed, created_at) VALUES (?, ?, ?, ?, ?)`,
		dbName, name, location, managed, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to register table %s.%s: %w", dbName, name, err)
	}
	c.loaded[dbName+"."+name] = tbl
	core.Infof(ctx, "registered table %s.%s at %s", dbName, name, location)
	return tbl, nil
}

func (c *Catalog) openOrCreate(ctx context.Context, location, name string, spec TableSpec) (*table.Table, error) {
	exists, err := table.Exists(ctx, c.fs, location)
	if err != nil {
		return nil, err
	}
	if !exists {
		if len(spec.Schema.Fields) == 0 {
			return nil, fmt.Errorf("%w: no table at %s and no schema given", deltalog.ErrNotFound, location)
		}
		return table.Create(ctx, c.fs, location, table.Definition{
			Name:             name,
			Description:      spec.Description,
			Schema:           spec.Schema,
			PartitionColumns: spec.PartitionColumns,
			Configuration:    spec.Properties,
		}, c.opts)
	}

	tbl, err := table.Open(ctx, c.fs, location, c.opts)
	if err != nil {
		return nil, err
	}
	if len(spec.Schema.Fields) > 0 {
		snap, err := tbl.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if !snap.Schema().Equal(spec.Schema) {
			return nil, fmt.Errorf("%w at %s: have %s", ErrSchemaMismatch, location, snap.Schema())
		}
	}
	return tbl, nil
}

func (c *Catalog) ListTables(ctx context.Context, database string) ([]TableInfo, error) {
	dbName, err := normalizeName("database", database)
	if err != nil {
		return nil, err
	}
	if _, err := c.GetDatabase(ctx, dbName); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, location, managed, created_at FROM tables WHERE db_name = ? ORDER BY name`, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()
	var out []TableInfo
	for rows.Next() {
		info := TableInfo{Database: dbName}
		var ts int64
		if err := rows.Scan(&info.Name, &info.Location, &info.Managed, &ts); err != nil {
			return nil, err
		}
		info.CreatedAt = time.UnixMilli(ts).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (c *Catalog) GetTable(ctx context.Context, database, name string) (TableInfo, error) {
	dbName, err := normalizeName("database", database)
	if err != nil {
		return TableInfo{}, err
	}
	name, err = normalizeName("table", name)
	if err != nil {
		return TableInfo{}, err
	}
	return c.getTable(ctx, dbName, name)
}

func (c *Catalog) getTable(ctx context.Context, dbName, name string) (TableInfo, error) {
	info := TableInfo{Database: dbName, Name: name}
	var ts int64
	err := c.db.QueryRowContext(ctx,
		`SELECT location, managed, created_at FROM tables WHERE db_name = ? AND name = ?`, dbName, name).
		Scan(&info.Location, &info.Managed, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return TableInfo{}, fmt.Errorf("%w: %s.%s", ErrTableNotFound, dbName, name)
	}
	if err != nil {
		return TableInfo{}, err
	}
	info.CreatedAt = time.UnixMilli(ts).UTC()
	return info, nil
}

// LoadTable opens a registered table. Opened tables are reused so that their
// snapshot caches survive between calls.
func (c *Catalog) LoadTable(ctx context.Context, database, name string) (*table.Table, error) {
	dbName, err := normalizeName("database", database)
	if err != nil {
		return nil, err
	}
	name, err = normalizeName("table", name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, dbName, name)
}

func (c *Catalog) loadLocked(ctx context.Context, dbName, name string) (*table.Table, error) {
	key := dbName + "." + name
	if tbl, ok := c.loaded[key]; ok {
		return tbl, nil
	}
	info, err := c.getTable(ctx, dbName, name)
	if err != nil {
		return nil, err
	}
	tbl, err := table.Open(ctx, c.fs, info.Location, c.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	c.loaded[key] = tbl
	return tbl, nil
}

// DropTable unregisters a table. The data of a managed table is dropped
// with it; an external table is left in place.
func (c *Catalog) DropTable(ctx context.Context, database, name string, ifExists bool) error {
	dbName, err := normalizeName("database", database)
	if err != nil {
		return err
	}
	name, err = normalizeName("table", name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.getTable(ctx, dbName, name)
	if errors.Is(err, ErrTableNotFound) && ifExists {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Managed {
		tbl, err := c.loadLocked(ctx, dbName, name)
		switch {
		case errors.Is(err, deltalog.ErrNotFound):
			core.Warnf(ctx, "managed table %s.%s has no log at %s", dbName, name, info.Location)
		case err != nil:
			return err
		default:
			if _, err := tbl.Drop(ctx); err != nil {
				return err
			}
		}
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tables WHERE db_name = ? AND name = ?`, dbName, name); err != nil {
		return fmt.Errorf("failed to unregister %s.%s: %w", dbName, name, err)
	}
	delete(c.loaded, dbName+"."+name)
	return nil
}

// ParseName splits "db.table" into its parts, using def when the database
// is omitted.
func ParseName(qualified, def string) (database, name string) {
	if i := strings.IndexByte(qualified, '.'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	if def == "" {
		def = DefaultDatabase
	}
	return def, qualified
}
