package querier

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gigapi/gigapi-lakehouse/catalog"
	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/table"
)

type commandFn func(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error)

type command struct {
	re  *regexp.Regexp
	run commandFn
}

const qualifiedName = `((?:\w+\.)?\w+)`

var commands = []command{
	{regexp.MustCompile(`(?i)^SHOW\s+(?:DATABASES|SCHEMAS)$`), showDatabases},
	{regexp.MustCompile(`(?i)^SHOW\s+TABLES(?:\s+(?:FROM|IN)\s+(\w+))?$`), showTables},
	{regexp.MustCompile(`(?i)^CREATE\s+(?:DATABASE|SCHEMA)\s+(IF\s+NOT\s+EXISTS\s+)?(\w+)$`), createDatabase},
	{regexp.MustCompile(`(?i)^CREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?` + qualifiedName +
		`\s*(?:\((.*?)\))?\s*(?:USING\s+DELTA\s*)?(?:PARTITIONED\s+BY\s*\(([^)]*)\)\s*)?(?:COMMENT\s+'((?:[^']|'')*)'\s*)?(?:LOCATION\s+'((?:[^']|'')*)')?$`), createTable},
	{regexp.MustCompile(`(?i)^DROP\s+TABLE\s+(IF\s+EXISTS\s+)?` + qualifiedName + `$`), dropTable},
	{regexp.MustCompile(`(?i)^COPY\s+INTO\s+` + qualifiedName + `\s+FROM\s+'((?:[^']|'')*)'\s+FILEFORMAT\s*=\s*(\w+)(?:\s+PATTERN\s*=\s*'((?:[^']|'')*)')?$`), copyInto},
	{regexp.MustCompile(`(?i)^INSERT\s+(INTO|OVERWRITE)\s+(?:TABLE\s+)?` + qualifiedName + `\s+((?:SELECT|WITH|VALUES)\s.*)$`), insert},
	{regexp.MustCompile(`(?i)^OPTIMIZE\s+` + qualifiedName + `(?:\s+WHERE\s+(.+?))?(?:\s+ZORDER\s+BY\s*\(?\s*([\w\s,]+?)\s*\)?)?$`), optimizeTable},
	{regexp.MustCompile(`(?i)^DESCRIBE\s+HISTORY\s+` + qualifiedName + `(?:\s+LIMIT\s+(\d+))?$`), describeHistory},
	{regexp.MustCompile(`(?i)^(?:DESCRIBE|DESC)\s+(?:TABLE\s+)?` + qualifiedName + `$`), describeTable},
	{regexp.MustCompile(`(?i)^VACUUM\s+` + qualifiedName + `(?:\s+RETAIN\s+(\d+(?:\.\d+)?)\s+HOURS)?(\s+DRY\s+RUN)?$`), vacuum},
}

// runCommand executes the lakehouse statements DuckDB knows nothing about.
func (q *QueryClient) runCommand(ctx context.Context, query, dbName string) ([]map[string]interface{}, bool, error) {
	for _, c := range commands {
		if m := c.re.FindStringSubmatch(query); m != nil {
			core.Debugf(ctx, "running command: %s", query)
			res, err := c.run(q, ctx, m, dbName)
			return res, true, err
		}
	}
	return nil, false, nil
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

func showDatabases(q *QueryClient, ctx context.Context, _ []string, _ string) ([]map[string]interface{}, error) {
	dbs, err := q.Catalog.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(dbs))
	for _, d := range dbs {
		results = append(results, map[string]interface{}{"database_name": d.Name})
	}
	return results, nil
}

func showTables(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	if m[1] != "" {
		dbName = m[1]
	}
	tables, err := q.Catalog.ListTables(ctx, dbName)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(tables))
	for _, t := range tables {
		results = append(results, map[string]interface{}{
			"database":   t.Database,
			"table_name": t.Name,
			"location":   t.Location,
			"managed":    t.Managed,
		})
	}
	return results, nil
}

func createDatabase(q *QueryClient, ctx context.Context, m []string, _ string) ([]map[string]interface{}, error) {
	return nil, q.Catalog.CreateDatabase(ctx, m[2], m[1] != "")
}

func createTable(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[2], dbName)
	schema, err := parseColumns(m[3])
	if err != nil {
		return nil, err
	}
	var partCols []string
	for _, c := range strings.Split(m[4], ",") {
		if c = strings.TrimSpace(c); c != "" {
			partCols = append(partCols, c)
		}
	}
	_, err = q.Catalog.CreateTable(ctx, catalog.TableSpec{
		Database:         db,
		Name:             name,
		Schema:           schema,
		PartitionColumns: partCols,
		Description:      unquote(m[5]),
		Location:         unquote(m[6]),
		IfNotExists:      m[1] != "",
	})
	return nil, err
}

// parseColumns reads "name TYPE [NOT NULL], ..." column definitions.
func parseColumns(defs string) (datafile.Schema, error) {
	var schema datafile.Schema
	if strings.TrimSpace(defs) == "" {
		return schema, nil
	}
	for _, def := range strings.Split(defs, ",") {
		parts := strings.Fields(def)
		if len(parts) < 2 {
			return schema, fmt.Errorf("invalid column definition %q", strings.TrimSpace(def))
		}
		t, err := datafile.ParseType(parts[1])
		if err != nil {
			return schema, err
		}
		nullable := !strings.EqualFold(strings.Join(parts[2:], " "), "NOT NULL")
		schema.Fields = append(schema.Fields, datafile.Field{
			Name:     strings.Trim(parts[0], "`\""),
			Type:     t,
			Nullable: nullable,
		})
	}
	return schema, nil
}

func dropTable(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[2], dbName)
	return nil, q.Catalog.DropTable(ctx, db, name, m[1] != "")
}

func copyInto(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[1], dbName)
	format, err := datafile.ParseFormat(m[3])
	if err != nil {
		return nil, err
	}
	tbl, err := q.Catalog.LoadTable(ctx, db, name)
	if err != nil {
		return nil, err
	}
	source := unquote(m[2])
	if m[4] != "" {
		source = filepath.Join(source, unquote(m[4]))
	}
	res, err := tbl.CopyInto(ctx, []string{source}, format)
	if err != nil {
		return nil, err
	}
	return []map[string]interface{}{{
		"num_affected_rows": res.Rows,
		"num_loaded_files":  int64(len(res.Loaded)),
		"num_skipped_files": int64(len(res.Skipped)),
		"version":           recordVersion(res.Record),
	}}, nil
}

func insert(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[2], dbName)
	tbl, err := q.Catalog.LoadTable(ctx, db, name)
	if err != nil {
		return nil, err
	}
	// the SELECT reads the table at the snapshot the write commits against
	tx, err := tbl.Begin(ctx)
	if err != nil {
		return nil, err
	}
	pin := &pinnedTable{Database: db, Table: name, Snapshot: tx.Snapshot()}
	rows, err := q.selectRows(ctx, m[3], dbName, pin)
	if err != nil {
		tx.Abort()
		return nil, err
	}
	if strings.HasPrefix(strings.ToUpper(m[3]), "VALUES") {
		rows, err = positional(rows, tx.Snapshot().Schema())
		if err != nil {
			tx.Abort()
			return nil, err
		}
	}
	if pin.Read {
		tx.ReadWholeTable()
	}
	mode := table.ModeAppend
	if strings.EqualFold(m[1], "OVERWRITE") {
		mode = table.ModeOverwrite
	}
	rec, err := tbl.WriteTx(ctx, tx, rows, mode)
	if err != nil {
		return nil, err
	}
	return []map[string]interface{}{{
		"num_affected_rows": int64(len(rows)),
		"version":           recordVersion(rec),
	}}, nil
}

// positional names the columns of a VALUES list after the table schema.
func positional(rows []map[string]interface{}, schema datafile.Schema) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		if len(r) > len(schema.Fields) {
			return nil, fmt.Errorf("VALUES row %d has %d columns, the table has %d", i+1, len(r), len(schema.Fields))
		}
		named := make(map[string]interface{}, len(r))
		for j := range len(r) {
			// DuckDB names VALUES columns col0, col1...
			named[schema.Fields[j].Name] = r["col"+strconv.Itoa(j)]
		}
		out[i] = named
	}
	return out, nil
}

var equalityRe = regexp.MustCompile(`(?i)^(\w+)\s*=\s*(?:'((?:[^']|'')*)'|(-?[\w.]+))$`)

// partitionFilter reads "col = 'v' AND ..." as a partition filter.
func partitionFilter(where string) (map[string]string, error) {
	if where == "" {
		return nil, nil
	}
	filter := make(map[string]string)
	for _, cond := range regexp.MustCompile(`(?i)\s+AND\s+`).Split(where, -1) {
		m := equalityRe.FindStringSubmatch(strings.TrimSpace(cond))
		if m == nil {
			return nil, fmt.Errorf("OPTIMIZE only supports equality conditions on partition columns, got %q", cond)
		}
		v := unquote(m[2])
		if m[3] != "" {
			v = m[3]
		}
		filter[m[1]] = v
	}
	return filter, nil
}

func optimizeTable(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[1], dbName)
	filter, err := partitionFilter(m[2])
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, c := range strings.Split(m[3], ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	tbl, err := q.Catalog.LoadTable(ctx, db, name)
	if err != nil {
		return nil, err
	}
	rec, err := q.Optimizer.Compact(ctx, tbl, filter, cols)
	if err != nil {
		return nil, err
	}
	res := map[string]interface{}{
		"version":           recordVersion(rec),
		"num_files_added":   int64(0),
		"num_files_removed": int64(0),
	}
	if rec != nil {
		res["num_files_added"] = int64(len(rec.Adds()))
		res["num_files_removed"] = int64(len(rec.Removes()))
	}
	return []map[string]interface{}{res}, nil
}

func describeHistory(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[1], dbName)
	limit := 0
	if m[2] != "" {
		limit, _ = strconv.Atoi(m[2])
	}
	tbl, err := q.Catalog.LoadTable(ctx, db, name)
	if err != nil {
		return nil, err
	}
	history, err := tbl.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(history))
	for _, rec := range history {
		results = append(results, historyRow(rec))
	}
	return results, nil
}

func historyRow(rec *deltalog.LogRecord) map[string]interface{} {
	params, _ := json.Marshal(rec.OperationParameters)
	metrics, _ := json.Marshal(rec.OperationMetrics)
	return map[string]interface{}{
		"version":             rec.Version,
		"timestamp":           time.UnixMilli(rec.Timestamp).UTC(),
		"operation":           rec.Operation,
		"operationParameters": string(params),
		"operationMetrics":    string(metrics),
		"readVersion":         rec.ReadVersion,
		"isBlindAppend":       rec.IsBlindAppend,
	}
}

func describeTable(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[1], dbName)
	tbl, err := q.Catalog.LoadTable(ctx, db, name)
	if err != nil {
		return nil, err
	}
	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	partitioned := make(map[string]bool)
	for _, pc := range snap.PartitionColumns() {
		partitioned[pc] = true
	}
	results := make([]map[string]interface{}, 0, len(snap.Schema().Fields))
	for _, f := range snap.Schema().Fields {
		results = append(results, map[string]interface{}{
			"col_name":     f.Name,
			"data_type":    string(f.Type),
			"nullable":     f.Nullable,
			"partitioning": partitioned[f.Name],
		})
	}
	return results, nil
}

func vacuum(q *QueryClient, ctx context.Context, m []string, dbName string) ([]map[string]interface{}, error) {
	db, name := catalog.ParseName(m[1], dbName)
	retention := q.VacuumRetention
	if m[2] != "" {
		hours, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid retention %q", m[2])
		}
		retention = time.Duration(hours * float64(time.Hour))
	}
	tbl, err := q.Catalog.LoadTable(ctx, db, name)
	if err != nil {
		return nil, err
	}
	res, err := tbl.Vacuum(ctx, retention, m[3] != "")
	if err != nil {
		return nil, err
	}
	if res.DryRun {
		results := make([]map[string]interface{}, 0, len(res.Files))
		for _, f := range res.Files {
			results = append(results, map[string]interface{}{"path": filepath.Join(tbl.Location(), f)})
		}
		return results, nil
	}
	return []map[string]interface{}{{
		"path":              tbl.Location(),
		"num_deleted_files": int64(len(res.Files)),
		"num_deleted_bytes": res.Bytes,
	}}, nil
}

func recordVersion(rec *deltalog.LogRecord) interface{} {
	if rec == nil {
		return nil
	}
	return rec.Version
}
