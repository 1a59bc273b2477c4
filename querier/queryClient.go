// queryClient.go
package querier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/gigapi/gigapi-lakehouse/catalog"
	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/optimize"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
	"github.com/gigapi/gigapi-lakehouse/table"
)

// Ensure QueryClient implements core.QueryClient interface
var _ core.QueryClient = (*QueryClient)(nil)

// QueryClient runs lakehouse commands and answers SELECTs with DuckDB over
// the live files of table snapshots.
type QueryClient struct {
	Catalog         *catalog.Catalog
	Optimizer       *optimize.Optimizer
	VacuumRetention time.Duration
	DB              *sql.DB
}

func NewQueryClient(cat *catalog.Catalog, opt *optimize.Optimizer) *QueryClient {
	return &QueryClient{
		Catalog:         cat,
		Optimizer:       opt,
		VacuumRetention: table.DefaultRetention,
	}
}

// Initialize sets up the DuckDB connection
func (q *QueryClient) Initialize() error {
	db, err := sql.Open("duckdb", "?access_mode=READ_WRITE")
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	q.DB = db
	return nil
}

// TableRef is a table reference found in a FROM or JOIN clause.
type TableRef struct {
	Database string
	Table    string
	Alias    string
	// Version is the VERSION AS OF version, -1 for the latest.
	Version int64
	// Start and End delimit the name and version clause in the query.
	Start, End int
}

// Predicate is a WHERE condition usable to prune files. Qualifier is the
// table or alias the column was prefixed with.
type Predicate struct {
	Qualifier string
	snapshot.Predicate
}

// ParsedQuery contains the parsed components of a SQL query
type ParsedQuery struct {
	Query      string
	Tables     []TableRef
	Where      string
	Predicates []Predicate
}

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	tableRefRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+((?:(\w+)\.)?(\w+))(\s+(?:FOR\s+)?VERSION\s+AS\s+OF\s+(\d+))?(?:\s+(?:AS\s+)?(\w+))?`)
	whereEndRe = regexp.MustCompile(`(?i)\s(?:GROUP\s+BY|ORDER\s+BY|LIMIT|HAVING|QUALIFY|WINDOW|UNION|EXCEPT|INTERSECT)\s`)
	orNotRe    = regexp.MustCompile(`(?i)\b(?:OR|NOT)\b`)
)

// literal matches 'text', cast('text' as type), TIMESTAMP 'text' and numbers.
const literal = `(?:(?:cast\s*\(\s*'((?:[^']|'')*)'\s+as\s+\w+\s*\))|(?:(?:TIMESTAMP|DATE)\s+)?'((?:[^']|'')*)'|(-?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?))`

// Both match a whole conjunct, so `amount < 100 * 2` yields nothing.
var (
	betweenRe = regexp.MustCompile(`(?i)^(?:(\w+)\.)?(\w+)\s+BETWEEN\s+` + literal + `\s+AND\s+` + literal + `$`)
	compareRe = regexp.MustCompile(`(?i)^(?:(\w+)\.)?(\w+)\s*(>=|<=|=|<|>)\s*` + literal + `$`)
)

var notAlias = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true, "JOIN": true,
	"ON": true, "USING": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "OUTER": true, "NATURAL": true, "UNION": true, "EXCEPT": true,
	"INTERSECT": true, "WINDOW": true, "QUALIFY": true, "OFFSET": true, "SAMPLE": true,
	"POSITIONAL": true, "ASOF": true, "ANTI": true, "SEMI": true, "LATERAL": true,
}

// ParseQuery finds the table references of a query and the conditions of
// its WHERE clause that can prune files.
func (q *QueryClient) ParseQuery(query, dbName string) (*ParsedQuery, error) {
	query = strings.TrimSpace(spaceRe.ReplaceAllString(query, " "))
	parsed := &ParsedQuery{Query: query}

	for _, m := range tableRefRe.FindAllStringSubmatchIndex(query, -1) {
		end := m[3]
		if end < len(query) && query[end] == '(' {
			continue // table function
		}
		if end+1 < len(query) && query[end] == ' ' && query[end+1] == '(' {
			continue
		}
		ref := TableRef{
			Database: dbName,
			Table:    query[m[6]:m[7]],
			Version:  -1,
			Start:    m[2],
			End:      end,
		}
		if m[4] >= 0 {
			ref.Database = query[m[4]:m[5]]
		}
		if m[8] >= 0 {
			v, err := strconv.ParseInt(query[m[10]:m[11]], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid version %q", query[m[10]:m[11]])
			}
			ref.Version = v
			ref.End = m[9]
		}
		if m[12] >= 0 {
			alias := query[m[12]:m[13]]
			if !notAlias[strings.ToUpper(alias)] {
				ref.Alias = alias
			}
		}
		parsed.Tables = append(parsed.Tables, ref)
	}

	parsed.Where = whereClause(query)
	parsed.Predicates = extractPredicates(parsed.Where)
	return parsed, nil
}

func whereClause(query string) string {
	upper := strings.ToUpper(query)
	idx := strings.LastIndex(upper, " WHERE ")
	if idx < 0 {
		return ""
	}
	where := query[idx+len(" WHERE "):]
	if loc := whereEndRe.FindStringIndex(where + " "); loc != nil {
		where = where[:loc[0]]
	}
	if strings.Count(where, "(") != strings.Count(where, ")") {
		// the WHERE of a subquery
		return ""
	}
	return strings.TrimSpace(where)
}

// extractPredicates returns the comparisons of a conjunctive WHERE clause.
// Clauses with OR or NOT prune nothing. A conjunct yields a predicate only
// when it is exactly `column op literal` or `column BETWEEN literal AND literal`.
func extractPredicates(where string) []Predicate {
	if where == "" || orNotRe.MatchString(stripLiterals(where)) {
		return nil
	}
	var preds []Predicate
	for _, c := range splitConjuncts(where) {
		if inner, ok := unwrapParens(c); ok {
			preds = append(preds, extractPredicates(inner)...)
			continue
		}
		if m := betweenRe.FindStringSubmatch(c); m != nil {
			preds = append(preds, Predicate{
				Qualifier: m[1],
				Predicate: snapshot.Predicate{
					Column: m[2],
					Op:     snapshot.OpBetween,
					Value:  literalValue(m[3:6]),
					Upper:  literalValue(m[6:9]),
				},
			})
			continue
		}
		if m := compareRe.FindStringSubmatch(c); m != nil {
			preds = append(preds, Predicate{
				Qualifier: m[1],
				Predicate: snapshot.Predicate{
					Column: m[2],
					Op:     snapshot.Op(m[3]),
					Value:  literalValue(m[4:7]),
				},
			})
		}
	}
	return preds
}

// splitConjuncts splits where on the ANDs outside of literals and
// parentheses. The AND of a BETWEEN stays with its conjunct.
func splitConjuncts(where string) []string {
	var (
		out     []string
		depth   int
		quoted  bool
		between bool
		start   int
	)
	keywordAt := func(i int, kw string) bool {
		if i+len(kw) > len(where) || !strings.EqualFold(where[i:i+len(kw)], kw) {
			return false
		}
		if i > 0 && isWordByte(where[i-1]) {
			return false
		}
		return i+len(kw) == len(where) || !isWordByte(where[i+len(kw)])
	}
	for i := 0; i < len(where); i++ {
		c := where[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth != 0:
		case keywordAt(i, "BETWEEN"):
			between = true
			i += len("BETWEEN") - 1
		case keywordAt(i, "AND"):
			if between {
				between = false
			} else {
				out = append(out, strings.TrimSpace(where[start:i]))
				start = i + len("AND")
			}
			i += len("AND") - 1
		}
	}
	return append(out, strings.TrimSpace(where[start:]))
}

// unwrapParens strips one pair of parentheses enclosing all of s.
func unwrapParens(s string) (string, bool) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return "", false
	}
	depth, quoted := 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return "", false
			}
		}
	}
	return strings.TrimSpace(s[1 : len(s)-1]), true
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func literalValue(groups []string) any {
	switch {
	case groups[0] != "":
		return strings.ReplaceAll(groups[0], "''", "'")
	case groups[2] != "":
		return groups[2]
	}
	return strings.ReplaceAll(groups[1], "''", "'")
}

var stringLitRe = regexp.MustCompile(`'(?:[^']|'')*'`)

func stripLiterals(s string) string {
	return stringLitRe.ReplaceAllString(s, "''")
}

// predicatesFor picks the predicates that apply to ref. With several tables
// only qualified columns are trusted.
func predicatesFor(parsed *ParsedQuery, ref TableRef) []snapshot.Predicate {
	var out []snapshot.Predicate
	for _, p := range parsed.Predicates {
		switch {
		case p.Qualifier == "" && len(parsed.Tables) == 1:
		case p.Qualifier != "" && (strings.EqualFold(p.Qualifier, ref.Alias) ||
			(ref.Alias == "" && strings.EqualFold(p.Qualifier, ref.Table))):
		default:
			continue
		}
		out = append(out, p.Predicate)
	}
	return out
}

// relation renders the live files of snap as a DuckDB relation with every
// column of the table schema.
func relation(tbl *table.Table, snap *snapshot.Snapshot, files []datafile.DataFile) string {
	schema := snap.Schema()
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", duckType(f.Type), quoteIdent(f.Name))
	}
	empty := fmt.Sprintf("SELECT %s WHERE false", strings.Join(cols, ", "))
	if len(files) == 0 {
		return "(" + empty + ")"
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = quoteLiteral(tbl.FilePath(f))
	}
	return fmt.Sprintf("(%s UNION ALL BY NAME SELECT * FROM read_parquet([%s], union_by_name=true, hive_partitioning=false))",
		empty, strings.Join(paths, ", "))
}

func duckType(t datafile.Type) string {
	if t == datafile.TypeTimestamp {
		return "TIMESTAMPTZ"
	}
	return t.SQLType()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// rewrite replaces every catalog table reference with the relation of its
// snapshot. References that are not catalog tables, such as CTE names, are
// left alone.
// pinnedTable makes a query read one table at a fixed snapshot, the one a
// writing transaction started from.
type pinnedTable struct {
	Database, Table string
	Snapshot        *snapshot.Snapshot
	// Read is set once the query referenced the table.
	Read bool
}

func (p *pinnedTable) snapshotFor(ref TableRef) *snapshot.Snapshot {
	if p == nil || ref.Version >= 0 ||
		!strings.EqualFold(p.Database, ref.Database) || !strings.EqualFold(p.Table, ref.Table) {
		return nil
	}
	p.Read = true
	return p.Snapshot
}

func (q *QueryClient) rewrite(ctx context.Context, parsed *ParsedQuery, pin *pinnedTable) (string, int, error) {
	out := parsed.Query
	nfiles := 0
	refs := append([]TableRef(nil), parsed.Tables...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Start > refs[j].Start })
	for _, ref := range refs {
		tbl, err := q.Catalog.LoadTable(ctx, ref.Database, ref.Table)
		if errors.Is(err, catalog.ErrTableNotFound) || errors.Is(err, catalog.ErrDatabaseNotFound) {
			continue
		}
		if err != nil {
			return "", 0, err
		}
		snap := pin.snapshotFor(ref)
		if snap == nil {
			snap, err = tbl.SnapshotAt(ctx, ref.Version)
			if err != nil {
				return "", 0, fmt.Errorf("failed to read %s.%s: %w", ref.Database, ref.Table, err)
			}
		}
		files := snap.Prune(predicatesFor(parsed, ref))
		core.Debugf(ctx, "%s.%s@%d: %d of %d file(s) after pruning", ref.Database, ref.Table,
			snap.Version(), len(files), snap.NumFiles())
		nfiles += len(files)
		rel := relation(tbl, snap, files)
		if ref.Alias == "" {
			rel += " AS " + quoteIdent(ref.Table)
		}
		out = out[:ref.Start] + rel + out[ref.End:]
	}
	return out, nfiles, nil
}

// Query executes a command or a query against the lakehouse
func (q *QueryClient) Query(ctx context.Context, query, dbName string) ([]map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dbName == "" {
		dbName = catalog.DefaultDatabase
	}
	query = strings.TrimSpace(spaceRe.ReplaceAllString(query, " "))
	query = strings.TrimSpace(strings.TrimSuffix(query, ";"))
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	if res, ok, err := q.runCommand(ctx, query, dbName); ok {
		return res, err
	}
	return q.selectRows(ctx, query, dbName, nil)
}

func (q *QueryClient) selectRows(ctx context.Context, query, dbName string, pin *pinnedTable) ([]map[string]interface{}, error) {
	start := time.Now()
	parsed, err := q.ParseQuery(query, dbName)
	if err != nil {
		return nil, err
	}
	duckdbQuery, nfiles, err := q.rewrite(ctx, parsed, pin)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "created DuckDB query over %d file(s) in %v", nfiles, time.Since(start))
	return q.execute(ctx, duckdbQuery)
}

func (q *QueryClient) execute(ctx context.Context, duckdbQuery string) ([]map[string]interface{}, error) {
	if q.DB == nil {
		return nil, fmt.Errorf("query client is not initialized")
	}
	start := time.Now()
	rows, err := q.DB.QueryContext(ctx, duckdbQuery)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	core.Debugf(ctx, "got %d row(s) in %v", len(result), time.Since(start))
	return result, nil
}

// Close releases resources
func (q *QueryClient) Close() error {
	if q.DB != nil {
		return q.DB.Close()
	}
	return nil
}
