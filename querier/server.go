// server.go
package querier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-lakehouse/catalog"
	"github.com/gigapi/gigapi-lakehouse/config"
	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/optimize"
	"github.com/gigapi/gigapi-lakehouse/table"
)

// Server represents the API server
type Server struct {
	QueryClient *QueryClient
	Catalog     *catalog.Catalog
	DefaultDB   string
}

// NewServer opens the catalog under the configured warehouse and a DuckDB
// backed query client on top of it.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	cat, err := catalog.Open(ctx, catalog.Config{
		DSN:       cfg.CatalogDSN,
		Warehouse: cfg.Root,
		FS:        afero.NewOsFs(),
		Table:     cfg.TableOptions(),
	})
	if err != nil {
		return nil, err
	}
	client := NewQueryClient(cat, optimize.New(cfg.OptimizeOptions()))
	client.VacuumRetention = cfg.Vacuum.Retention
	if err := client.Initialize(); err != nil {
		_ = cat.Close()
		return nil, err
	}
	return &Server{
		QueryClient: client,
		Catalog:     cat,
		DefaultDB:   cfg.DefaultDatabase,
	}, nil
}

// QueryRequest represents a query API request
type QueryRequest struct {
	Query string `json:"query"`
	DB    string `json:"db,omitempty"`
}

// QueryResponse represents a query API response
type QueryResponse struct {
	Results []map[string]interface{} `json:"results"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqId int32

func requestContext(r *http.Request) context.Context {
	return core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
}

// addCORSHeaders adds CORS headers to the response
func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes adds the query, health and catalog routes to r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/query", s.HandleQuery).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet, http.MethodOptions)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/namespaces", s.HandleListNamespaces).Methods(http.MethodGet)
	v1.HandleFunc("/namespaces/{namespace}/tables", s.HandleListTables).Methods(http.MethodGet)
	v1.HandleFunc("/namespaces/{namespace}/tables/{table}", s.HandleGetTable).Methods(http.MethodGet)
	v1.HandleFunc("/namespaces/{namespace}/tables/{table}/history", s.HandleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/namespaces/{namespace}/tables/{table}/optimize", s.HandleOptimize).Methods(http.MethodPost)
	v1.HandleFunc("/namespaces/{namespace}/tables/{table}/vacuum", s.HandleVacuum).Methods(http.MethodPost)
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// HandleQuery Handles the /query endpoint
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req QueryRequest
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	case http.MethodGet:
		req.Query = r.URL.Query().Get("q")
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Query == "" {
		sendErrorResponse(w, "Missing query parameter", http.StatusBadRequest)
		return
	}

	dbName := r.URL.Query().Get("db")
	if dbName == "" {
		dbName = req.DB
	}
	if dbName == "" {
		dbName = s.DefaultDB
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	formatter, ok := formatters[format]
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("Unsupported format %q", format), http.StatusBadRequest)
		return
	}

	results, err := s.QueryClient.Query(ctx, req.Query, dbName)
	if err != nil {
		core.Errorf(ctx, "query failed: %v", err)
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusBadRequest))
		return
	}
	if err := formatter(results, w); err != nil {
		core.Errorf(ctx, "failed to write results: %v", err)
	}
}

// statusFor maps lakehouse errors to HTTP status codes.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, catalog.ErrTableNotFound), errors.Is(err, catalog.ErrDatabaseNotFound),
		errors.Is(err, deltalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deltalog.ErrConcurrentModification), errors.Is(err, table.ErrTableExists),
		errors.Is(err, catalog.ErrDatabaseExists), errors.Is(err, table.ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, table.ErrRetentionTooShort):
		return http.StatusBadRequest
	case errors.Is(err, deltalog.ErrInvalidLog):
		return http.StatusInternalServerError
	}
	return fallback
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
	})
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	sendJSON(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) HandleListNamespaces(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.Catalog.ListDatabases(requestContext(r))
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	sendJSON(w, map[string]interface{}{"namespaces": dbs})
}

func (s *Server) HandleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.Catalog.ListTables(requestContext(r), mux.Vars(r)["namespace"])
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	if tables == nil {
		tables = []catalog.TableInfo{}
	}
	sendJSON(w, map[string]interface{}{"tables": tables})
}

// TableMetadata describes the latest snapshot of a table.
type TableMetadata struct {
	catalog.TableInfo
	Version          int64             `json:"version"`
	Schema           []datafile.Field  `json:"schema"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	NumFiles         int               `json:"numFiles"`
	NumRows          int64             `json:"numRows"`
	SizeBytes        int64             `json:"sizeBytes"`
	ReadOnly         bool              `json:"readOnly"`
}

func (s *Server) HandleGetTable(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	vars := mux.Vars(r)
	info, err := s.Catalog.GetTable(ctx, vars["namespace"], vars["table"])
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	tbl, err := s.Catalog.LoadTable(ctx, info.Database, info.Name)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	snap, err := tbl.Snapshot(ctx)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	md := TableMetadata{
		TableInfo:        info,
		Version:          snap.Version(),
		PartitionColumns: snap.PartitionColumns(),
		Configuration:    snap.Metadata().Configuration,
		NumFiles:         snap.NumFiles(),
		NumRows:          snap.NumRows(),
		SizeBytes:        snap.SizeBytes(),
		Schema:           snap.Schema().Fields,
		ReadOnly:         tbl.ReadOnly(),
	}
	sendJSON(w, md)
}

func (s *Server) loadTable(w http.ResponseWriter, r *http.Request) (context.Context, *table.Table, bool) {
	ctx := requestContext(r)
	vars := mux.Vars(r)
	tbl, err := s.Catalog.LoadTable(ctx, vars["namespace"], vars["table"])
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return ctx, nil, false
	}
	return ctx, tbl, true
}

func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, tbl, ok := s.loadTable(w, r)
	if !ok {
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			sendErrorResponse(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	history, err := tbl.History(ctx, limit)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	if history == nil {
		history = []*deltalog.LogRecord{}
	}
	sendJSON(w, map[string]interface{}{"history": history})
}

// OptimizeRequest is the body of the optimize endpoint.
type OptimizeRequest struct {
	Where    map[string]string `json:"where,omitempty"`
	ZOrderBy []string          `json:"zorderBy,omitempty"`
}

func (s *Server) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx, tbl, ok := s.loadTable(w, r)
	if !ok {
		return
	}
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := s.QueryClient.Optimizer.Compact(ctx, tbl, req.Where, req.ZOrderBy)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	sendJSON(w, map[string]interface{}{"commit": rec})
}

// VacuumRequest is the body of the vacuum endpoint.
type VacuumRequest struct {
	RetainHours *float64 `json:"retainHours,omitempty"`
	DryRun      bool     `json:"dryRun"`
}

func (s *Server) HandleVacuum(w http.ResponseWriter, r *http.Request) {
	ctx, tbl, ok := s.loadTable(w, r)
	if !ok {
		return
	}
	var req VacuumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	retention := s.QueryClient.VacuumRetention
	if req.RetainHours != nil {
		retention = time.Duration(*req.RetainHours * float64(time.Hour))
	}
	res, err := tbl.Vacuum(ctx, retention, req.DryRun)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	sendJSON(w, res)
}

// Close the server and release resources
func (s *Server) Close() error {
	err := s.QueryClient.Close()
	if cerr := s.Catalog.Close(); err == nil {
		err = cerr
	}
	return err
}
