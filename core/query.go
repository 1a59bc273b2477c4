package core

import (
	"context"
)

// QueryClient runs SQL against the lakehouse tables of one warehouse.
type QueryClient interface {
	// Query executes a statement against dbName and returns the result rows.
	// Statements that change a table commit a new version before returning.
	Query(ctx context.Context, query, dbName string) ([]map[string]interface{}, error)

	// Initialize opens the execution engine
	Initialize() error

	Close() error
}
