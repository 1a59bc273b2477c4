package querier

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

func JsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(QueryResponse{
		Results: ProcessResultsForJSON(data),
	})
}

// NDJsonFormatter writes one JSON object per line.
func NDJsonFormatter(data []map[string]any, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, row := range ProcessResultsForJSON(data) {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

// ProcessResultsForJSON prepares results for JSON serialization. 64-bit
// integers are rendered as strings so JavaScript clients keep precision.
func ProcessResultsForJSON(results []map[string]interface{}) []map[string]interface{} {
	processedResults := make([]map[string]interface{}, len(results))

	for i, row := range results {
		processedRow := make(map[string]interface{}, len(row))
		for key, value := range row {
			switch v := value.(type) {
			case int64:
				processedRow[key] = strconv.FormatInt(v, 10)
			case *big.Int:
				processedRow[key] = v.String()
			case time.Time:
				processedRow[key] = v.UTC().Format(time.RFC3339Nano)
			case []byte:
				processedRow[key] = string(v)
			default:
				processedRow[key] = v
			}
		}
		processedResults[i] = processedRow
	}

	return processedResults
}
