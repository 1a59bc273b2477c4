package datafile

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Row is one record keyed by column name. Values use the canonical Go
// representation of their column type: int64, int32, float64, string, bool,
// time.Time (UTC) or nil.
type Row = map[string]any

// NullPartition is the directory value used for null partition values.
const NullPartition = "__HIVE_DEFAULT_PARTITION__"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// decimal is satisfied by the DuckDB DECIMAL scan type.
type decimal interface {
	Float64() float64
}

// Coerce converts v into the canonical representation of t.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case TypeLong:
		return toInt64(v)
	case TypeInt:
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int", i)
		}
		return int32(i), nil
	case TypeDouble:
		return toFloat64(v)
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), nil
		}
		return fmt.Sprint(v), nil
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			if x == "" {
				return nil, nil
			}
			return strconv.ParseBool(x)
		}
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return i != 0, nil
	case TypeTimestamp:
		return toTime(v)
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows long", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not integral", x)
		}
		return int64(x), nil
	case float32:
		return toInt64(float64(x))
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return toInt64(f)
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to an integer", x)
		}
		return toInt64(f)
	case time.Time:
		return x.UnixMicro(), nil
	case *big.Int:
		if !x.IsInt64() {
			return 0, fmt.Errorf("value %s overflows long", x)
		}
		return x.Int64(), nil
	case decimal:
		return toInt64(x.Float64())
	}
	return 0, fmt.Errorf("cannot convert %T to an integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to a double", x)
		}
		return f, nil
	case decimal:
		return x.Float64(), nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if micros, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMicro(micros).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("cannot parse timestamp %q", x)
	}
	micros, err := toInt64(v)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(micros).UTC(), nil
}

// storageValue is the value handed to the parquet writer and kept in stats.
func storageValue(v any) any {
	if ts, ok := v.(time.Time); ok {
		return ts.UnixMicro()
	}
	return v
}

// FormatValue renders a canonical value for partition paths and partition values.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return NullPartition
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.999999")
	}
	return fmt.Sprint(v)
}

// ParsePartitionValue turns a stored partition value back into a typed value.
func ParsePartitionValue(t Type, s string) (any, error) {
	if s == NullPartition {
		return nil, nil
	}
	return Coerce(t, s)
}

// CompareValues orders two canonical or stats values. ok is false when they
// are not comparable, in which case callers must not draw conclusions.
func CompareValues(a, b any) (c int, ok bool) {
	a, b = orderable(a), orderable(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), true
		case float64:
			return cmpOrdered(x, y), true
		}
	case string:
		if y, isStr := b.(string); isStr {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, isBool := b.(bool); isBool {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func orderable(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UnixMicro()
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
	case []byte:
		return string(x)
	}
	return v
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
