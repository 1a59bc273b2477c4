package snapshot

import (
	"fmt"
	"strings"

	"github.com/gigapi/gigapi-lakehouse/datafile"
)

type Op string

const (
	OpEq      Op = "="
	OpLt      Op = "<"
	OpLe      Op = "<="
	OpGt      Op = ">"
	OpGe      Op = ">="
	OpBetween Op = "BETWEEN"
)

// Predicate is a `column op literal` condition. Upper is the second bound of BETWEEN.
type Predicate struct {
	Column string
	Op     Op
	Value  any
	Upper  any
}

func (p Predicate) String() string {
	if p.Op == OpBetween {
		return fmt.Sprintf("%s BETWEEN %v AND %v", p.Column, p.Value, p.Upper)
	}
	return fmt.Sprintf("%s %s %v", p.Column, p.Op, p.Value)
}

// Prune returns the live files that may hold rows matching every predicate.
// A file is dropped only when its partition values or column statistics rule
// it out.
func (s *Snapshot) Prune(preds []Predicate) []datafile.DataFile {
	files := s.Files()
	if len(preds) == 0 {
		return files
	}
	schema := s.Schema()
	partCols := s.PartitionColumns()
	typed := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		f, ok := schema.Field(p.Column)
		if !ok {
			continue
		}
		tp, err := typedPredicate(f, p)
		if err != nil {
			continue
		}
		typed = append(typed, tp)
	}

	out := files[:0]
	for _, df := range files {
		keep := true
		for _, p := range typed {
			if !mayMatch(df, p, schema, partCols) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, df)
		}
	}
	return out
}

func typedPredicate(f datafile.Field, p Predicate) (Predicate, error) {
	v, err := datafile.Coerce(f.Type, p.Value)
	if err != nil || v == nil {
		return p, fmt.Errorf("literal %v does not fit column %s", p.Value, f.Name)
	}
	tp := Predicate{Column: f.Name, Op: p.Op, Value: v}
	if p.Op == OpBetween {
		u, err := datafile.Coerce(f.Type, p.Upper)
		if err != nil || u == nil {
			return p, fmt.Errorf("literal %v does not fit column %s", p.Upper, f.Name)
		}
		tp.Upper = u
	}
	return tp, nil
}

func mayMatch(df datafile.DataFile, p Predicate, schema datafile.Schema, partCols []string) bool {
	for _, pc := range partCols {
		if !strings.EqualFold(pc, p.Column) {
			continue
		}
		raw, ok := df.PartitionValues[pc]
		if !ok {
			return true
		}
		f, _ := schema.Field(pc)
		v, err := datafile.ParsePartitionValue(f.Type, raw)
		if err != nil {
			return true
		}
		if v == nil {
			// comparisons with null never hold
			return false
		}
		return rangeMayMatch(v, v, p)
	}

	st, ok := df.Stats[p.Column]
	if !ok || st.Min == nil || st.Max == nil {
		return true
	}
	return rangeMayMatch(st.Min, st.Max, p)
}

// rangeMayMatch reports whether some value in [lo, hi] can satisfy p.
func rangeMayMatch(lo, hi any, p Predicate) bool {
	cmpLo, ok1 := datafile.CompareValues(lo, p.Value)
	cmpHi, ok2 := datafile.CompareValues(hi, p.Value)
	if !ok1 || !ok2 {
		return true
	}
	switch p.Op {
	case OpEq:
		return cmpLo <= 0 && cmpHi >= 0
	case OpLt:
		return cmpLo < 0
	case OpLe:
		return cmpLo <= 0
	case OpGt:
		return cmpHi > 0
	case OpGe:
		return cmpHi >= 0
	case OpBetween:
		c, ok := datafile.CompareValues(lo, p.Upper)
		if !ok {
			return true
		}
		return cmpHi >= 0 && c <= 0
	}
	return true
}
