package optimize

import (
	"sort"

	"github.com/gigapi/gigapi-lakehouse/datafile"
)

// ZOrder sorts rows along a Z-order curve over cols. Each column value is
// replaced by its rank among the distinct values, scaled to 64/len(cols)
// bits, and the bits are interleaved most significant first. A single column
// is a plain sort.
func ZOrder(rows []datafile.Row, cols []string) {
	switch len(cols) {
	case 0:
		return
	case 1:
		c := cols[0]
		sort.SliceStable(rows, func(i, j int) bool {
			return compareNullable(rows[i][c], rows[j][c]) < 0
		})
		return
	}

	bits := 64 / len(cols)
	ranks := make([][]uint64, len(cols))
	for i, c := range cols {
		ranks[i] = scaledRanks(rows, c, bits)
	}
	keys := make([]uint64, len(rows))
	for r := range rows {
		var key uint64
		for b := bits - 1; b >= 0; b-- {
			for i := range cols {
				key = key<<1 | (ranks[i][r]>>uint(b))&1
			}
		}
		keys[r] = key
	}

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		if ka != kb {
			return ka < kb
		}
		return compareRows(rows[idx[a]], rows[idx[b]], cols) < 0
	})
	sorted := make([]datafile.Row, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
}

// scaledRanks maps every row's value of col to its dense rank, stretched over
// [0, 2^bits-1].
func scaledRanks(rows []datafile.Row, col string, bits int) []uint64 {
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return compareNullable(rows[order[a]][col], rows[order[b]][col]) < 0
	})

	dense := make([]int, len(rows))
	distinct := 0
	for i, r := range order {
		if i > 0 && compareNullable(rows[order[i-1]][col], rows[r][col]) != 0 {
			distinct++
		}
		dense[r] = distinct
	}

	out := make([]uint64, len(rows))
	if distinct == 0 {
		return out
	}
	top := float64(uint64(1)<<uint(bits) - 1)
	for r, d := range dense {
		out[r] = uint64(float64(d) / float64(distinct) * top)
	}
	return out
}

func compareRows(a, b datafile.Row, cols []string) int {
	for _, c := range cols {
		if cmp := compareNullable(a[c], b[c]); cmp != 0 {
			return cmp
		}
	}
	return 0
}

// compareNullable orders nulls first and falls back to the formatted value
// for types that do not compare.
func compareNullable(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := datafile.CompareValues(a, b); ok {
		return c
	}
	sa, sb := datafile.FormatValue(a), datafile.FormatValue(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}
