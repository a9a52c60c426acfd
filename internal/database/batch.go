package database

import (
	"fmt"
	"strings"
)

// MaxBatchRows caps multi-row VALUES statements to stay well under the
// driver and server parameter limits.
const MaxBatchRows = 1000

// ValuesClause renders the placeholder block for a multi-row insert,
// "($1,$2),($3,$4),...", starting at placeholder start (1-based).
// rows above MaxBatchRows must be chunked by the caller.
func ValuesClause(start, rows, cols int) string {
	var b strings.Builder
	b.Grow(rows * cols * 4)
	n := start
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// Chunk splits items into batches of at most size elements, preserving
// order. A non-positive size falls back to MaxBatchRows.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = MaxBatchRows
	}
	if len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
