package history

import "sort"

// Buffer holds points waiting for the next flush, grouped by series.
//
// The point counter always equals the number of queued points. Buffer is
// not safe for concurrent use; the Pipeline owns it.
type Buffer struct {
	series map[string][]Point
	count  int
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{series: make(map[string][]Point)}
}

// Add appends points to a series.
func (b *Buffer) Add(series string, points ...Point) {
	if len(points) == 0 {
		return
	}
	b.series[series] = append(b.series[series], points...)
	b.count += len(points)
}

// AddAll appends every series of batch.
func (b *Buffer) AddAll(batch map[string][]Point) {
	for series, points := range batch {
		b.Add(series, points...)
	}
}

// Len returns the number of queued points.
func (b *Buffer) Len() int {
	return b.count
}

// Drain removes and returns everything queued.
func (b *Buffer) Drain() (map[string][]Point, int) {
	batch, n := b.series, b.count
	b.series = make(map[string][]Point)
	b.count = 0
	return batch, n
}

// Snapshot returns a copy of the queued points.
func (b *Buffer) Snapshot() map[string][]Point {
	out := make(map[string][]Point, len(b.series))
	for series, points := range b.series {
		out[series] = append([]Point(nil), points...)
	}
	return out
}

// sortedSeries returns the series names of batch in stable order.
func sortedSeries(batch map[string][]Point) []string {
	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConflictSet is the set of series written point by point after a type conflict.
type ConflictSet map[string]int

// Has reports whether series is conflicting.
func (c ConflictSet) Has(series string) bool {
	_, ok := c[series]
	return ok
}

// IDs returns the conflicting series sorted.
func (c ConflictSet) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone copies the set.
func (c ConflictSet) Clone() ConflictSet {
	out := make(ConflictSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
