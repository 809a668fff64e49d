package history

// DownsampleMinMax reduces time-ordered rows to at most the minimum and the
// maximum of each of count equal buckets spanning [start, end].
//
// Rows outside the window are kept unchanged, as are all rows when there
// are no more than two per bucket. Non-numeric rows inside the window are
// skipped.
func DownsampleMinMax(rows []Row, start, end int64, count int) []Row {
	if count <= 0 || end <= start || len(rows) <= 2*count {
		return rows
	}
	step := (end - start) / int64(count)
	if step < 1 {
		step = 1
	}

	out := make([]Row, 0, 2*count+2)
	bucket := -1
	minIdx, maxIdx := -1, -1

	emit := func() {
		switch {
		case minIdx < 0:
		case minIdx == maxIdx:
			out = append(out, rows[minIdx])
		case minIdx < maxIdx:
			out = append(out, rows[minIdx], rows[maxIdx])
		default:
			out = append(out, rows[maxIdx], rows[minIdx])
		}
		minIdx, maxIdx = -1, -1
	}

	for i, r := range rows {
		if r.Ts < start || r.Ts > end {
			emit()
			out = append(out, r)
			continue
		}
		v, ok := r.Val.(float64)
		if !ok {
			continue
		}
		b := int((r.Ts - start) / step)
		if b >= count {
			b = count - 1
		}
		if b != bucket {
			emit()
			bucket = b
		}
		if minIdx < 0 || v < rows[minIdx].Val.(float64) {
			minIdx = i
		}
		if maxIdx < 0 || v > rows[maxIdx].Val.(float64) {
			maxIdx = i
		}
	}
	emit()
	return out
}

// dedupeConsecutive drops rows whose value equals the previous row's.
func dedupeConsecutive(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for i, r := range rows {
		if i > 0 && r.Val == rows[i-1].Val {
			continue
		}
		out = append(out, r)
	}
	return out
}
