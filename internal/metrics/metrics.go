// Package metrics reads a run's events.jsonl and turns its metrics events
// into the tabular {columns, rows} shape the HTTP API serves, with an
// optional LTTB downsample pass for large series (spec.md §6, §8).
package metrics

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"sort"
)

// Event mirrors one line of events.jsonl.
type Event struct {
	Ts   float64        `json:"ts"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Table is the {columns, rows} response shape.
type Table struct {
	Columns []string         `json:"columns"`
	Rows    [][]any          `json:"rows"`
	Total   int              `json:"total"`
	Sampled bool             `json:"sampled"`
}

// ReadMetrics parses every "metrics" event out of the events.jsonl file at
// path, building the union of all fields seen (plus global_step and time) as
// columns. Partial/truncated final lines are silently dropped, matching the
// Run Writer's own tolerance for a line still being written.
func ReadMetrics(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()

	colSet := map[string]int{"global_step": 0, "time": 1}
	cols := []string{"global_step", "time"}
	var records []map[string]any

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // partial/corrupt line — drop
		}
		if ev.Type != "metrics" {
			continue
		}
		for k := range ev.Data {
			if _, ok := colSet[k]; !ok {
				colSet[k] = len(cols)
				cols = append(cols, k)
			}
		}
		records = append(records, ev.Data)
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, len(cols))
		for j, c := range cols {
			v, ok := rec[c]
			if !ok {
				row[j] = nil
				continue
			}
			row[j] = normalizeNumber(v)
		}
		rows[i] = row
	}

	return Table{Columns: cols, Rows: rows, Total: len(rows)}, nil
}

// normalizeNumber substitutes JSON null for non-finite floats, per spec's
// read-time NaN/Inf normalization rule. encoding/json already rejects NaN/Inf
// on the way out, so this only matters for values round-tripped through
// float64 arithmetic upstream of serialization (e.g. a downsample pass).
func normalizeNumber(v any) any {
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	}
	return v
}

// Downsample applies the Largest-Triangle-Three-Buckets algorithm to reduce
// t.Rows to at most threshold points, keyed on stepCol (normally
// "global_step") as x and valueCol as y. The first and last rows are always
// kept. If t has fewer rows than threshold, t is returned unchanged.
func Downsample(t Table, stepCol, valueCol string, threshold int) Table {
	if threshold <= 2 || len(t.Rows) <= threshold {
		return t
	}
	stepIdx, valueIdx := colIndex(t.Columns, stepCol), colIndex(t.Columns, valueCol)
	if stepIdx < 0 || valueIdx < 0 {
		return t
	}

	data := t.Rows
	n := len(data)
	sampled := make([][]any, 0, threshold)
	sampled = append(sampled, data[0])

	bucketSize := float64(n-2) / float64(threshold-2)
	a := 0

	for i := 0; i < threshold-2; i++ {
		rangeStart := int(float64(i)*bucketSize) + 1
		rangeEnd := int(float64(i+1)*bucketSize) + 1
		if rangeEnd > n-1 {
			rangeEnd = n - 1
		}

		nextStart := rangeEnd
		nextEnd := int(float64(i+2)*bucketSize) + 1
		if nextEnd > n {
			nextEnd = n
		}
		if nextStart >= nextEnd {
			nextStart = nextEnd - 1
		}
		avgX, avgY := avgXY(data, nextStart, nextEnd, stepIdx, valueIdx)

		pointAX, pointAY := toFloat(data[a][stepIdx]), toFloat(data[a][valueIdx])

		maxArea := -1.0
		maxIdx := rangeStart
		for j := rangeStart; j < rangeEnd; j++ {
			x, y := toFloat(data[j][stepIdx]), toFloat(data[j][valueIdx])
			area := math.Abs((pointAX-avgX)*(y-pointAY) - (pointAX-x)*(avgY-pointAY))
			if area > maxArea {
				maxArea = area
				maxIdx = j
			}
		}
		sampled = append(sampled, data[maxIdx])
		a = maxIdx
	}

	sampled = append(sampled, data[n-1])

	return Table{Columns: t.Columns, Rows: sampled, Total: t.Total, Sampled: true}
}

func avgXY(data [][]any, start, end, xIdx, yIdx int) (float64, float64) {
	if start >= end {
		return toFloat(data[start][xIdx]), toFloat(data[start][yIdx])
	}
	var sumX, sumY float64
	count := 0
	for i := start; i < end; i++ {
		sumX += toFloat(data[i][xIdx])
		sumY += toFloat(data[i][yIdx])
		count++
	}
	return sumX / float64(count), sumY / float64(count)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func colIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// SortedColumns returns t.Columns with global_step/time pinned first and the
// remainder alphabetized, used by handlers that want deterministic output.
func SortedColumns(t Table) []string {
	if len(t.Columns) <= 2 {
		return t.Columns
	}
	fixed := t.Columns[:2]
	rest := append([]string(nil), t.Columns[2:]...)
	sort.Strings(rest)
	return append(append([]string(nil), fixed...), rest...)
}
