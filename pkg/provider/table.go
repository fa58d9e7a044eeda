package provider

import (
	"strconv"
)

// Table is a columnar result set: a list of field names plus row slices in
// the same order. The zero value is an empty table.
type Table struct {
	Fields []string `json:"fields"`
	Items  [][]any  `json:"items"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Items)
}

// col returns the index of a field, -1 when absent.
func (t *Table) col(name string) int {
	for i, f := range t.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// StringAt returns the cell as a string, "" when absent or non-string.
func (t *Table) StringAt(row int, field string) string {
	c := t.col(field)
	if c < 0 || row < 0 || row >= len(t.Items) || c >= len(t.Items[row]) {
		return ""
	}
	s, _ := t.Items[row][c].(string)
	return s
}

// FloatAt returns the cell as a float64. JSON numbers arrive as float64;
// some upstream tables deliver numerics as strings, so those parse too.
// Null and absent cells report false.
func (t *Table) FloatAt(row int, field string) (float64, bool) {
	c := t.col(field)
	if c < 0 || row < 0 || row >= len(t.Items) || c >= len(t.Items[row]) {
		return 0, false
	}
	switch v := t.Items[row][c].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
