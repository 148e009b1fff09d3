// Package cursor holds query results as rows of values aligned with a column
// projection, the shape the document API hands back to its callers.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrColumnCount is returned when a row does not match the projection.
var ErrColumnCount = errors.New("row does not match column count")

// ErrInvalidSortOrder is returned for sort orders that cannot be parsed or
// name an unknown column.
var ErrInvalidSortOrder = errors.New("invalid sort order")

// Cursor is an in-memory result set.
//
// A Cursor is built by one goroutine and then handed off; it is not safe
// for concurrent mutation.
type Cursor struct {
	columns         []string
	rows            [][]any
	notificationURI string
}

// New creates an empty cursor with the given projection.
func New(columns []string) *Cursor {
	return &Cursor{columns: append([]string(nil), columns...)}
}

// Columns returns the projection.
func (c *Cursor) Columns() []string {
	return append([]string(nil), c.columns...)
}

// ColumnIndex returns the position of a column, or -1.
func (c *Cursor) ColumnIndex(name string) int {
	for i, col := range c.columns {
		if col == name {
			return i
		}
	}
	return -1
}

// AddRow appends a row. values must have one entry per column.
func (c *Cursor) AddRow(values []any) error {
	if len(values) != len(c.columns) {
		return fmt.Errorf("%w: got %d values for %d columns", ErrColumnCount, len(values), len(c.columns))
	}
	c.rows = append(c.rows, values)
	return nil
}

// Count returns the number of rows.
func (c *Cursor) Count() int {
	return len(c.rows)
}

// Row returns the i-th row.
func (c *Cursor) Row(i int) []any {
	return c.rows[i]
}

// Value returns the value of column in row i, or nil for unknown columns.
func (c *Cursor) Value(i int, column string) any {
	idx := c.ColumnIndex(column)
	if idx < 0 {
		return nil
	}
	return c.rows[i][idx]
}

// SetNotificationURI sets the URI observers watch to learn that this result
// is stale.
func (c *Cursor) SetNotificationURI(uri string) {
	c.notificationURI = uri
}

// NotificationURI returns the URI set with SetNotificationURI.
func (c *Cursor) NotificationURI() string {
	return c.notificationURI
}

// Sort orders the rows by "<column> [ASC|DESC]". Strings compare case
// insensitively, nil sorts first. An empty order keeps the current order.
func (c *Cursor) Sort(order string) error {
	order = strings.TrimSpace(order)
	if order == "" {
		return nil
	}

	fields := strings.Fields(order)
	if len(fields) > 2 {
		return fmt.Errorf("%w: %q", ErrInvalidSortOrder, order)
	}

	desc := false
	if len(fields) == 2 {
		switch strings.ToUpper(fields[1]) {
		case "ASC":
		case "DESC":
			desc = true
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSortOrder, order)
		}
	}

	idx := c.ColumnIndex(fields[0])
	if idx < 0 {
		return fmt.Errorf("%w: unknown column %q", ErrInvalidSortOrder, fields[0])
	}

	sort.SliceStable(c.rows, func(i, j int) bool {
		cmp := compare(c.rows[i][idx], c.rows[j][idx])
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return nil
}

// Records returns the rows as column-name maps.
func (c *Cursor) Records() []map[string]any {
	out := make([]map[string]any, len(c.rows))
	for i, row := range c.rows {
		rec := make(map[string]any, len(c.columns))
		for j, col := range c.columns {
			rec[col] = row[j]
		}
		out[i] = rec
	}
	return out
}

// MarshalJSON encodes the cursor as {"columns", "rows", "notification_uri"}.
func (c *Cursor) MarshalJSON() ([]byte, error) {
	rows := c.rows
	if rows == nil {
		rows = [][]any{}
	}
	return json.Marshal(struct {
		Columns         []string `json:"columns"`
		Rows            [][]any  `json:"rows"`
		NotificationURI string   `json:"notification_uri,omitempty"`
	}{c.columns, rows, c.notificationURI})
}

func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if x, ok := toInt64(a); ok {
		if y, ok := toInt64(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(strings.ToLower(fmt.Sprint(a)), strings.ToLower(fmt.Sprint(b)))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
