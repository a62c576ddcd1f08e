// Package materialize turns scanned result rows into typed node graphs. It is
// the strict half of the read path: stored values that do not fit the declared
// schema (an enum value outside its set, malformed JSON column bytes) are
// decode errors, never silently coerced.
package materialize

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"testhealth/internal/compile"
	"testhealth/internal/cursor"
	"testhealth/internal/dbexec"
	"testhealth/pkg/aggregate"
	"testhealth/pkg/query"
	"testhealth/pkg/schema"
)

// Node is one materialized row: scalar values keyed by field name, plus child
// nodes keyed by relation name once relation loads are attached. A loaded
// relation with no rows is an empty non-nil slice, so callers can tell "loaded
// and empty" from "never loaded".
type Node struct {
	Values   map[string]any
	Children map[string][]*Node
}

// Value returns the scalar value for a field, nil when absent or SQL NULL.
func (n *Node) Value(field string) any {
	return n.Values[field]
}

// Attach records a loaded relation's child nodes.
func (n *Node) Attach(relation string, children []*Node) {
	if n.Children == nil {
		n.Children = make(map[string][]*Node)
	}
	if children == nil {
		children = []*Node{}
	}
	n.Children[relation] = children
}

// Rows scans every row of a compiled select into nodes, in statement order.
func Rows(s *schema.Schema, rows dbexec.Rows, plan *compile.SelectPlan) ([]*Node, error) {
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		holders := makeHolders(plan.Fields)
		if err := rows.Scan(holders...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", plan.Entity.Name, err)
		}
		node, err := decodeNode(s, plan, holders)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// BatchRows scans a relation-batch statement, grouping child nodes under the
// stringified parent key carried in the statement's trailing column. Rows
// arrive already ordered, so each group preserves the declared ordering.
func BatchRows(s *schema.Schema, rows dbexec.Rows, plan *compile.SelectPlan) (map[string][]*Node, error) {
	defer rows.Close()

	groups := make(map[string][]*Node)
	for rows.Next() {
		holders := makeHolders(plan.Fields)
		var parentKey any
		holders = append(holders, &parentKey)
		if err := rows.Scan(holders...); err != nil {
			return nil, fmt.Errorf("scan %s batch: %w", plan.Entity.Name, err)
		}
		node, err := decodeNode(s, plan, holders[:len(holders)-1])
		if err != nil {
			return nil, err
		}
		key := KeyString(parentKey)
		groups[key] = append(groups[key], node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

// KeyString normalizes a parent-key value for group lookup. Driver rows carry
// string keys as []byte; parent-side values are already decoded Go scalars.
func KeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case []byte:
		return string(k)
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	default:
		return fmt.Sprintf("%v", k)
	}
}

// Window applies a per-parent skip/take to an already-ordered group.
func Window(nodes []*Node, skip, take int) []*Node {
	if skip > 0 {
		if skip >= len(nodes) {
			return []*Node{}
		}
		nodes = nodes[skip:]
	}
	if take > 0 && take < len(nodes) {
		nodes = nodes[:take]
	}
	return nodes
}

// Page is a finalized result window with its boundary cursors. NextCursor
// marks the last row for forward continuation, PrevCursor the first row for
// backward continuation; both are empty for an empty page or unordered reads.
type Page struct {
	Nodes      []*Node
	HasMore    bool
	NextCursor query.Cursor
	PrevCursor query.Cursor
}

// FinalizePage trims the probe row of a cursor fetch, restores forward order
// for backward pages, and mints the page's boundary cursors.
func FinalizePage(plan *compile.SelectPlan, nodes []*Node) Page {
	page := Page{Nodes: nodes}
	if plan.HasCursor && plan.Take > 0 && len(nodes) > plan.Take {
		page.HasMore = true
		page.Nodes = nodes[:plan.Take]
	}
	if plan.Reversed {
		for i, j := 0, len(page.Nodes)-1; i < j; i, j = i+1, j-1 {
			page.Nodes[i], page.Nodes[j] = page.Nodes[j], page.Nodes[i]
		}
	}
	if len(page.Nodes) == 0 || plan.OrderKey == "" {
		return page
	}
	page.NextCursor = mintCursor(plan, page.Nodes[len(page.Nodes)-1])
	page.PrevCursor = mintCursor(plan, page.Nodes[0])
	return page
}

func mintCursor(plan *compile.SelectPlan, node *Node) query.Cursor {
	values := make([]any, len(plan.OrderFields))
	for i, f := range plan.OrderFields {
		values[i] = node.Values[f.Name]
	}
	return query.Cursor(cursor.Encode(plan.Entity.Name, plan.OrderKey, plan.Directions, values...))
}

// AggregateRow scans a whole-table aggregate statement's single row.
func AggregateRow(s *schema.Schema, rows dbexec.Rows, plan *compile.AggregatePlan) (*aggregate.Result, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return &aggregate.Result{}, nil
	}
	holders := aggHolders(plan.Columns)
	if err := rows.Scan(holders...); err != nil {
		return nil, fmt.Errorf("scan %s aggregate: %w", plan.Entity.Name, err)
	}
	result, err := decodeAggregates(s, plan, holders)
	if err != nil {
		return nil, err
	}
	return result, rows.Err()
}

// GroupRows scans a groupBy statement into group rows: the grouping key
// columns lead each row, the aggregate columns follow.
func GroupRows(s *schema.Schema, rows dbexec.Rows, plan *compile.AggregatePlan) ([]aggregate.Group, error) {
	defer rows.Close()

	groups := []aggregate.Group{}
	for rows.Next() {
		holders := makeHolders(plan.GroupFields)
		holders = append(holders, aggHolders(plan.Columns)...)
		if err := rows.Scan(holders...); err != nil {
			return nil, fmt.Errorf("scan %s groupBy: %w", plan.Entity.Name, err)
		}

		key := make(map[string]any, len(plan.GroupFields))
		for i, f := range plan.GroupFields {
			v, err := decodeValue(s, plan.Entity, f, holders[i])
			if err != nil {
				return nil, err
			}
			key[f.Name] = v
		}
		result, err := decodeAggregates(s, plan, holders[len(plan.GroupFields):])
		if err != nil {
			return nil, err
		}
		groups = append(groups, aggregate.Group{Key: key, Result: *result})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

// makeHolders allocates scan destinations matching each field's kind.
func makeHolders(fields []*schema.Field) []any {
	holders := make([]any, len(fields))
	for i, f := range fields {
		switch f.Kind {
		case schema.KindInt:
			holders[i] = &sql.NullInt64{}
		case schema.KindFloat:
			holders[i] = &sql.NullFloat64{}
		case schema.KindBool:
			holders[i] = &sql.NullBool{}
		case schema.KindTime:
			holders[i] = &sql.NullTime{}
		case schema.KindJSON:
			holders[i] = &[]byte{}
		default:
			holders[i] = &sql.NullString{}
		}
	}
	return holders
}

func decodeNode(s *schema.Schema, plan *compile.SelectPlan, holders []any) (*Node, error) {
	values := make(map[string]any, len(plan.Fields))
	for i, f := range plan.Fields {
		v, err := decodeValue(s, plan.Entity, f, holders[i])
		if err != nil {
			return nil, err
		}
		values[f.Name] = v
	}
	return &Node{Values: values}, nil
}

// decodeValue converts one scanned holder into its Go value: nil for SQL
// NULL, time.Time in UTC, json.RawMessage for JSON columns, and a validated
// member string for enums.
func decodeValue(s *schema.Schema, ent *schema.Entity, f *schema.Field, holder any) (any, error) {
	switch h := holder.(type) {
	case *sql.NullInt64:
		if !h.Valid {
			return nil, nil
		}
		return h.Int64, nil
	case *sql.NullFloat64:
		if !h.Valid {
			return nil, nil
		}
		return h.Float64, nil
	case *sql.NullBool:
		if !h.Valid {
			return nil, nil
		}
		return h.Bool, nil
	case *sql.NullTime:
		if !h.Valid {
			return nil, nil
		}
		return h.Time.UTC(), nil
	case *[]byte:
		if *h == nil {
			return nil, nil
		}
		raw := json.RawMessage(append([]byte(nil), *h...))
		if !json.Valid(raw) {
			return nil, fmt.Errorf("decode %s.%s: stored value is not valid JSON", ent.Name, f.Name)
		}
		return raw, nil
	case *sql.NullString:
		if !h.Valid {
			return nil, nil
		}
		if f.Kind == schema.KindEnum {
			enum, ok := s.Enum(f.Enum)
			if !ok || !enum.Has(h.String) {
				return nil, fmt.Errorf("decode %s.%s: stored value %q is not in enum %s", ent.Name, f.Name, h.String, f.Enum)
			}
		}
		return h.String, nil
	default:
		return nil, fmt.Errorf("decode %s.%s: unsupported holder %T", ent.Name, f.Name, holder)
	}
}

// aggHolders allocates scan destinations for the aggregate columns: counts as
// integers, avg/sum as nullable floats, min/max shaped by their field.
func aggHolders(columns []compile.AggColumn) []any {
	holders := make([]any, len(columns))
	for i, col := range columns {
		switch col.Kind {
		case compile.AggCountAll, compile.AggCount:
			holders[i] = &sql.NullInt64{}
		case compile.AggAvg, compile.AggSum:
			holders[i] = &sql.NullFloat64{}
		default:
			holders[i] = makeHolders([]*schema.Field{col.Field})[0]
		}
	}
	return holders
}

func decodeAggregates(s *schema.Schema, plan *compile.AggregatePlan, holders []any) (*aggregate.Result, error) {
	result := &aggregate.Result{}
	for i, col := range plan.Columns {
		switch col.Kind {
		case compile.AggCountAll:
			h := holders[i].(*sql.NullInt64)
			result.CountAll = h.Int64
		case compile.AggCount:
			h := holders[i].(*sql.NullInt64)
			if result.Count == nil {
				result.Count = make(map[string]int64)
			}
			result.Count[col.Field.Name] = h.Int64
		case compile.AggAvg, compile.AggSum:
			h := holders[i].(*sql.NullFloat64)
			var v *float64
			if h.Valid {
				f := h.Float64
				v = &f
			}
			if col.Kind == compile.AggAvg {
				if result.Avg == nil {
					result.Avg = make(map[string]*float64)
				}
				result.Avg[col.Field.Name] = v
			} else {
				if result.Sum == nil {
					result.Sum = make(map[string]*float64)
				}
				result.Sum[col.Field.Name] = v
			}
		case compile.AggMin, compile.AggMax:
			v, err := decodeValue(s, plan.Entity, col.Field, holders[i])
			if err != nil {
				return nil, err
			}
			if col.Kind == compile.AggMin {
				if result.Min == nil {
					result.Min = make(map[string]any)
				}
				result.Min[col.Field.Name] = v
			} else {
				if result.Max == nil {
					result.Max = make(map[string]any)
				}
				result.Max[col.Field.Name] = v
			}
		}
	}
	return result, nil
}
