package filter

import (
	"fmt"
	"strings"
	"time"
)

// Matches evaluates the predicate against an in-memory row using the naive
// per-row semantics the compiled SQL must agree with. It covers scalar
// conditions and the boolean combinators; JSON and relation conditions need
// storage context and return an error. Tests use this as the reference
// interpreter when checking compiled filters.
func (w Where) Matches(row map[string]any) (bool, error) {
	for _, c := range w.Conds {
		ok, err := c.matches(row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(w.JSON) > 0 || len(w.Relations) > 0 {
		return false, fmt.Errorf("reference evaluation supports scalar conditions only")
	}
	for _, sub := range w.And {
		ok, err := sub.Matches(row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if w.Or != nil {
		if len(w.Or) == 0 {
			// The empty disjunction is false.
			return false, nil
		}
		anyMatch := false
		for _, sub := range w.Or {
			ok, err := sub.Matches(row)
			if err != nil {
				return false, err
			}
			if ok {
				anyMatch = true
				break
			}
		}
		if !anyMatch {
			return false, nil
		}
	}
	for _, sub := range w.Not {
		ok, err := sub.Matches(row)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Cond) matches(row map[string]any) (bool, error) {
	value, present := row[c.Field]

	switch c.Op {
	case OpIsNull:
		want, ok := c.Value.(bool)
		if !ok {
			return false, fmt.Errorf("isNull requires a bool, got %T", c.Value)
		}
		isNull := !present || value == nil
		return isNull == want, nil
	case OpEquals:
		return scalarEqual(value, c.Value, c.Mode), nil
	case OpNot:
		if value == nil {
			// SQL three-valued logic: NULL <> x is not true.
			return false, nil
		}
		return !scalarEqual(value, c.Value, c.Mode), nil
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("%s requires a list, got %T", c.Op, c.Value)
		}
		if value == nil {
			return false, nil
		}
		found := false
		for _, candidate := range list {
			if scalarEqual(value, candidate, c.Mode) {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found, nil
		}
		return !found, nil
	case OpLt, OpLte, OpGt, OpGte:
		if value == nil {
			return false, nil
		}
		cmp, err := compareScalars(value, c.Value)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpContains, OpStartsWith, OpEndsWith:
		str, ok := value.(string)
		if !ok {
			return false, nil
		}
		needle, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("%s requires a string, got %T", c.Op, c.Value)
		}
		if c.Mode == ModeInsensitive {
			str = strings.ToLower(str)
			needle = strings.ToLower(needle)
		}
		switch c.Op {
		case OpContains:
			return strings.Contains(str, needle), nil
		case OpStartsWith:
			return strings.HasPrefix(str, needle), nil
		default:
			return strings.HasSuffix(str, needle), nil
		}
	default:
		return false, fmt.Errorf("unknown operator %s", c.Op)
	}
}

func scalarEqual(a, b any, mode Mode) bool {
	if a == nil || b == nil {
		// NULL = x is not true in SQL, including NULL = NULL.
		return false
	}
	if mode == ModeInsensitive {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return strings.EqualFold(as, bs)
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	return a == b
}

func compareScalars(a, b any) (int, error) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return strings.Compare(as, bs), nil
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, fmt.Errorf("unordered type %T", a)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
