// Package cursor encodes and decodes opaque pagination cursors. A cursor is a
// base64-encoded JSON payload carrying the entity name, ordering context, and
// string-coerced order-key values for seek-based pagination.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"testhealth/pkg/schema"
)

type payload struct {
	Version    int      `json:"v"`
	Entity     string   `json:"e"`
	OrderKey   string   `json:"k"`
	Directions []string `json:"d"`
	Values     []string `json:"vals"`
}

// Encode builds an opaque cursor from entity name, order key, directions, and
// order-key values. Values are string-coerced for JSON safety (avoids
// float64→int64 precision loss on round-trip).
func Encode(entity, orderKey string, directions []string, values ...any) string {
	normalized := make([]string, len(directions))
	for i, d := range directions {
		normalized[i] = strings.ToUpper(d)
	}
	stringValues := make([]string, 0, len(values))
	for _, v := range values {
		stringValues = append(stringValues, coerceToString(v))
	}
	data, err := json.Marshal(payload{
		Version:    1,
		Entity:     entity,
		OrderKey:   orderKey,
		Directions: normalized,
		Values:     stringValues,
	})
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// Decode parses a cursor into its components. Returns entity name, order key,
// directions, and string-encoded order-key values.
func Decode(raw string) (entity, orderKey string, directions []string, values []string, err error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", "", nil, nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", "", nil, nil, fmt.Errorf("invalid cursor format")
	}
	if p.Version != 1 {
		return "", "", nil, nil, fmt.Errorf("invalid cursor version")
	}
	if p.Entity == "" || p.OrderKey == "" {
		return "", "", nil, nil, fmt.Errorf("invalid cursor: missing entity or order key")
	}
	if len(p.Directions) == 0 {
		return "", "", nil, nil, fmt.Errorf("invalid cursor: missing directions")
	}
	for i, d := range p.Directions {
		d = strings.ToUpper(d)
		if d != "ASC" && d != "DESC" {
			return "", "", nil, nil, fmt.Errorf("invalid cursor: direction %d must be ASC or DESC", i)
		}
		p.Directions[i] = d
	}
	if len(p.Values) != len(p.Directions) {
		return "", "", nil, nil, fmt.Errorf("invalid cursor: value count mismatch")
	}
	return p.Entity, p.OrderKey, p.Directions, p.Values, nil
}

// Validate confirms the cursor matches the query it is being applied to. A
// cursor minted under a different entity or ordering must be rejected rather
// than silently producing a wrong seek position.
func Validate(expectedEntity, expectedOrderKey string, expectedDirections []string, entity, orderKey string, directions []string) error {
	if entity != expectedEntity {
		return fmt.Errorf("cursor entity mismatch: expected %s, got %s", expectedEntity, entity)
	}
	if orderKey != expectedOrderKey {
		return fmt.Errorf("cursor ordering mismatch: expected %s, got %s", expectedOrderKey, orderKey)
	}
	if len(directions) != len(expectedDirections) {
		return fmt.Errorf("cursor direction count mismatch: expected %d, got %d", len(expectedDirections), len(directions))
	}
	for i := range expectedDirections {
		if !strings.EqualFold(directions[i], expectedDirections[i]) {
			return fmt.Errorf("cursor direction mismatch at position %d", i)
		}
	}
	return nil
}

// ParseValues converts string-encoded cursor values into native Go types
// based on the schema fields that produced them.
func ParseValues(stringVals []string, fields []*schema.Field) ([]any, error) {
	if len(stringVals) != len(fields) {
		return nil, fmt.Errorf("cursor value count mismatch: expected %d, got %d", len(fields), len(stringVals))
	}
	result := make([]any, len(stringVals))
	for i, sv := range stringVals {
		parsed, err := parseValue(fields[i], sv)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor value for %s: %w", fields[i].Name, err)
		}
		result[i] = parsed
	}
	return result, nil
}

func parseValue(f *schema.Field, raw string) (any, error) {
	if raw == "\x00" {
		return nil, nil
	}
	switch f.Kind {
	case schema.KindInt:
		return strconv.ParseInt(raw, 10, 64)
	case schema.KindFloat:
		return strconv.ParseFloat(raw, 64)
	case schema.KindBool:
		return strconv.ParseBool(raw)
	case schema.KindTime:
		return time.Parse(time.RFC3339Nano, raw)
	default:
		return raw, nil
	}
}

func coerceToString(v any) string {
	switch val := v.(type) {
	case nil:
		return "\x00"
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
