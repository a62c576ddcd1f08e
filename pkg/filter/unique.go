package filter

// Unique addresses at most one row through a declared unique key. The compiler
// rejects lookups whose field set does not match a unique key declared in the
// schema, so a Unique constructed against non-unique fields never reaches storage.
type Unique struct {
	Fields map[string]any
}

// ByID builds a primary-key lookup.
func ByID(id any) Unique {
	return Unique{Fields: map[string]any{"id": id}}
}

// By builds a single-field unique lookup (e.g. TestFile by filePath).
func By(field string, value any) Unique {
	return Unique{Fields: map[string]any{field: value}}
}

// ByFields builds a composite unique lookup.
func ByFields(fields map[string]any) Unique {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Unique{Fields: copied}
}

// FieldNames returns the addressed field names (unordered).
func (u Unique) FieldNames() []string {
	names := make([]string, 0, len(u.Fields))
	for name := range u.Fields {
		names = append(names, name)
	}
	return names
}

// IsZero reports whether the lookup addresses no fields.
func (u Unique) IsZero() bool {
	return len(u.Fields) == 0
}
