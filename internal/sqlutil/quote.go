// Package sqlutil provides SQL identifier helpers shared by the compiler.
package sqlutil

import "strings"

// QuoteIdentifier quotes a SQL identifier (table, column, alias) with
// backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// Qualify produces a quoted table.column reference.
func Qualify(table, column string) string {
	return QuoteIdentifier(table) + "." + QuoteIdentifier(column)
}

// JSONPath builds a MySQL JSON path expression from path segments. String
// segments become quoted member accessors; only the sentinel segments "#-1"
// (last element) and non-negative decimal indexes become array accessors.
func JSONPath(segments []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		if seg == "#-1" || isIndex(seg) {
			b.WriteString("[")
			if seg == "#-1" {
				b.WriteString("last")
			} else {
				b.WriteString(seg)
			}
			b.WriteString("]")
			continue
		}
		b.WriteString(".\"")
		b.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		b.WriteString("\"")
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
