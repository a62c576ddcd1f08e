package sqlutil

import "testing"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"test_files", "`test_files`"},
		{"select", "`select`"},
		{"a`b", "`a``b`"},
		{"", "``"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := QuoteIdentifier(tt.input); got != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestQualify(t *testing.T) {
	if got := Qualify("test_files", "health_score"); got != "`test_files`.`health_score`" {
		t.Errorf("Qualify() = %q", got)
	}
}

func TestJSONPath(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		expected string
	}{
		{"member", []string{"coverage"}, `$."coverage"`},
		{"nested", []string{"ci", "runner"}, `$."ci"."runner"`},
		{"index", []string{"tags", "0"}, `$."tags"[0]`},
		{"last", []string{"tags", "#-1"}, `$."tags"[last]`},
		{"quoted key", []string{`a"b`}, `$."a\"b"`},
		{"empty", nil, "$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JSONPath(tt.segments); got != tt.expected {
				t.Errorf("JSONPath(%v) = %q, want %q", tt.segments, got, tt.expected)
			}
		})
	}
}
