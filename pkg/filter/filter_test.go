package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The empty conjunction is true and the empty disjunction is false; the
// constructors and the zero Where must keep the two apart.
func TestEmptyCombinatorIdentities(t *testing.T) {
	row := map[string]any{"healthScore": "GOOD"}

	match, err := Where{}.Matches(row)
	require.NoError(t, err)
	assert.True(t, match, "the zero predicate matches everything")

	match, err = All().Matches(row)
	require.NoError(t, err)
	assert.True(t, match, "the empty conjunction is true")

	match, err = Any().Matches(row)
	require.NoError(t, err)
	assert.False(t, match, "the empty disjunction is false")

	assert.True(t, Where{}.IsZero())
	assert.True(t, All().IsZero())
	assert.False(t, Any().IsZero())
}

func TestAnyWithBranchesMatchesAny(t *testing.T) {
	w := Any(
		Of(Eq("healthScore", "POOR")),
		Of(Eq("healthScore", "CRITICAL")),
	)

	match, err := w.Matches(map[string]any{"healthScore": "CRITICAL"})
	require.NoError(t, err)
	assert.True(t, match)

	match, err = w.Matches(map[string]any{"healthScore": "GOOD"})
	require.NoError(t, err)
	assert.False(t, match)
}
