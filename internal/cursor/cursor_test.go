package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testhealth/pkg/schema"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	raw := Encode("TestFile", "lastModified:DESC,id:ASC", []string{"DESC", "ASC"}, ts, "tf-1")
	require.NotEmpty(t, raw)

	entity, orderKey, directions, values, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "TestFile", entity)
	assert.Equal(t, "lastModified:DESC,id:ASC", orderKey)
	assert.Equal(t, []string{"DESC", "ASC"}, directions)
	assert.Equal(t, []string{"2026-08-01T12:30:00Z", "tf-1"}, values)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, _, _, err := Decode("not base64!!!")
	assert.Error(t, err)

	_, _, _, _, err = Decode("aGVsbG8=") // base64 but not JSON
	assert.Error(t, err)
}

func TestValidateMismatch(t *testing.T) {
	raw := Encode("TestFile", "id:ASC", []string{"ASC"}, "tf-1")
	entity, orderKey, directions, _, err := Decode(raw)
	require.NoError(t, err)

	assert.Error(t, Validate("TestExecution", "id:ASC", []string{"ASC"}, entity, orderKey, directions))
	assert.Error(t, Validate("TestFile", "runCount:DESC", []string{"DESC"}, entity, orderKey, directions))
	assert.NoError(t, Validate("TestFile", "id:ASC", []string{"ASC"}, entity, orderKey, directions))
}

func TestParseValues(t *testing.T) {
	fields := []*schema.Field{
		{Name: "runCount", Kind: schema.KindInt},
		{Name: "passRate", Kind: schema.KindFloat},
		{Name: "id", Kind: schema.KindString},
	}
	parsed, err := ParseValues([]string{"42", "0.95", "tf-1"}, fields)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42), 0.95, "tf-1"}, parsed)

	_, err = ParseValues([]string{"nope", "0.95", "tf-1"}, fields)
	assert.Error(t, err)

	_, err = ParseValues([]string{"42"}, fields)
	assert.Error(t, err)
}

func TestNullValueRoundTrip(t *testing.T) {
	raw := Encode("TestFile", "lastFixedAt:ASC,id:ASC", []string{"ASC", "ASC"}, nil, "tf-1")
	_, _, _, values, err := Decode(raw)
	require.NoError(t, err)

	fields := []*schema.Field{
		{Name: "lastFixedAt", Kind: schema.KindTime, Nullable: true},
		{Name: "id", Kind: schema.KindString},
	}
	parsed, err := ParseValues(values, fields)
	require.NoError(t, err)
	assert.Nil(t, parsed[0])
	assert.Equal(t, "tf-1", parsed[1])
}
