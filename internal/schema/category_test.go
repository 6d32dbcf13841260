package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aceteam-ai/tally/assets"
)

func categorizeTemplate(t *testing.T) []byte {
	t.Helper()
	b, err := assets.Schema(assets.StageCategorize)
	require.NoError(t, err)
	return b
}

func enumOf(t *testing.T, schema []byte) []string {
	t.Helper()
	var doc struct {
		Properties struct {
			Items struct {
				Items struct {
					Properties struct {
						Category struct {
							Type string   `json:"type"`
							Enum []string `json:"enum"`
						} `json:"Category"`
					} `json:"properties"`
				} `json:"items"`
			} `json:"items"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(schema, &doc))
	return doc.Properties.Items.Items.Properties.Category.Enum
}

func TestBuildCategorySchemaReplacesEnum(t *testing.T) {
	tmpl := categorizeTemplate(t)

	out, err := BuildCategorySchema(tmpl, []string{"Groceries", "Other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Groceries", "Other"}, enumOf(t, out))
}

func TestBuildCategorySchemaKeepsRestOfTemplate(t *testing.T) {
	tmpl := categorizeTemplate(t)

	out, err := BuildCategorySchema(tmpl, []string{"Fuel"})
	require.NoError(t, err)

	var want, got map[string]any
	require.NoError(t, json.Unmarshal(tmpl, &want))
	require.NoError(t, json.Unmarshal(out, &got))

	// Put the template's enum back and the documents must match.
	cat := got["properties"].(map[string]any)["items"].(map[string]any)["items"].(map[string]any)["properties"].(map[string]any)["Category"].(map[string]any)
	cat["enum"] = []any{}
	assert.Equal(t, want, got)
}

func TestBuildCategorySchemaIsDeterministic(t *testing.T) {
	tmpl := categorizeTemplate(t)
	cats := []string{"Rent", "Dining", "Rent2", "Auto"}

	first, err := BuildCategorySchema(tmpl, cats)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := BuildCategorySchema(tmpl, cats)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBuildCategorySchemaDoesNotShareState(t *testing.T) {
	tmpl := categorizeTemplate(t)
	orig := append([]byte(nil), tmpl...)

	_, err := BuildCategorySchema(tmpl, []string{"A"})
	require.NoError(t, err)
	out, err := BuildCategorySchema(tmpl, []string{"B", "C"})
	require.NoError(t, err)

	assert.Equal(t, orig, tmpl)
	assert.Equal(t, []string{"B", "C"}, enumOf(t, out))
}

func TestBuildCategorySchemaDefaults(t *testing.T) {
	out, err := BuildCategorySchema(categorizeTemplate(t), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCategories, enumOf(t, out))
}

func TestBuildCategorySchemaInvalidTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
	}{
		{"not json", `{{`},
		{"no properties", `{"type":"object"}`},
		{"items not object", `{"properties":{"items":[]}}`},
		{"no category", `{"properties":{"items":{"items":{"properties":{"Name":{}}}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCategorySchema([]byte(tt.tmpl), []string{"A"})
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}
}

func TestResolveCategories(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"absent", ``, DefaultCategories},
		{"null", `null`, DefaultCategories},
		{"string", `"not-a-list"`, DefaultCategories},
		{"empty list", `[]`, DefaultCategories},
		{"mixed types", `["Groceries", 3]`, DefaultCategories},
		{"empty string", `["Groceries", ""]`, DefaultCategories},
		{"object", `{"a":1}`, DefaultCategories},
		{"valid", `["Groceries","Other"]`, []string{"Groceries", "Other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveCategories(json.RawMessage(tt.raw)))
		})
	}
}
