// internal/schema/category.go
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultCategories is used when a task supplies no usable category list.
var DefaultCategories = []string{"Groceries", "Dining", "Transport", "Entertainment", "Other", "Unknown"}

// ErrInvalidTemplate is returned when a categorization template is not JSON or
// lacks the Category field.
var ErrInvalidTemplate = errors.New("invalid category schema template")

// categoryPath locates the Category property inside the categorization schema.
var categoryPath = []string{"properties", "items", "items", "properties", "Category"}

// BuildCategorySchema returns a copy of template whose Category enum is
// replaced by categories. An empty list selects DefaultCategories.
//
// The template is decoded fresh on every call so no state is shared between
// tasks. Object keys are emitted sorted, so equal inputs give equal bytes.
func BuildCategorySchema(template []byte, categories []string) ([]byte, error) {
	if len(categories) == 0 {
		categories = DefaultCategories
	}

	var doc map[string]any
	if err := json.Unmarshal(template, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	node := doc
	for _, key := range categoryPath {
		next, ok := node[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: missing object at %q", ErrInvalidTemplate, key)
		}
		node = next
	}

	enum := make([]any, len(categories))
	for i, c := range categories {
		enum[i] = c
	}
	node["enum"] = enum

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal category schema: %w", err)
	}
	return out, nil
}

// ResolveCategories decodes the categories field of a task. Anything other
// than a non-empty list of non-empty strings yields DefaultCategories.
func ResolveCategories(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return DefaultCategories
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		return DefaultCategories
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok || s == "" {
			return DefaultCategories
		}
		out = append(out, s)
	}
	return out
}
