package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CategoryField is the key the merge adds to every extracted item.
const CategoryField = "Category"

// UnknownCategory is assigned when a categorization item carries no category.
const UnknownCategory = "Unknown"

// Item is a JSON object whose fields keep the order they were decoded in.
type Item struct {
	keys   []string
	values map[string]json.RawMessage
}

// NewItem builds an item from alternating key, value pairs. Values are
// marshalled with encoding/json.
func NewItem(kv ...any) (Item, error) {
	var it Item
	if len(kv)%2 != 0 {
		return it, fmt.Errorf("NewItem: odd number of arguments")
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return it, fmt.Errorf("NewItem: key %v is not a string", kv[i])
		}
		raw, err := json.Marshal(kv[i+1])
		if err != nil {
			return it, err
		}
		it.Set(key, raw)
	}
	return it, nil
}

// Keys returns the field names in order.
func (it Item) Keys() []string { return it.keys }

// Get returns the raw value of a field.
func (it Item) Get(key string) (json.RawMessage, bool) {
	v, ok := it.values[key]
	return v, ok
}

// String returns a field that holds a JSON string.
func (it Item) String(key string) (string, bool) {
	raw, ok := it.values[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Set overwrites a field in place or appends it.
func (it *Item) Set(key string, value json.RawMessage) {
	if it.values == nil {
		it.values = make(map[string]json.RawMessage)
	}
	if _, ok := it.values[key]; !ok {
		it.keys = append(it.keys, key)
	}
	it.values[key] = value
}

// Clone returns a copy that shares no state with it.
func (it Item) Clone() Item {
	out := Item{
		keys:   append([]string(nil), it.keys...),
		values: make(map[string]json.RawMessage, len(it.values)),
	}
	for k, v := range it.values {
		out.values[k] = v
	}
	return out
}

// UnmarshalJSON decodes an object and remembers its key order.
func (it *Item) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("item is not a JSON object")
	}
	*it = Item{values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		it.Set(key, raw)
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the fields in order.
func (it Item) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range it.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(it.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ItemList is the {"items": [...]} document every OCR stage produces.
type ItemList struct {
	Items []Item `json:"items"`
}

// Merge zips extracted items with their category assignments by position.
// Each merged item holds the extraction fields in their original order plus
// Category, taken from the matching categorization item or UnknownCategory
// when that item has no string Category.
func Merge(extraction, categorization ItemList) (ItemList, error) {
	if len(extraction.Items) != len(categorization.Items) {
		return ItemList{}, fmt.Errorf("%w: extracted %d items, categorized %d",
			ErrCardinalityMismatch, len(extraction.Items), len(categorization.Items))
	}

	merged := ItemList{Items: make([]Item, len(extraction.Items))}
	for i, src := range extraction.Items {
		category, ok := categorization.Items[i].String(CategoryField)
		if !ok {
			category = UnknownCategory
		}
		raw, _ := json.Marshal(category)
		item := src.Clone()
		item.Set(CategoryField, raw)
		merged.Items[i] = item
	}
	return merged, nil
}
