package durablestream

import (
	"bytes"
	"encoding/json"
)

// JSON streams never re-serialize their accumulated bytes: every stored item
// is a minified JSON value followed by a single trailing comma, so appends
// cost O(bytes added) rather than O(total bytes). Reads strip the final
// comma and wrap the result in brackets.

// StitchCreate validates a create-time JSON body and returns the internal
// trailing-comma representation plus how many items it holds. An array body
// is flattened one level; any other JSON value is stored as a single item.
// An empty array is explicitly permitted on create and yields zero stored
// bytes.
func StitchCreate(data []byte) (stored []byte, itemCount int, err error) {
	if len(data) == 0 {
		return nil, 0, nil
	}

	items, err := flattenJSONBody(data)
	if err != nil {
		return nil, 0, err
	}
	return joinItems(items), len(items), nil
}

// StitchAppend validates an append-time JSON body and returns the delta to
// append to the stream's internal representation, plus how many items it
// holds. Unlike create, an empty array is rejected here.
func StitchAppend(data []byte) (delta []byte, itemCount int, err error) {
	items, err := flattenJSONBody(data)
	if err != nil {
		return nil, 0, err
	}
	if len(items) == 0 {
		return nil, 0, ErrInvalidJSON
	}
	return joinItems(items), len(items), nil
}

// flattenJSONBody parses data as JSON; if it is a top-level array, each
// element becomes its own item (re-minified); otherwise the whole body is
// one item. A top-level empty array yields zero items without error -
// callers decide whether that's acceptable for their operation.
func flattenJSONBody(data []byte) ([][]byte, error) {
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(probe)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{minify(trimmed)}, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil {
		return nil, ErrInvalidJSON
	}
	items := make([][]byte, 0, len(arr))
	for _, elem := range arr {
		items = append(items, minify(bytes.TrimSpace(elem)))
	}
	return items, nil
}

// minify removes insignificant whitespace from a JSON value by round
// tripping it through the compactor; callers pass already-valid JSON.
func minify(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		// raw was already validated by the caller's Unmarshal; Compact
		// cannot fail on valid JSON.
		return raw
	}
	return buf.Bytes()
}

// joinItems renders items as the internal trailing-comma form.
func joinItems(items [][]byte) []byte {
	if len(items) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, item := range items {
		buf.Write(item)
		buf.WriteByte(',')
	}
	return buf.Bytes()
}

// FormatJSONRead wraps the internal trailing-comma representation in a JSON
// array for a read response. An empty stream reads as "[]".
func FormatJSONRead(stored []byte) []byte {
	trimmed := bytes.TrimSuffix(stored, []byte{','})
	out := make([]byte, 0, len(trimmed)+2)
	out = append(out, '[')
	out = append(out, trimmed...)
	out = append(out, ']')
	return out
}
