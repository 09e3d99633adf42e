package mapping

import (
	"strconv"
	"strings"
)

// ResolvePath walks an arbitrary nested payload (maps, slices, scalars as
// produced by json.Unmarshal) along a dotted path with optional [n] indices,
// e.g. "data.items[0].price". A missing segment resolves to (nil, false),
// never an error. Paths without '.' or '[' take a direct map lookup fast path.
func ResolvePath(source interface{}, path string) (interface{}, bool) {
	if path == "" || source == nil {
		return nil, false
	}

	// Fast path: flat field name.
	if !strings.ContainsAny(path, ".[") {
		obj, ok := source.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := obj[path]
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}

	current := source
	for _, seg := range strings.Split(path, ".") {
		name, indices, ok := parseSegment(seg)
		if !ok {
			return nil, false
		}
		if name != "" {
			obj, isMap := current.(map[string]interface{})
			if !isMap {
				return nil, false
			}
			v, exists := obj[name]
			if !exists {
				return nil, false
			}
			current = v
		}
		for _, idx := range indices {
			arr, isSlice := current.([]interface{})
			if !isSlice || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
		if current == nil {
			return nil, false
		}
	}
	return current, true
}

// parseSegment splits "items[0][1]" into the field name and its indices. A
// bare "[0]" (no name) indexes the current value directly.
func parseSegment(seg string) (name string, indices []int, ok bool) {
	if seg == "" {
		return "", nil, false
	}
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, nil, true
	}
	name = seg[:open]
	rest := seg[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indices = append(indices, idx)
		rest = rest[close+1:]
	}
	return name, indices, true
}
