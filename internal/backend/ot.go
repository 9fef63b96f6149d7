package backend

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// applyComponents applies a JSON0-shaped op — an array of components,
// each `{p: [...path], oi/od | li/ld | na}` — to a document using a
// gjson-read/sjson-write round trip per component.
func applyComponents(data []byte, opRaw json.RawMessage) ([]byte, error) {
	if len(opRaw) == 0 {
		return data, nil
	}
	var components []map[string]json.RawMessage
	if err := json.Unmarshal(opRaw, &components); err != nil {
		return nil, fmt.Errorf("backend: invalid op: %w", err)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}

	for _, c := range components {
		pathRaw, ok := c["p"]
		if !ok {
			return nil, fmt.Errorf("backend: op component missing 'p'")
		}
		var path []any
		if err := json.Unmarshal(pathRaw, &path); err != nil {
			return nil, fmt.Errorf("backend: invalid op path: %w", err)
		}

		var err error
		switch {
		case has(c, "oi"), has(c, "od"):
			data, err = applyObjectComponent(data, path, c)
		case has(c, "li"), has(c, "ld"):
			data, err = applyListComponent(data, path, c)
		case has(c, "na"):
			data, err = applyNumberAdd(data, path, c)
		default:
			return nil, fmt.Errorf("backend: unsupported op component")
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func has(c map[string]json.RawMessage, key string) bool {
	_, ok := c[key]
	return ok
}

// applyObjectComponent implements `oi` (object/field insert — set, since
// this engine does not distinguish a conflicting prior value) and `od`
// (object/field delete).
func applyObjectComponent(data []byte, path []any, c map[string]json.RawMessage) ([]byte, error) {
	gp := gjsonPath(path)
	if raw, ok := c["oi"]; ok {
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("backend: invalid 'oi' value: %w", err)
		}
		out, err := sjson.SetBytes(data, gp, val)
		if err != nil {
			return nil, fmt.Errorf("backend: apply 'oi': %w", err)
		}
		return out, nil
	}
	out, err := sjson.DeleteBytes(data, gp)
	if err != nil {
		return nil, fmt.Errorf("backend: apply 'od': %w", err)
	}
	return out, nil
}

// applyListComponent implements `li` (list element insert, shifting
// later elements right) and `ld` (list element delete, shifting left).
// sjson's path-set overwrites in place rather than splicing, so list
// components read the target array out, splice it in Go, and write the
// whole array back.
func applyListComponent(data []byte, path []any, c map[string]json.RawMessage) ([]byte, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("backend: list op requires an index in 'p'")
	}
	idx, ok := asInt(path[len(path)-1])
	if !ok {
		return nil, fmt.Errorf("backend: list op index must be numeric")
	}
	arrPath := gjsonPath(path[:len(path)-1])

	arrRes := gjson.GetBytes(data, arrPath)
	var elems []any
	if arrRes.IsArray() {
		for _, v := range arrRes.Array() {
			elems = append(elems, v.Value())
		}
	}

	if raw, ok := c["li"]; ok {
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("backend: invalid 'li' value: %w", err)
		}
		if idx < 0 || idx > len(elems) {
			return nil, fmt.Errorf("backend: list insert index %d out of range", idx)
		}
		elems = append(elems[:idx], append([]any{val}, elems[idx:]...)...)
	} else {
		if idx < 0 || idx >= len(elems) {
			return nil, fmt.Errorf("backend: list delete index %d out of range", idx)
		}
		elems = append(elems[:idx], elems[idx+1:]...)
	}

	out, err := sjson.SetBytes(data, arrPath, elems)
	if err != nil {
		return nil, fmt.Errorf("backend: apply list op: %w", err)
	}
	return out, nil
}

// applyNumberAdd implements `na`: add a delta to the numeric value at path.
func applyNumberAdd(data []byte, path []any, c map[string]json.RawMessage) ([]byte, error) {
	var delta float64
	if err := json.Unmarshal(c["na"], &delta); err != nil {
		return nil, fmt.Errorf("backend: invalid 'na' value: %w", err)
	}
	gp := gjsonPath(path)
	cur := gjson.GetBytes(data, gp).Float()
	out, err := sjson.SetBytes(data, gp, cur+delta)
	if err != nil {
		return nil, fmt.Errorf("backend: apply 'na': %w", err)
	}
	return out, nil
}

// gjsonPath renders a JSON0 path (a mix of string object keys and int
// array indices) as a gjson/sjson dotted path, escaping any literal dots
// in a key the way gjson's path syntax requires.
func gjsonPath(path []any) string {
	parts := make([]string, len(path))
	for i, p := range path {
		switch v := p.(type) {
		case string:
			parts[i] = strings.ReplaceAll(v, ".", "\\.")
		case float64:
			parts[i] = strconv.Itoa(int(v))
		case int:
			parts[i] = strconv.Itoa(v)
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return strings.Join(parts, ".")
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
