package portal

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Portals wrap the same data in different envelopes ({"js": …}, {"data": …},
// {"js": {"data": …}}, JSON-in-a-string). Each extractor below is tried in
// table order and the first non-empty result wins.

type tokenExtractor struct {
	name string
	path []string
}

var tokenExtractors = []tokenExtractor{
	{"token", []string{"token"}},
	{"js.token", []string{"js", "token"}},
	{"data.token", []string{"data", "token"}},
	{"js.data.token", []string{"js", "data", "token"}},
}

// ExtractToken returns the session token from a handshake payload.
func ExtractToken(payload any) (string, bool) {
	for _, ex := range tokenExtractors {
		if v, ok := lookup(payload, ex.path...); ok {
			if s, ok := scalarString(v); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// ListOptions tunes ExtractList.
type ListOptions struct {
	// PairObjects accepts {"<id>": "<title>", …} objects as lists of
	// {id, title} records. Only genre/category probes set it.
	PairObjects bool
}

type listExtractor struct {
	name string
	fn   func(v any, opts ListOptions, reparse bool) []map[string]any
}

var nestedListPaths = [][]string{
	{"js", "genres"},
	{"js", "categories"},
	{"js", "channels"},
	{"genres"},
	{"categories"},
	{"channels"},
	{"data", "data"},
}

var listExtractors []listExtractor

// Filled in init: the "json string" entry recurses through extractList.
func init() {
	listExtractors = []listExtractor{
		{"top-level array", func(v any, _ ListOptions, _ bool) []map[string]any {
			return objects(v)
		}},
		{"data", func(v any, _ ListOptions, _ bool) []map[string]any {
			return objectsAt(v, "data")
		}},
		{"js.data", func(v any, _ ListOptions, _ bool) []map[string]any {
			return objectsAt(v, "js", "data")
		}},
		{"js", func(v any, _ ListOptions, _ bool) []map[string]any {
			return objectsAt(v, "js")
		}},
		{"known nested names", func(v any, _ ListOptions, _ bool) []map[string]any {
			for _, p := range nestedListPaths {
				if out := objectsAt(v, p...); len(out) > 0 {
					return out
				}
			}
			return nil
		}},
		{"json string", func(v any, opts ListOptions, reparse bool) []map[string]any {
			if !reparse {
				return nil
			}
			for _, p := range [][]string{{"js"}, {"data"}, {}} {
				s, ok := stringAt(v, p...)
				if !ok {
					continue
				}
				inner, ok := parseJSON(s)
				if !ok {
					continue
				}
				if out := extractList(inner, opts, false); len(out) > 0 {
					return out
				}
			}
			return nil
		}},
		{"id/title pairs", func(v any, opts ListOptions, _ bool) []map[string]any {
			if !opts.PairObjects {
				return nil
			}
			for _, p := range [][]string{{"js"}, {"data"}, {}} {
				if out := pairObjects(v, p...); len(out) > 0 {
					return out
				}
			}
			return nil
		}},
	}
}

// ExtractList returns the first non-empty list of records found in payload,
// or an empty slice. JSON carried inside a string is re-parsed at most once.
func ExtractList(payload any, opts ListOptions) []map[string]any {
	if out := extractList(payload, opts, true); out != nil {
		return out
	}
	return []map[string]any{}
}

func extractList(payload any, opts ListOptions, reparse bool) []map[string]any {
	if payload == nil {
		return nil
	}
	for _, ex := range listExtractors {
		if out := ex.fn(payload, opts, reparse); len(out) > 0 {
			return out
		}
	}
	return nil
}

var linkPaths = [][]string{
	{"js", "cmd"},
	{"data", "cmd"},
	{"cmd"},
	{"url"},
	{"data", "playlist", "0", "url"},
	{"js", "playlist", "0", "url"},
}

// ExtractLink returns the playable command from a create_link payload.
func ExtractLink(payload any) (string, bool) {
	for _, p := range linkPaths {
		if v, ok := lookup(payload, p...); ok {
			if s, ok := scalarString(v); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// lookup walks objects by key and arrays by decimal index.
func lookup(v any, path ...string) (any, bool) {
	cur := v
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

func objectsAt(v any, path ...string) []map[string]any {
	node, ok := lookup(v, path...)
	if !ok {
		return nil
	}
	return objects(node)
}

func objects(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringAt(v any, path ...string) (string, bool) {
	node := v
	if len(path) > 0 {
		var ok bool
		if node, ok = lookup(v, path...); !ok {
			return "", false
		}
	}
	s, ok := node.(string)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

func parseJSON(s string) (any, bool) {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// pairObjects reads {"1": "News", "2": "Sports"} (values may also be
// {"title": …} objects) as id/title records sorted by id.
func pairObjects(v any, path ...string) []map[string]any {
	node := v
	if len(path) > 0 {
		var ok bool
		if node, ok = lookup(v, path...); !ok {
			return nil
		}
	}
	m, ok := node.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m))
	titles := make(map[string]string, len(m))
	for id, raw := range m {
		title, ok := scalarString(raw)
		if !ok {
			obj, isObj := raw.(map[string]any)
			if !isObj {
				return nil
			}
			if title, ok = firstString(obj, titleKeys...); !ok {
				return nil
			}
		}
		if title == "" {
			continue
		}
		ids = append(ids, id)
		titles[id] = title
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id, "title": titles[id]})
	}
	return out
}

func idLess(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// scalarString renders JSON strings, numbers and booleans as strings.
func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

// firstString returns the first non-empty scalar under any of keys.
func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := scalarString(m[k]); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
