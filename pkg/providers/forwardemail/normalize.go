package forwardemail

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// normalizeAliases turns any list response shape into aliases: a bare array,
// an object wrapping the array at one of paths, or a single alias object.
// Entries without an id are dropped.
func normalizeAliases(doc any, paths []string) ([]engine.Alias, error) {
	items, err := aliasItems(doc, paths)
	if err != nil {
		return nil, err
	}

	out := make([]engine.Alias, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if alias, ok := toAlias(obj); ok {
			out = append(out, alias)
		}
	}
	return out, nil
}

func aliasItems(doc any, paths []string) ([]any, error) {
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case map[string]any:
		for _, path := range paths {
			found, err := jsonpath.Get(path, v)
			if err != nil {
				continue
			}
			if arr, ok := found.([]any); ok {
				return arr, nil
			}
		}
		if _, ok := v["id"]; ok {
			return []any{v}, nil
		}
		return nil, fmt.Errorf("unrecognized alias list shape with keys %s", keys(v))
	default:
		return nil, fmt.Errorf("unrecognized alias list shape %T", doc)
	}
}

// toAlias reads one alias object. Recipients may be an array or a
// comma-separated string.
func toAlias(obj map[string]any) (engine.Alias, bool) {
	id := stringField(obj, "id")
	if id == "" {
		return engine.Alias{}, false
	}

	alias := engine.Alias{
		ID:        id,
		LocalPart: stringField(obj, "name"),
	}
	switch r := obj["recipients"].(type) {
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok && s != "" {
				alias.Recipients = append(alias.Recipients, s)
			}
		}
	case string:
		for _, s := range strings.Split(r, ",") {
			if s = strings.TrimSpace(s); s != "" {
				alias.Recipients = append(alias.Recipients, s)
			}
		}
	}
	return alias, true
}

// stringField reads a string or numeric id-like field.
func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func keys(m map[string]any) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return "[" + strings.Join(out, ",") + "]"
}
