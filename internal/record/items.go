package record

// itemKeys are the envelope keys that may hold a page of items.
var itemKeys = []string{"records", "entries", "items", "data", "results", "collections", "libraries"}

// Items extracts the list of objects from a list response. It accepts a
// top-level array, an envelope keyed by one of itemKeys, or one more level of
// nesting (e.g. {"data": {"items": [...]}}). ok is false when no list is found.
func Items(payload any) (items []map[string]any, ok bool) {
	switch t := payload.(type) {
	case []any:
		return objects(t), true
	case map[string]any:
		for _, k := range itemKeys {
			switch v := t[k].(type) {
			case []any:
				return objects(v), true
			case map[string]any:
				for _, k2 := range itemKeys {
					if list, ok := v[k2].([]any); ok {
						return objects(list), true
					}
				}
			}
		}
	}
	return nil, false
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
