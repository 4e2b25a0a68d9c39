package config

// Overlay returns parent with every top-level key of child replacing the
// parent's value. Nested maps and lists are not merged. The parent's
// `inherits` key is never carried over.
func Overlay(parent, child map[string]any) map[string]any {
	merged := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		if k == "inherits" {
			continue
		}
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

// normalizeAliases folds accepted spellings onto canonical keys:
// `command-name` onto `command-names` and, per integration, `scope` onto
// `scopes`. The canonical key wins when both are present.
func normalizeAliases(doc map[string]any) {
	moveKey(doc, "command-name", "command-names")

	servers, ok := doc["mcp-servers"].([]any)
	if !ok {
		return
	}
	for _, s := range servers {
		if m, ok := s.(map[string]any); ok {
			moveKey(m, "scope", "scopes")
			moveKey(m, "type", "transport")
		}
	}
}

func moveKey(m map[string]any, from, to string) {
	v, ok := m[from]
	if !ok {
		return
	}
	delete(m, from)
	if _, exists := m[to]; !exists {
		m[to] = v
	}
}
