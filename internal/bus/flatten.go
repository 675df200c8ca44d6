package bus

import "fmt"

// flatten collapses a decoded JSON object into a single-level map whose keys
// are dotted paths. Array elements get indexed keys and the array itself is
// kept both under its plain path and under path[] so rules can test whole
// lists. `{"a": {"b": 1}}` becomes `{"a.b": 1}`.
func flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			flattenInto(out, fmt.Sprintf("%s.%s", path, key), child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenInto(out, fmt.Sprintf("%s[%d]", path, i), child)
		}
	default:
		out[path] = value
	}
}
