package translate

// CleanGeminiSchema recursively sanitizes a JSON-Schema tree for Gemini
// upstreams: it strips `additionalProperties` and `default` everywhere,
// and strips `format` on `string`-typed nodes unless the format is `enum`
// or `date-time` (spec.md §4.D.5). Grounded on
// original_source/server.py's clean_gemini_schema.
func CleanGeminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	cleaned := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "additionalProperties", "default":
			continue
		case "format":
			if t, _ := schema["type"].(string); t == "string" {
				if fv, ok := v.(string); ok && fv != "enum" && fv != "date-time" {
					continue
				}
			}
		}
		cleaned[k] = cleanSchemaValue(v)
	}
	return cleaned
}

func cleanSchemaValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return CleanGeminiSchema(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cleanSchemaValue(item)
		}
		return out
	default:
		return v
	}
}
