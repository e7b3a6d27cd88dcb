package cdp

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// FormatValue renders a RemoteObject the way a REPL would print it.
//
// Rules, in order: undefined; quoted strings; canonical numbers and
// booleans; null; the runtime's own description; a synthetic preview;
// the bare type name.
func FormatValue(obj *RemoteObject) string {
	if obj == nil {
		return "undefined"
	}

	switch obj.Type {
	case "undefined":
		return "undefined"
	case "string":
		if len(obj.Value) > 0 {
			// Wire values are already JSON-encoded, which for a string
			// is exactly the quoted rendering.
			return string(obj.Value)
		}
		quoted, _ := json.Marshal(obj.Description)
		return string(quoted)
	case "number", "boolean":
		if obj.UnserializableValue != "" {
			return obj.UnserializableValue
		}
		if len(obj.Value) > 0 {
			return string(obj.Value)
		}
		return obj.Description
	}

	if obj.Subtype == "null" {
		return "null"
	}
	if obj.Description != "" {
		return obj.Description
	}
	if len(obj.Preview) > 0 {
		return formatPreview(obj.Preview)
	}
	return obj.Type
}

// formatPreview builds a short rendering from an ObjectPreview, whose
// shape is too optional to bother with typed structs.
func formatPreview(preview json.RawMessage) string {
	p := gjson.ParseBytes(preview)

	props := p.Get("properties")
	if props.IsArray() {
		if p.Get("subtype").String() == "array" {
			return previewArray(props, p.Get("overflow").Bool())
		}
		return previewObject(props, p.Get("overflow").Bool())
	}

	if d := p.Get("description"); d.Exists() {
		return d.String()
	}
	return p.Get("type").String()
}

func previewArray(props gjson.Result, overflow bool) string {
	var parts []string
	props.ForEach(func(_, prop gjson.Result) bool {
		parts = append(parts, previewPropertyValue(prop))
		return true
	})
	if overflow {
		parts = append(parts, "…")
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func previewObject(props gjson.Result, overflow bool) string {
	var parts []string
	props.ForEach(func(_, prop gjson.Result) bool {
		parts = append(parts, prop.Get("name").String()+": "+previewPropertyValue(prop))
		return true
	})
	if overflow {
		parts = append(parts, "…")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// previewPropertyValue renders a single PropertyPreview entry.
func previewPropertyValue(prop gjson.Result) string {
	if v := prop.Get("value"); v.Exists() {
		if prop.Get("type").String() == "string" {
			quoted, _ := json.Marshal(v.String())
			return string(quoted)
		}
		return v.String()
	}
	return prop.Get("type").String()
}
