package toolbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ValidateToolSchema reports the problems that keep a parameter schema from
// being exposed to the realtime endpoint. An absent schema is valid.
func ValidateToolSchema(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var schema any
	if err := json.Unmarshal(trimmed, &schema); err != nil {
		return []string{fmt.Sprintf("parameters are not valid JSON: %v", err)}
	}
	obj, ok := schema.(map[string]any)
	if !ok {
		return []string{"parameters are not a JSON object"}
	}

	var problems []string
	checkProperties(obj, "", &problems)
	return problems
}

func checkProperties(node map[string]any, prefix string, problems *[]string) {
	props, ok := node["properties"].(map[string]any)
	if !ok {
		return
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		checkProperty(prop, prefix+name, problems)
	}
}

func checkProperty(prop map[string]any, path string, problems *[]string) {
	if isArrayType(prop["type"]) {
		items, ok := prop["items"]
		if !ok || items == nil {
			*problems = append(*problems, fmt.Sprintf("%s: array property has no items", path))
		}
	}
	checkProperties(prop, path+".", problems)
	if items, ok := prop["items"].(map[string]any); ok {
		checkProperty(items, path+"[]", problems)
	}
}

// isArrayType accepts both "array" and ["array", "null"] style types
func isArrayType(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "array"
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == "array" {
				return true
			}
		}
	}
	return false
}

// compileArgumentSchema prepares a tool schema for argument validation.
// Tools without a schema yield nil.
func compileArgumentSchema(raw json.RawMessage) (*gojsonschema.Schema, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(trimmed))
}

// validateArguments checks call arguments against a compiled schema
func validateArguments(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}
