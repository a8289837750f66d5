package dispatch

import (
	"encoding/json"
	"math"
	"sort"

	mcperrors "mcp-resource-server/internal/errors"
)

// ArgType is the declared type of a tool argument.
type ArgType string

const (
	TypeString  ArgType = "string"
	TypeInteger ArgType = "integer"
	TypeBoolean ArgType = "boolean"
	TypeAny     ArgType = "any"
)

// Param declares one tool argument.
type Param struct {
	Name        string
	Type        ArgType
	Required    bool
	Description string
	Enum        []string
	// Min and Max bound integer arguments.
	Min int64
	Max int64
}

// Tool is the declared surface of a tool.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

// ToolInfo is the listing form of a tool.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Properties returns the JSON Schema properties of the tool.
func (t Tool) Properties() map[string]interface{} {
	props := make(map[string]interface{}, len(t.Params))
	for _, p := range t.Params {
		prop := map[string]interface{}{"description": p.Description}
		if p.Type != TypeAny {
			prop["type"] = string(p.Type)
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == TypeInteger {
			prop["minimum"] = p.Min
			if p.Max > 0 {
				prop["maximum"] = p.Max
			}
		}
		props[p.Name] = prop
	}
	return props
}

// Required returns the names of the required arguments.
func (t Tool) Required() []string {
	required := []string{}
	for _, p := range t.Params {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return required
}

// InputSchema returns the tool's JSON Schema.
func (t Tool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"properties":           t.Properties(),
		"required":             t.Required(),
		"additionalProperties": false,
	}
}

func (t Tool) Info() ToolInfo {
	return ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema()}
}

// Validate checks args against the declared params: unknown fields,
// missing required fields and mistyped values fail with InvalidArguments
// naming the field. Unknown fields are reported in sorted order.
func (t Tool) Validate(args map[string]interface{}) error {
	declared := make(map[string]Param, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = p
	}

	unknown := make([]string, 0)
	for name := range args {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return mcperrors.InvalidArgument(unknown[0], "unknown argument")
	}

	for _, p := range t.Params {
		v, present := args[p.Name]
		if !present || v == nil {
			if p.Required {
				return mcperrors.InvalidArgument(p.Name, "is required")
			}
			continue
		}
		if err := p.check(v); err != nil {
			return err
		}
	}
	return nil
}

func (p Param) check(v interface{}) error {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return mcperrors.InvalidArgument(p.Name, "must be a string")
		}
		if len(p.Enum) > 0 && !contains(p.Enum, s) {
			return mcperrors.InvalidArgument(p.Name, "must be one of "+joinQuoted(p.Enum))
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return mcperrors.InvalidArgument(p.Name, "must be a boolean")
		}
	case TypeInteger:
		n, ok := asInteger(v)
		if !ok {
			return mcperrors.InvalidArgument(p.Name, "must be an integer")
		}
		if n < p.Min {
			return mcperrors.InvalidArgument(p.Name, "must not be negative")
		}
		if p.Max > 0 && n > p.Max {
			return mcperrors.InvalidArgument(p.Name, "is too large")
		}
	}
	return nil
}

// asInteger accepts Go integers, whole floats (JSON numbers decode to
// float64) and json.Number.
func asInteger(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return asInteger(float64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinQuoted(list []string) string {
	out := ""
	for i, v := range list {
		if i > 0 {
			out += ", "
		}
		out += "'" + v + "'"
	}
	return out
}
