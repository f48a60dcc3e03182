// Package template renders node parameters against the execution context.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/careflow/careflow/pkg/models"
)

// RenderWithContext renders a parameter string against the execution's
// context. Template data exposes the context under .ctx, the trigger payload
// under .trigger and execution identity under .execution.
func RenderWithContext(input string, execution *models.Execution) (any, error) {
	data := map[string]any{
		"ctx":     execution.Context,
		"trigger": execution.Context["trigger"],
		"execution": map[string]any{
			"id":           execution.ID,
			"template_key": execution.TemplateKey,
			"subject_id":   execution.Subject.SubjectID,
			"clinic_id":    execution.Subject.ClinicID,
		},
	}

	return Render(input, data)
}

// NeedsTemplating reports whether a string contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("transform").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	// Parse structured output back into data so rendered params keep their types.
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderParams renders every string value in a node's params map, recursing
// into nested maps and slices. Non-string values pass through unchanged.
func RenderParams(params map[string]any, execution *models.Execution) (map[string]any, error) {
	rendered := make(map[string]any, len(params))

	for key, value := range params {
		out, err := renderValue(value, execution)
		if err != nil {
			return nil, fmt.Errorf("failed to render param %q: %w", key, err)
		}

		rendered[key] = out
	}

	return rendered, nil
}

func renderValue(value any, execution *models.Execution) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, nil
		}

		return RenderWithContext(v, execution)
	case map[string]any:
		return RenderParams(v, execution)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, execution)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}
