package store

import (
	"fmt"

	"github.com/careflow/careflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// nodeParamSchemas holds the JSON schema for each node type's params, checked
// at publish time. Templated string values pass the string checks here and are
// rendered at evaluation time.
var nodeParamSchemas = map[string]string{
	models.NodeTypeSendMessage: `{
		"type": "object",
		"required": ["channel", "body"],
		"properties": {
			"channel": {"type": "string", "enum": ["whatsapp", "sms", "email"]},
			"body": {"type": "string", "minLength": 1}
		}
	}`,
	models.NodeTypeCreateHold: `{
		"type": "object",
		"required": ["slot_type"],
		"properties": {
			"slot_type": {"type": "string", "minLength": 1},
			"hold_duration": {"type": "string"}
		}
	}`,
	models.NodeTypeSetData: `{
		"type": "object",
		"required": ["values"],
		"properties": {
			"values": {"type": "object", "minProperties": 1}
		}
	}`,
	models.NodeTypeWaitDelay: `{
		"type": "object",
		"required": ["duration"],
		"properties": {
			"duration": {"type": "string", "minLength": 2}
		}
	}`,
	models.NodeTypeWaitEvent: `{
		"type": "object",
		"required": ["event_type", "timeout"],
		"properties": {
			"event_type": {"type": "string", "minLength": 1},
			"timeout": {"type": "string", "minLength": 2}
		}
	}`,
	models.NodeTypeCondition: `{
		"type": "object",
		"required": ["expression"],
		"properties": {
			"expression": {"type": "string", "minLength": 1}
		}
	}`,
	models.NodeTypeEndSuccess: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`,
	models.NodeTypeEndFailure: `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"}
		}
	}`,
}

func validateNodeParams(node *models.FlowNode) []string {
	schema, ok := nodeParamSchemas[node.Type]
	if !ok {
		return nil
	}

	params := node.Params
	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return []string{fmt.Sprintf("node %q params could not be validated: %v", node.ID, err)}
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("node %q params: %s", node.ID, desc))
	}

	return violations
}
