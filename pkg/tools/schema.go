package tools

import (
	"encoding/json"
	"strings"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// NewReflector returns the reflector used for tool and result schemas. Definitions are
// expanded inline.
func NewReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		DoNotReference: true,
	}
}

// SchemaToMap converts a schema into a plain map, dropping $schema and $id.
func SchemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	return result, nil
}

// ValidateJSON checks args against schema. It returns the list of validation failures,
// empty when the document is valid. A returned error means the schema itself is unusable.
func ValidateJSON(schema *jsonschema.Schema, args json.RawMessage) ([]messages.ValidationErrorDetail, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return []messages.ValidationErrorDetail{{
			Type:  "json_invalid",
			Loc:   []string{},
			Msg:   "Invalid JSON: " + err.Error(),
			Input: string(args),
		}}, nil
	}

	if schema == nil {
		return nil, nil
	}
	schemaMap, err := SchemaToMap(schema)
	if err != nil {
		return nil, errors.Wrap(err, "could not convert schema")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schemaMap), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, errors.Wrap(err, "failed to validate json")
	}
	if result.Valid() {
		return nil, nil
	}

	details := make([]messages.ValidationErrorDetail, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		details = append(details, messages.ValidationErrorDetail{
			Type:  re.Type(),
			Loc:   fieldLoc(re.Field()),
			Msg:   re.Description(),
			Input: re.Value(),
		})
	}
	return details, nil
}

func fieldLoc(field string) []string {
	if field == "" || field == "(root)" {
		return []string{}
	}
	return strings.Split(field, ".")
}
