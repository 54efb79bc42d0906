// internal/metadata/validator.go
// JSON-schema validation of TZIP-16 metadata documents. Validation
// findings are advisory: a document that fails the schema can still be
// classified and displayed.
package metadata

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// tzip16Schema is the subset of the TZIP-16 metadata schema the service
// checks: typed top-level fields and the view declaration shape.
// Unknown top-level fields are allowed; heuristics inspect them
// separately.
const tzip16Schema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "license": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string"},
        "details": {"type": "string"}
      }
    },
    "authors": {"type": "array", "items": {"type": "string"}},
    "homepage": {"type": "string"},
    "interfaces": {"type": "array", "items": {"type": "string"}},
    "views": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"},
          "pure": {"type": "boolean"},
          "implementations": {"type": "array", "items": {"type": "object"}}
        }
      }
    }
  }
}`

// Validator validates metadata documents against the TZIP-16 schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the embedded TZIP-16 schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(tzip16Schema))
	if err != nil {
		return nil, fmt.Errorf("invalid tzip-16 schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a raw document against the schema and returns one
// description per violation. A nil error with findings means the
// document parsed but does not conform.
func (v *Validator) Validate(document []byte) ([]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	findings := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		findings = append(findings, desc.String())
	}
	return findings, nil
}
