package remote

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// changesSchemaJSON constrains the shape of a changes-feed response before
// it is decoded into typed records. A store answering with an unexpected
// shape fails loudly here instead of producing half-decoded records.
const changesSchemaJSON = `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"deleted": {"type": "boolean"},
					"changes": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["rev"],
							"properties": {"rev": {"type": "string"}}
						}
					},
					"doc": {"type": "object"}
				}
			}
		}
	}
}`

var (
	changesSchemaOnce sync.Once
	changesSchema     *jsonschema.Schema
	changesSchemaErr  error
)

func compiledChangesSchema() (*jsonschema.Schema, error) {
	changesSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changesSchemaJSON))
		if err != nil {
			changesSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("changes.json", doc); err != nil {
			changesSchemaErr = err
			return
		}
		changesSchema, changesSchemaErr = compiler.Compile("changes.json")
	})
	return changesSchema, changesSchemaErr
}

// validateChangesBody checks a raw changes-feed body against the schema.
func validateChangesBody(body []byte) error {
	schema, err := compiledChangesSchema()
	if err != nil {
		return fmt.Errorf("remote: compile changes schema: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: changes body is not JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("remote: changes body failed validation: %w", err)
	}
	return nil
}
