package devices

import (
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/protocol-settings-v1.json
var protocolSettingsSchemaJSON string

// Validator checks protocol settings blobs against the embedded JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("protocol-settings-v1.json",
		strings.NewReader(protocolSettingsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("protocol-settings-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateSettings validates an already decoded settings object whose keys
// have been canonicalized.
func (v *Validator) ValidateSettings(settings map[string]interface{}) error {
	if err := v.schema.Validate(settings); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
