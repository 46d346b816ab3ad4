package structured

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks recovered values against a compiled JSON schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// NewValidator compiles schemaJSON. name is used as the schema resource URL
// and in error messages.
func NewValidator(name, schemaJSON string) (*Validator, error) {
	url := "mem://schemas/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("adding schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: schema}, nil
}

// MustValidator is NewValidator for package-level schemas known at build time.
func MustValidator(name, schemaJSON string) *Validator {
	v, err := NewValidator(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate reports whether value conforms to the schema. value must be in
// the shape produced by Parse (maps, slices, float64, string, bool, nil).
func (v *Validator) Validate(value any) error {
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}
	return nil
}
