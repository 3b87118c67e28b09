// Package monitor checks inbound JSON bodies against their published
// contracts before anything else looks at them.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ContractMonitor validates incoming requests against a JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor creates a ContractMonitor from a schema file.
// The schemaPath should be an absolute path or relative to the execution directory.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	return newContractMonitor(gojsonschema.NewReferenceLoader("file://"+schemaPath), schemaPath)
}

// NewContractMonitorFromJSON creates a ContractMonitor from an inline schema.
func NewContractMonitorFromJSON(schema string) (*ContractMonitor, error) {
	return newContractMonitor(gojsonschema.NewStringLoader(schema), "inline schema")
}

// MustContractMonitorFromJSON is NewContractMonitorFromJSON for schemas
// compiled into the binary.
func MustContractMonitorFromJSON(schema string) *ContractMonitor {
	cm, err := NewContractMonitorFromJSON(schema)
	if err != nil {
		panic(err)
	}
	return cm
}

func newContractMonitor(loader gojsonschema.JSONLoader, name string) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate validates the given request body against the loaded JSON schema.
// It returns true if valid, or false and a list of validation errors if invalid.
// A body that is not JSON at all is reported as an error.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
