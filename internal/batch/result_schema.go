package batch

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ResultSchemaValidationError is the cause of an OperationFailure raised when a
// result does not match the schema registered for its callable.
type ResultSchemaValidationError struct {
	OpKey  string
	Errors []ValidationErrorItem
}

func (e *ResultSchemaValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "result_schema_validation_failed"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, item.Path+": "+item.Message)
	}
	return "result_schema_validation_failed: " + strings.Join(parts, "; ")
}

func compileResultSchema(schema string) (*gojsonschema.Schema, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid result schema: %w", err)
	}
	return compiled, nil
}

func validateResult(schema *gojsonschema.Schema, opKey string, result []byte) error {
	if schema == nil {
		return nil
	}
	doc := strings.TrimSpace(string(result))
	if doc == "" {
		doc = "null"
	}
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return fmt.Errorf("validate result schema: %w", err)
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	return &ResultSchemaValidationError{OpKey: opKey, Errors: items}
}
