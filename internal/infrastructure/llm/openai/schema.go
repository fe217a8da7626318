package openai

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// fieldsSchema is the contract for extracted invoice fields. It is loose on
// purpose: tenant templates may add keys, but the fields a downstream
// confirmation screen relies on must have sane types when present.
const fieldsSchema = `{
	"type": "object",
	"properties": {
		"invoice_number": {"type": ["string", "null"]},
		"invoice_date": {"type": ["string", "null"]},
		"vendor_name": {"type": ["string", "null"]},
		"amount_total": {"type": ["number", "string", "null"]},
		"tax_total": {"type": ["number", "string", "null"]},
		"currency": {"type": ["string", "null"], "maxLength": 3},
		"line_items": {"type": ["array", "null"]}
	}
}`

func compileFieldsValidator() (func(domain.Fields) error, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fields.json", strings.NewReader(fieldsSchema)); err != nil {
		return nil, fmt.Errorf("add fields schema: %w", err)
	}
	schema, err := compiler.Compile("fields.json")
	if err != nil {
		return nil, fmt.Errorf("compile fields schema: %w", err)
	}

	return func(fields domain.Fields) error {
		if err := schema.Validate(map[string]any(fields)); err != nil {
			return fmt.Errorf("fields do not match schema: %w", err)
		}
		return nil
	}, nil
}
