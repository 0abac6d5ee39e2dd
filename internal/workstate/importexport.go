package workstate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed document_schema.json
var documentSchemaJSON []byte

const documentSchemaURL = "https://teamscope.dev/schemas/workstate-document.json"

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = fmt.Errorf("parse embedded document schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(documentSchemaURL, doc); err != nil {
			documentSchemaErr = fmt.Errorf("register document schema: %w", err)
			return
		}
		documentSchema, documentSchemaErr = compiler.Compile(documentSchemaURL)
	})
	return documentSchema, documentSchemaErr
}

// ValidateDocumentJSON checks a raw payload against the document schema.
// Shape violations wrap ErrImportValidation with the validator's detail.
func ValidateDocumentJSON(raw []byte) error {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportValidation, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrImportValidation, err)
	}
	return nil
}

// ImportDocument validates, decodes, and upgrades a foreign payload. The
// caller installs the result through a Coordinator so it gets a fresh stamp
// and the usual persistence path. Rejected payloads never touch state.
func ImportDocument(raw []byte) (*AppState, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrImportValidation)
	}
	if err := ValidateDocumentJSON(raw); err != nil {
		return nil, err
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportValidation, err)
	}
	return doc, nil
}

// ExportDocument serializes the document for download or transfer. The
// output is indented so a human can inspect and diff it.
func ExportDocument(state *AppState) ([]byte, error) {
	if state == nil {
		return nil, ErrInvalidInput
	}
	return json.MarshalIndent(state, "", "  ")
}
