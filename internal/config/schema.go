package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "noderun.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// checkSchema validates the raw document before it is decoded into Config so
// type errors are reported against the file's own structure.
func checkSchema(raw []byte, isJSON bool) error {
	var doc any
	if isJSON {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if doc == nil {
			return nil
		}
		// Round-trip through JSON so numbers and maps have the shapes the
		// validator expects.
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		doc = nil
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// Schema returns the embedded JSON schema.
func Schema() string { return schemaJSON }
