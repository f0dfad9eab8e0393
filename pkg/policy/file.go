package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://xdomain.schemas.local/policy.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func policySchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaJSON))); err != nil {
			compileErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("policy schema compile failed: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// File is the on-disk policy table.
type File struct {
	Authorizations []Authorization `yaml:"authorizations" json:"authorizations"`
}

// LoadFile reads, schema-validates and parses a YAML policy file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse schema-validates and decodes a YAML policy document. Defaults are
// applied and every entry is validated.
func Parse(data []byte) (*File, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	seen := make(map[string]bool, len(f.Authorizations))
	for i := range f.Authorizations {
		a := f.Authorizations[i].WithDefaults()
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("authorization %q: %w", a.Label, err)
		}
		if seen[a.Label] {
			return nil, fmt.Errorf("authorization %q: %w", a.Label, ErrDuplicateLabel)
		}
		seen[a.Label] = true
		f.Authorizations[i] = a
	}
	return &f, nil
}

// ValidateDocument checks a YAML document against the embedded schema.
func ValidateDocument(data []byte) error {
	sch, err := policySchema()
	if err != nil {
		return err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy file is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("policy file is not representable as JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
