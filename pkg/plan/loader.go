package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"

	"github.com/vmware/remote-patcher/pkg/failure"
)

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// LoadFromFile reads a YAML or JSON plan, validates it and resolves
// relative sources against the file's directory.
func LoadFromFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file failed: %w", err)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve plan directory: %w", err)
	}
	return Parse(data, dir)
}

// Parse decodes and validates a plan document.
func Parse(data []byte, baseDir string) (*Plan, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, failure.Wrap(failure.Validation, err, "parse plan")
	}
	if err := validateSchema(jsonData); err != nil {
		return nil, err
	}

	var p Plan
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, failure.Wrap(failure.Validation, err, "decode plan")
	}
	p.BaseDir = baseDir
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// validateSchema checks the document against the embedded JSON schema.
func validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return failure.Wrap(failure.Validation, err, "schema validation error")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return failure.New(failure.Validation, "schema validation errors: %s", strings.Join(msgs, "; "))
}

// Marshal renders p as YAML.
func Marshal(p *Plan) ([]byte, error) {
	return yaml.Marshal(p)
}
