// Package schemas validates pipeline messages against the JSON Schema
// documents shipped with the orchestrator.
//
// Validation follows JSON Schema Draft-07, extended so that "default"
// values declared under a schema's top-level "properties" are
// materialised into the instance before validation runs. A message that
// omits a defaulted field therefore validates, and the caller observes
// the field afterwards.
package schemas

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// SchemaError indicates the named schema document is missing or broken.
// It is a startup-class failure: no amount of message retries fixes it.
type SchemaError struct {
	Name string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %q: %v", e.Name, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ValidationError indicates a message instance does not conform to its
// schema. It is a per-message failure.
type ValidationError struct {
	Name string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message not valid against schema %q: %v", e.Name, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// compiled pairs a compiled schema with the defaults declared under its
// top-level properties.
type compiled struct {
	schema   *jsonschema.Schema
	defaults map[string]any
}

var (
	mu    sync.Mutex
	cache = make(map[string]*compiled)
)

// load compiles the named schema, caching the result.
func load(name string) (*compiled, error) {
	mu.Lock()
	defer mu.Unlock()

	if c, ok := cache[name]; ok {
		return c, nil
	}

	var raw, err = schemaFS.ReadFile(fmt.Sprintf("schemas/%s.json", name))
	if err != nil {
		return nil, &SchemaError{Name: name, Err: err}
	}

	var compiler = jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	// Register every shipped document so that relative $ref targets
	// (e.g. checksum.json) resolve.
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, &SchemaError{Name: name, Err: err}
	}
	for _, entry := range entries {
		var doc, err = schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, &SchemaError{Name: name, Err: err}
		}
		if err := compiler.AddResource(entry.Name(), bytes.NewReader(doc)); err != nil {
			return nil, &SchemaError{Name: name, Err: err}
		}
	}

	schema, err := compiler.Compile(fmt.Sprintf("%s.json", name))
	if err != nil {
		return nil, &SchemaError{Name: name, Err: err}
	}

	defaults, err := extractDefaults(raw)
	if err != nil {
		return nil, &SchemaError{Name: name, Err: err}
	}

	var c = &compiled{schema: schema, defaults: defaults}
	cache[name] = c
	return c, nil
}

// extractDefaults pulls "default" declarations from the raw document's
// top-level "properties".
func extractDefaults(raw []byte) (map[string]any, error) {
	var doc struct {
		Properties map[string]struct {
			Default any `json:"default"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema document: %w", err)
	}

	var defaults = make(map[string]any)
	for property, subschema := range doc.Properties {
		if subschema.Default != nil {
			defaults[property] = subschema.Default
		}
	}
	return defaults, nil
}

// Validate checks an instance against the named schema, first
// materialising schema defaults into the instance. The instance map is
// mutated in place.
func Validate(name string, instance map[string]any) error {
	var c, err = load(name)
	if err != nil {
		return err
	}

	for property, value := range c.defaults {
		if _, ok := instance[property]; !ok {
			instance[property] = value
		}
	}

	if err := c.schema.Validate(toPlain(instance)); err != nil {
		return &ValidationError{Name: name, Err: err}
	}
	return nil
}

// toPlain round-trips the instance through encoding/json so the
// validator sees only plain JSON types (map/slice/string/float64/bool).
// Handlers build outbound messages with typed values such as []string.
func toPlain(instance map[string]any) any {
	var buf, err = json.Marshal(instance)
	if err != nil {
		return instance
	}
	var plain any
	if err := json.Unmarshal(buf, &plain); err != nil {
		return instance
	}
	return plain
}
