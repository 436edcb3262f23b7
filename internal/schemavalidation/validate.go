// Package schemavalidation validates JSON bodies received from observers
// against the schemas embedded in this package.
package schemavalidation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	RegetPhotos      = "reget-photos"
	PushRegistration = "push-registration"
)

var ErrInvalid = errors.New("schemavalidation: document does not match schema")

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemaURL(name string) string {
	return "https://tripwire.local/schema/" + name + ".schema.json"
}

func compileAll() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	names := []string{RegetPhotos, PushRegistration}
	for _, name := range names {
		data, err := schemaFS.ReadFile(path.Join("schemas", name+".schema.json"))
		if err != nil {
			compileErr = fmt.Errorf("read schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(schemaURL(name), bytes.NewReader(data)); err != nil {
			compileErr = fmt.Errorf("add schema resource %s: %w", name, err)
			return
		}
	}

	compiled = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		schema, err := compiler.Compile(schemaURL(name))
		if err != nil {
			compileErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[name] = schema
	}
}

// Schema returns the compiled schema with the given name.
func Schema(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("schemavalidation: unknown schema %q", name)
	}
	return schema, nil
}

// Validate checks a raw JSON document against the named schema.
func Validate(name string, data []byte) error {
	schema, err := Schema(name)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Decode validates data against the named schema and then unmarshals it
// into v.
func Decode(name string, data []byte, v any) error {
	if err := Validate(name, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
